// Package cachestore owns the single active cache bucket: install-time pre-caching,
// activation-time eviction of stale buckets, and opportunistic writes of responses.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"runtime"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"callmibro/internal/kv"
)

// bucketMarker is written into every created bucket so an empty manifest still
// leaves a visible bucket. Request keys always start with "/", so it cannot clash.
const bucketMarker = "#bucket"

const manifestFetchers = 8

// FetchFunc retrieves one same-origin URL from the network.
type FetchFunc func(ctx context.Context, url string) (Entry, error)

var ErrClosed = errors.New("cachestore: manager closed")

type storeOp struct {
	key  string
	ent  Entry
	done chan struct{}
}

type Manager struct {
	store  *kv.Store
	name   string
	bucket *kv.Partition

	maxEntryBytes int64

	mu     sync.RWMutex
	closed bool
	ops    chan storeOp
	done   chan struct{}
}

// NewManager binds a manager to bucket inside store. Entries whose body exceeds
// maxEntryBytes are never written; zero disables the limit.
func NewManager(store *kv.Store, bucket string, maxEntryBytes int64) *Manager {
	m := &Manager{
		store:         store,
		name:          bucket,
		bucket:        store.Partition(bucket),
		maxEntryBytes: maxEntryBytes,
		ops:           make(chan storeOp, 1024),
		done:          make(chan struct{}),
	}
	go m.writerLoop()
	return m
}

func (m *Manager) Name() string { return m.name }

// Initialize opens the current bucket and pre-caches every manifest URL. It is all or
// nothing: one failed fetch or non-2xx response fails the call and nothing is written.
func (m *Manager) Initialize(ctx context.Context, fetch FetchFunc, manifest []string) error {
	keys := make([]string, len(manifest))
	for i, u := range manifest {
		k, err := KeyForURL(u)
		if err != nil {
			return fmt.Errorf("precache %q: %w", u, err)
		}
		keys[i] = k
	}

	entries := make([]Entry, len(manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(manifestFetchers)
	for i, u := range manifest {
		g.Go(func() error {
			ent, err := fetch(gctx, u)
			if err != nil {
				return fmt.Errorf("precache %s: %w", u, err)
			}
			if !ent.OK() {
				return fmt.Errorf("precache %s: unexpected status %d", u, ent.Status)
			}
			entries[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	batch := make(map[string][]byte, len(manifest)+1)
	batch[bucketMarker] = []byte(m.name)
	for i, k := range keys {
		b, err := kv.EncodeGob(entries[i])
		if err != nil {
			return fmt.Errorf("precache %s: %w", manifest[i], err)
		}
		batch[k] = b
	}
	return m.bucket.PutBatch(batch)
}

// ActivateAndEvictStale deletes every bucket except the current one and returns the
// names it removed. Failures are logged and skipped.
func (m *Manager) ActivateAndEvictStale() []string {
	names, err := m.store.Partitions()
	if err != nil {
		logrus.WithError(err).Warn("cachestore: list buckets")
		return nil
	}
	var evicted []string
	for _, name := range names {
		if name == m.name {
			continue
		}
		if err := m.store.DropPartition(name); err != nil {
			logrus.WithError(err).Warnf("cachestore: evict bucket %s", name)
			continue
		}
		evicted = append(evicted, name)
	}
	return evicted
}

func (m *Manager) Lookup(key string) (Entry, bool) {
	if key == "" || key == bucketMarker {
		return Entry{}, false
	}
	b, ok, err := m.bucket.Get(key)
	if err != nil || !ok {
		return Entry{}, false
	}
	var ent Entry
	if err := kv.DecodeGob(b, &ent); err != nil {
		logrus.WithError(err).Warnf("cachestore: decode %s", key)
		return Entry{}, false
	}
	return ent, true
}

// Store writes one entry synchronously, overwriting any previous one.
func (m *Manager) Store(key string, ent Entry) error {
	if m.tooBig(ent) {
		return nil
	}
	ent.Hash32 = crc32.ChecksumIEEE(ent.Body)
	b, err := kv.EncodeGob(ent)
	if err != nil {
		return err
	}
	return m.bucket.Put(key, b)
}

// StoreAsync queues a copy of ent for the writer goroutine and returns at once.
func (m *Manager) StoreAsync(key string, ent Entry) {
	if m.tooBig(ent) {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	m.ops <- storeOp{key: key, ent: ent.Clone()}
}

// Drain blocks until every StoreAsync issued before it has been applied.
func (m *Manager) Drain() error {
	done := make(chan struct{})
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.ops <- storeOp{done: done}
	m.mu.RUnlock()
	<-done
	return nil
}

func (m *Manager) Buckets() ([]string, error) {
	return m.store.Partitions()
}

// Len returns the number of cached responses in the current bucket.
func (m *Manager) Len() (int, error) {
	n, err := m.bucket.Len()
	if err != nil {
		return 0, err
	}
	if _, ok, _ := m.bucket.Get(bucketMarker); ok {
		n--
	}
	return n, nil
}

// Close drains pending writes and stops the writer. The kv store stays open.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.ops)
	m.mu.Unlock()
	<-m.done
}

func (m *Manager) tooBig(ent Entry) bool {
	return m.maxEntryBytes > 0 && int64(len(ent.Body)) > m.maxEntryBytes
}

func (m *Manager) writerLoop() {
	defer close(m.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range m.ops {
		if op.done != nil {
			close(op.done)
			continue
		}
		m.applyPut(op.key, op.ent)
	}
}

func (m *Manager) applyPut(key string, ent Entry) {
	if cur, ok := m.Lookup(key); ok && sameResponse(cur, ent) {
		return
	}
	if err := m.Store(key, ent); err != nil {
		logrus.WithError(err).Warnf("cachestore: store %s", key)
	}
}

// sameResponse reports whether ent would store nothing new over cur. Date changes on
// every origin answer and is not compared.
func sameResponse(cur, ent Entry) bool {
	if cur.Status != ent.Status || cur.Hash32 != crc32.ChecksumIEEE(ent.Body) {
		return false
	}
	return headersEqual(cur.Header, ent.Header, "Date")
}

func headersEqual(a, b http.Header, ignore string) bool {
	count := func(h http.Header) int {
		n := len(h)
		if _, ok := h[ignore]; ok {
			n--
		}
		return n
	}
	if count(a) != count(b) {
		return false
	}
	for k, av := range a {
		if k == ignore {
			continue
		}
		bv, ok := b[k]
		if !ok || !slices.Equal(av, bv) {
			return false
		}
	}
	return true
}
