// Package queue stages booking and order submissions that could not reach the
// origin and delivers them when a background sync fires.
//
// An entry stays queued until the origin answers its POST with a 2xx. There is no
// retry ceiling: a permanently failing endpoint keeps its entries forever.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"callmibro/internal/kv"
)

var (
	ErrInvalidKind    = errors.New("queue: unknown mutation kind")
	ErrEmptyID        = errors.New("queue: empty mutation id")
	ErrInvalidPayload = errors.New("queue: payload is not valid JSON")
)

type PendingMutation struct {
	ID       string
	Kind     Kind
	Payload  json.RawMessage
	QueuedAt int64 // unix nanoseconds
}

// Failure is the last delivery problem seen for one pending mutation.
type Failure struct {
	ID          string    `json:"id"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError"`
	LastAttempt time.Time `json:"lastAttempt"`
}

type FlushReport struct {
	Kind      Kind              `json:"kind"`
	Delivered []string          `json:"delivered"`
	Failed    map[string]string `json:"failed"`
}

type Config struct {
	// Origin is prefixed to the kind's endpoint, e.g. "http://origin:3000".
	Origin string
	Client *http.Client
	// DiagnosticsTTL bounds how long a delivery failure is remembered.
	DiagnosticsTTL time.Duration
	// FlushTimeout bounds one shared flush run. Callers stop waiting on their own
	// context; the run itself only stops at this deadline.
	FlushTimeout time.Duration
}

type Queue struct {
	store  *kv.Store
	origin string
	client *http.Client

	flights      singleflight.Group
	flushTimeout time.Duration
	failures     *gocache.Cache

	nowFn func() time.Time
}

func New(store *kv.Store, cfg Config) *Queue {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	ttl := cfg.DiagnosticsTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	flushTimeout := cfg.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = 2 * time.Minute
	}
	return &Queue{
		store:        store,
		origin:       strings.TrimRight(cfg.Origin, "/"),
		client:       client,
		flushTimeout: flushTimeout,
		// no janitor: expired failures are filtered on read
		failures: gocache.New(ttl, 0),
		nowFn:    time.Now,
	}
}

// Enqueue stores payload under id, replacing any earlier payload with the same id.
func (q *Queue) Enqueue(kind Kind, id string, payload []byte) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if strings.TrimSpace(id) == "" {
		return ErrEmptyID
	}
	if !json.Valid(payload) {
		return ErrInvalidPayload
	}
	pm := PendingMutation{
		ID:       id,
		Kind:     kind,
		Payload:  append(json.RawMessage(nil), payload...),
		QueuedAt: q.nowFn().UnixNano(),
	}
	b, err := kv.EncodeGob(pm)
	if err != nil {
		return err
	}
	return q.store.Partition(kind.Partition()).Put(id, b)
}

func (q *Queue) Get(kind Kind, id string) (PendingMutation, bool, error) {
	if !kind.Valid() {
		return PendingMutation{}, false, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	b, ok, err := q.store.Partition(kind.Partition()).Get(id)
	if err != nil || !ok {
		return PendingMutation{}, false, err
	}
	var pm PendingMutation
	if err := kv.DecodeGob(b, &pm); err != nil {
		return PendingMutation{}, false, fmt.Errorf("decode %s/%s: %w", kind, id, err)
	}
	return pm, true, nil
}

// List returns the pending mutations of kind ordered by id.
func (q *Queue) List(kind Kind) ([]PendingMutation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	var out []PendingMutation
	err := q.store.Partition(kind.Partition()).Each(func(id string, b []byte) error {
		var pm PendingMutation
		if err := kv.DecodeGob(b, &pm); err != nil {
			logrus.WithError(err).Warnf("queue: skip undecodable %s/%s", kind, id)
			return nil
		}
		out = append(out, pm)
		return nil
	})
	return out, err
}

func (q *Queue) Remove(kind Kind, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	q.failures.Delete(failureKey(kind, id))
	return q.store.Partition(kind.Partition()).Delete(id)
}

func (q *Queue) Len(kind Kind) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return q.store.Partition(kind.Partition()).Len()
}

// Failures returns remembered delivery failures of kind ordered by id.
func (q *Queue) Failures(kind Kind) []Failure {
	prefix := string(kind) + "/"
	var out []Failure
	for k, it := range q.failures.Items() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if f, ok := it.Object.(Failure); ok {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Flush POSTs every pending mutation of kind to its endpoint, one at a time. Each
// entry succeeds or fails on its own; failed entries stay queued. Concurrent calls
// for the same kind share a single run. The run is not tied to any caller's
// context: a caller that gives up gets ctx.Err() while the run carries on for the
// others.
func (q *Queue) Flush(ctx context.Context, kind Kind) (FlushReport, error) {
	if !kind.Valid() {
		return FlushReport{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if err := ctx.Err(); err != nil {
		return FlushReport{}, err
	}
	ch := q.flights.DoChan(string(kind), func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.flushTimeout)
		defer cancel()
		return q.flush(runCtx, kind)
	})
	select {
	case <-ctx.Done():
		return FlushReport{}, ctx.Err()
	case res := <-ch:
		rep, _ := res.Val.(FlushReport)
		return rep, res.Err
	}
}

func (q *Queue) flush(ctx context.Context, kind Kind) (FlushReport, error) {
	rep := FlushReport{Kind: kind, Failed: map[string]string{}}
	pending, err := q.List(kind)
	if err != nil {
		return rep, err
	}
	for _, pm := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := q.post(ctx, kind.Endpoint(), pm.Payload); err != nil {
			q.recordFailure(kind, pm.ID, err)
			logrus.Warnf("queue: deliver %s %s: %v", kind, pm.ID, err)
			rep.Failed[pm.ID] = err.Error()
			continue
		}
		q.failures.Delete(failureKey(kind, pm.ID))
		superseded, err := q.removeDelivered(pm)
		if err != nil {
			logrus.WithError(err).Errorf("queue: %s %s delivered but not removed", kind, pm.ID)
		} else if superseded {
			logrus.Debugf("queue: %s %s re-enqueued during delivery, keeping the newer payload", kind, pm.ID)
		}
		rep.Delivered = append(rep.Delivered, pm.ID)
	}
	return rep, nil
}

// removeDelivered deletes pm only if the stored entry is still the one that was
// posted. It reports whether a newer payload replaced it in the meantime.
func (q *Queue) removeDelivered(pm PendingMutation) (superseded bool, _ error) {
	deleted, err := q.store.Partition(pm.Kind.Partition()).DeleteIf(pm.ID, func(cur []byte) bool {
		var stored PendingMutation
		if err := kv.DecodeGob(cur, &stored); err != nil {
			return false
		}
		return stored.QueuedAt == pm.QueuedAt && bytes.Equal(stored.Payload, pm.Payload)
	})
	if err != nil {
		return false, err
	}
	return !deleted, nil
}

func (q *Queue) post(ctx context.Context, endpoint string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.origin+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (q *Queue) recordFailure(kind Kind, id string, err error) {
	key := failureKey(kind, id)
	f := Failure{ID: id}
	if v, ok := q.failures.Get(key); ok {
		f = v.(Failure)
	}
	f.Attempts++
	f.LastError = err.Error()
	f.LastAttempt = q.nowFn().UTC()
	q.failures.SetDefault(key, f)
}

func failureKey(kind Kind, id string) string {
	return string(kind) + "/" + id
}
