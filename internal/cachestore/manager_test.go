package cachestore

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"callmibro/internal/kv"
)

func newTestManager(t *testing.T, store *kv.Store, bucket string) *Manager {
	t.Helper()
	m := NewManager(store, bucket, 0)
	t.Cleanup(m.Close)
	return m
}

func openStore(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func staticFetch(bodies map[string]string) FetchFunc {
	return func(_ context.Context, url string) (Entry, error) {
		b, ok := bodies[url]
		if !ok {
			return NewEntry(http.StatusNotFound, nil, nil), nil
		}
		return NewEntry(http.StatusOK, http.Header{"Content-Type": {"text/plain"}}, []byte(b)), nil
	}
}

func TestBucketName(t *testing.T) {
	assert.Equal(t, "callmibro-cache-v3", BucketName("callmibro", 3))
}

func TestInitializePrecachesManifest(t *testing.T) {
	m := newTestManager(t, openStore(t), "app-cache-v1")

	err := m.Initialize(context.Background(), staticFetch(map[string]string{
		"/":        "<html>home</html>",
		"/app.css": "body{}",
	}), []string{"/", "/app.css"})
	require.NoError(t, err)

	root, ok := m.Lookup("/")
	require.True(t, ok, "root should be cached")
	assert.Equal(t, "<html>home</html>", string(root.Body))

	css, ok := m.Lookup("/app.css")
	require.True(t, ok, "stylesheet should be cached")
	assert.Equal(t, "body{}", string(css.Body))
	assert.Equal(t, "text/plain", css.Header.Get("Content-Type"))

	n, err := m.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestInitializeIsAllOrNothing(t *testing.T) {
	store := openStore(t)
	m := newTestManager(t, store, "app-cache-v1")

	err := m.Initialize(context.Background(), staticFetch(map[string]string{
		"/": "<html>home</html>",
	}), []string{"/", "/missing.png"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/missing.png")

	_, ok := m.Lookup("/")
	assert.False(t, ok, "a failed install must not commit any entry")

	names, err := store.Partitions()
	require.NoError(t, err)
	assert.Empty(t, names, "a failed install must not create the bucket")
}

func TestInitializeFailsOnNetworkError(t *testing.T) {
	m := newTestManager(t, openStore(t), "app-cache-v1")
	boom := errors.New("dial tcp: connection refused")

	err := m.Initialize(context.Background(), func(context.Context, string) (Entry, error) {
		return Entry{}, boom
	}, []string{"/"})
	require.ErrorIs(t, err, boom)
}

func TestInitializeEmptyManifestCreatesBucket(t *testing.T) {
	store := openStore(t)
	m := newTestManager(t, store, "app-cache-v1")

	require.NoError(t, m.Initialize(context.Background(), staticFetch(nil), nil))
	names, err := store.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-cache-v1"}, names)

	n, err := m.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestActivateEvictsStaleBuckets(t *testing.T) {
	store := openStore(t)
	manifest := []string{"/"}
	fetch := staticFetch(map[string]string{"/": "home"})

	v1 := newTestManager(t, store, "app-cache-v1")
	require.NoError(t, v1.Initialize(context.Background(), fetch, manifest))

	v2 := newTestManager(t, store, "app-cache-v2")
	require.NoError(t, v2.Initialize(context.Background(), fetch, manifest))

	evicted := v2.ActivateAndEvictStale()
	assert.Equal(t, []string{"app-cache-v1"}, evicted)

	names, err := v2.Buckets()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-cache-v2"}, names)

	_, ok := v1.Lookup("/")
	assert.False(t, ok, "stale bucket content should be gone")
	_, ok = v2.Lookup("/")
	assert.True(t, ok)
}

func TestLookupNeverMutates(t *testing.T) {
	m := newTestManager(t, openStore(t), "app-cache-v1")
	_, ok := m.Lookup("/nothing")
	assert.False(t, ok)
	_, ok = m.Lookup(bucketMarker)
	assert.False(t, ok, "the bucket marker is not a response")

	n, err := m.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreAsyncCopiesBody(t *testing.T) {
	m := newTestManager(t, openStore(t), "app-cache-v1")

	body := []byte(`{"brands":["lg"]}`)
	m.StoreAsync("/api/catalog", NewEntry(http.StatusOK, nil, body))
	copy(body, "XXXXXXXXXXXXXXXXX")
	require.NoError(t, m.Drain())

	ent, ok := m.Lookup("/api/catalog")
	require.True(t, ok)
	assert.Equal(t, `{"brands":["lg"]}`, string(ent.Body))
}

func TestStoreOverwrites(t *testing.T) {
	m := newTestManager(t, openStore(t), "app-cache-v1")

	require.NoError(t, m.Store("/api/catalog", NewEntry(http.StatusOK, nil, []byte("v1"))))
	m.StoreAsync("/api/catalog", NewEntry(http.StatusOK, nil, []byte("v2")))
	require.NoError(t, m.Drain())

	ent, ok := m.Lookup("/api/catalog")
	require.True(t, ok)
	assert.Equal(t, "v2", string(ent.Body))
}

func TestMaxEntryBytes(t *testing.T) {
	m := NewManager(openStore(t), "app-cache-v1", 4)
	t.Cleanup(m.Close)

	m.StoreAsync("/big", NewEntry(http.StatusOK, nil, []byte("too large")))
	require.NoError(t, m.Store("/small", NewEntry(http.StatusOK, nil, []byte("ok"))))
	require.NoError(t, m.Drain())

	_, ok := m.Lookup("/big")
	assert.False(t, ok)
	_, ok = m.Lookup("/small")
	assert.True(t, ok)
}

func TestCloseStopsWriter(t *testing.T) {
	// goleveldb v1.0.0 leaves its mpool drainer running after Close
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("github.com/syndtr/goleveldb/leveldb.(*DB).mpoolDrain"),
	)

	store, err := kv.OpenMem()
	require.NoError(t, err)
	m := NewManager(store, "app-cache-v1", 0)

	for i := 0; i < 10; i++ {
		m.StoreAsync("/page", NewEntry(http.StatusOK, nil, []byte{byte(i)}))
	}
	m.Close()
	m.Close()

	m.StoreAsync("/after-close", NewEntry(http.StatusOK, nil, []byte("x")))
	assert.ErrorIs(t, m.Drain(), ErrClosed)

	ent, ok := m.Lookup("/page")
	require.True(t, ok, "writes queued before Close are applied")
	assert.Equal(t, []byte{9}, ent.Body)

	require.NoError(t, store.Close())
}

func TestRequestKey(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/api/catalog?brand=lg", nil)
	key, ok := RequestKey(r)
	require.True(t, ok)
	assert.Equal(t, "/api/catalog?brand=lg", key)

	post, _ := http.NewRequest(http.MethodPost, "/api/bookings", nil)
	_, ok = RequestKey(post)
	assert.False(t, ok, "mutating requests have no cache identity")

	k, err := KeyForURL("")
	require.NoError(t, err)
	assert.Equal(t, "/", k)
}

func TestStoreAsyncRefreshesChangedHeaders(t *testing.T) {
	m := NewManager(openStore(t), "app-cache-v1", 0)
	t.Cleanup(m.Close)

	body := []byte(`{"brands":["lg"]}`)
	require.NoError(t, m.Store("/api/catalog", NewEntry(http.StatusOK, http.Header{"Etag": {`"v1"`}}, body)))

	m.StoreAsync("/api/catalog", NewEntry(http.StatusOK, http.Header{"Etag": {`"v2"`}}, body))
	require.NoError(t, m.Drain())

	ent, ok := m.Lookup("/api/catalog")
	require.True(t, ok)
	assert.Equal(t, `"v2"`, ent.Header.Get("Etag"), "same body with new headers is rewritten")

	m.StoreAsync("/api/catalog", NewEntry(http.StatusOK, http.Header{"Etag": {`"v2"`}, "Date": {"Mon, 02 Jan 2006 15:04:05 GMT"}}, body))
	require.NoError(t, m.Drain())
	ent, ok = m.Lookup("/api/catalog")
	require.True(t, ok)
	assert.Empty(t, ent.Header.Get("Date"), "a Date-only change does not count as a new response")
}
