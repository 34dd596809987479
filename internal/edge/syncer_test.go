package edge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callmibro/internal/queue"
)

type recordingFlusher struct {
	mu     sync.Mutex
	kinds  []queue.Kind
	err    error
	failed map[string]string
}

func (f *recordingFlusher) Flush(_ context.Context, kind queue.Kind) (queue.FlushReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	failed := f.failed
	if failed == nil {
		failed = map[string]string{}
	}
	return queue.FlushReport{Kind: kind, Delivered: []string{"x"}, Failed: failed}, f.err
}

func (f *recordingFlusher) flushed() []queue.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.kinds
	f.kinds = nil
	return out
}

const probeURL = "http://origin.test/healthz"

func newTestSyncer(t *testing.T) (*Syncer, *recordingFlusher, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	mt.RegisterNoResponder(httpmock.NewErrorResponder(errOffline))
	f := &recordingFlusher{}
	return NewSyncer(f, probeURL, &http.Client{Transport: mt}), f, mt
}

func TestSyncerReconnectFlushesEveryKind(t *testing.T) {
	s, f, mt := newTestSyncer(t)
	ctx := context.Background()

	s.tick(ctx)
	assert.False(t, s.Online())
	assert.Empty(t, f.flushed(), "nothing is delivered while the origin is unreachable")

	mt.RegisterResponder(http.MethodHead, probeURL, httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))
	s.tick(ctx)
	assert.True(t, s.Online(), "any HTTP answer means the origin is reachable")
	assert.Equal(t, []queue.Kind{queue.KindBooking, queue.KindOrder}, f.flushed())

	s.tick(ctx)
	assert.Empty(t, f.flushed(), "staying online without registrations sends nothing")
}

func TestSyncerDeliversPendingRegistrationsWhileOnline(t *testing.T) {
	s, f, mt := newTestSyncer(t)
	ctx := context.Background()
	mt.RegisterResponder(http.MethodHead, probeURL, httpmock.NewStringResponder(http.StatusOK, ""))
	s.tick(ctx)
	f.flushed()

	require.NoError(t, s.Register("sync-orders"))
	assert.Equal(t, []string{"sync-orders"}, s.Pending())

	s.tick(ctx)
	assert.Equal(t, []queue.Kind{queue.KindOrder}, f.flushed())
	assert.Empty(t, s.Pending(), "dispatch clears the registration")
}

func TestSyncerKeepsRegistrationsWhileOffline(t *testing.T) {
	s, f, _ := newTestSyncer(t)

	require.NoError(t, s.Register("sync-bookings"))
	s.tick(context.Background())
	assert.Empty(t, f.flushed())
	assert.Equal(t, []string{"sync-bookings"}, s.Pending())
}

func TestSyncerUnknownTag(t *testing.T) {
	s, f, _ := newTestSyncer(t)

	assert.ErrorIs(t, s.Register("sync-invoices"), ErrUnknownTag)
	_, err := s.Dispatch(context.Background(), "sync-invoices")
	assert.ErrorIs(t, err, ErrUnknownTag)
	assert.Empty(t, f.flushed())
}

func TestSyncerDispatchReportsFlushErrors(t *testing.T) {
	s, f, _ := newTestSyncer(t)
	f.err = errors.New("queue store closed")

	var reports []queue.FlushReport
	s.afterFlush = func(rep queue.FlushReport) { reports = append(reports, rep) }

	_, err := s.Dispatch(context.Background(), "sync-bookings")
	assert.EqualError(t, err, "queue store closed")
	assert.Empty(t, reports, "failed flushes are not reported as deliveries")
	assert.Equal(t, []string{"sync-bookings"}, s.Pending(), "a failed flush stays registered")

	f.err = nil
	rep, err := s.Dispatch(context.Background(), "sync-bookings")
	require.NoError(t, err)
	assert.Equal(t, queue.KindBooking, rep.Kind)
	require.Len(t, reports, 1)
	assert.Empty(t, s.Pending())
}

func TestSyncerRetriesPartialFlushOnNextTick(t *testing.T) {
	s, f, mt := newTestSyncer(t)
	ctx := context.Background()
	mt.RegisterResponder(http.MethodHead, probeURL, httpmock.NewStringResponder(http.StatusOK, ""))
	s.tick(ctx)
	f.flushed()

	f.failed = map[string]string{"o1": "unexpected status 503"}
	_, err := s.Dispatch(ctx, "sync-orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"sync-orders"}, s.Pending(), "entries left behind keep the tag registered")

	f.failed = nil
	s.tick(ctx)
	assert.Equal(t, []queue.Kind{queue.KindOrder}, f.flushed())
	assert.Empty(t, s.Pending())
}
