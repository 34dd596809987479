package edge

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"callmibro/internal/queue"
)

var ErrUnknownTag = errors.New("unknown sync tag")

type flusher interface {
	Flush(ctx context.Context, kind queue.Kind) (queue.FlushReport, error)
}

// Syncer delivers background sync signals to the mutation queue. Signals come from
// explicit dispatches, pending registrations while the origin is reachable, and the
// offline-to-online transition seen by the connectivity probe.
type Syncer struct {
	q        flusher
	probeURL string
	client   *http.Client

	mu      sync.Mutex
	pending map[string]struct{}

	online atomic.Bool
	kick   chan struct{}

	afterFlush func(queue.FlushReport)
}

func NewSyncer(q flusher, probeURL string, client *http.Client) *Syncer {
	return &Syncer{
		q:        q,
		probeURL: probeURL,
		client:   client,
		pending:  map[string]struct{}{},
		kick:     make(chan struct{}, 1),
	}
}

// Register records tag for delivery on the next opportunity.
func (s *Syncer) Register(tag string) error {
	if _, ok := queue.KindForTag(tag); !ok {
		return ErrUnknownTag
	}
	s.mu.Lock()
	s.pending[tag] = struct{}{}
	s.mu.Unlock()
	if s.online.Load() {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Syncer) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for t := range s.pending {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch fires the sync signal for tag now and clears its registration. A flush
// that fails or leaves entries behind keeps the tag registered, so the next online
// tick retries it.
func (s *Syncer) Dispatch(ctx context.Context, tag string) (queue.FlushReport, error) {
	kind, ok := queue.KindForTag(tag)
	if !ok {
		return queue.FlushReport{}, ErrUnknownTag
	}
	s.mu.Lock()
	delete(s.pending, tag)
	s.mu.Unlock()

	rep, err := s.q.Flush(ctx, kind)
	if err != nil || len(rep.Failed) > 0 {
		// no kick here: an unreachable endpoint would spin the loop
		s.mu.Lock()
		s.pending[tag] = struct{}{}
		s.mu.Unlock()
	}
	if err != nil {
		return rep, err
	}
	if len(rep.Delivered) > 0 || len(rep.Failed) > 0 {
		logrus.Infof("sync %s: delivered=%d failed=%d", tag, len(rep.Delivered), len(rep.Failed))
	}
	if s.afterFlush != nil {
		s.afterFlush(rep)
	}
	return rep, nil
}

func (s *Syncer) Online() bool { return s.online.Load() }

// Probe checks whether the origin answers at all. Any HTTP response counts.
func (s *Syncer) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// tick probes once and dispatches either every tag (on reconnect) or the pending
// ones (while online).
func (s *Syncer) tick(ctx context.Context) {
	up := s.Probe(ctx)
	was := s.online.Swap(up)
	if !up {
		if was {
			logrus.Warn("sync: origin unreachable, deferring deliveries")
		}
		return
	}

	var tags []string
	if !was {
		logrus.Info("sync: origin reachable, flushing offline queues")
		for _, k := range queue.Kinds() {
			tags = append(tags, k.Tag())
		}
	} else {
		tags = s.Pending()
	}
	for _, tag := range tags {
		if _, err := s.Dispatch(ctx, tag); err != nil {
			logrus.WithError(err).Warnf("sync %s", tag)
		}
	}
}

func (s *Syncer) run(stop <-chan struct{}, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	runOnce := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.tick(ctx)
	}

	runOnce()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			runOnce()
		case <-s.kick:
			runOnce()
		}
	}
}
