// Package edge hosts the offline layer of CallMiBro as an HTTP edge in front of the
// origin: install/activate lifecycle for the cache bucket, per-request fetch
// strategies, and background sync of queued bookings and orders.
package edge

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callmibro/internal/cachestore"
	"callmibro/internal/kv"
	"callmibro/internal/queue"
)

type Service struct {
	cfg Config

	httpClient *http.Client

	cacheDB *kv.Store
	queueDB *kv.Store

	cache       *cachestore.Manager
	queue       *queue.Queue
	fetcher     *OriginFetcher
	interceptor *Interceptor
	syncer      *Syncer

	metrics *metrics
	stats   *statsCollector

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Service)

// WithHTTPClient replaces the client used for every origin call.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// WithStores supplies already opened stores instead of opening them under dataDir.
// The service closes them on Close.
func WithStores(cacheDB, queueDB *kv.Store) Option {
	return func(s *Service) {
		s.cacheDB = cacheDB
		s.queueDB = queueDB
	}
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		stopCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	if s.cacheDB == nil {
		db, err := kv.Open(filepath.Join(cfg.DataDir, "cache"))
		if err != nil {
			return nil, err
		}
		s.cacheDB = db
	}
	if s.queueDB == nil {
		db, err := kv.Open(filepath.Join(cfg.DataDir, "queue"))
		if err != nil {
			_ = s.cacheDB.Close()
			return nil, err
		}
		s.queueDB = db
	}

	s.cache = cachestore.NewManager(s.cacheDB, cachestore.BucketName(cfg.App, cfg.CacheVersion), cfg.Cache.maxEntryBytes)
	s.queue = queue.New(s.queueDB, queue.Config{
		Origin:         cfg.Server.Origin,
		Client:         s.httpClient,
		DiagnosticsTTL: cfg.Sync.diagnosticsTTLDur,
	})
	s.fetcher = &OriginFetcher{Origin: cfg.Server.Origin, Client: s.httpClient}
	s.metrics = newMetrics(s.cache, s.queue)

	s.interceptor = NewInterceptor(NewClassifier(cfg), s.cache, s.fetcher)
	s.interceptor.metrics = s.metrics

	s.syncer = NewSyncer(s.queue, cfg.Server.Origin+cfg.Sync.ProbePath, s.httpClient)
	s.syncer.afterFlush = s.metrics.observeFlush

	if cfg.Sync.probeEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.syncer.run(s.stopCh, cfg.Sync.probeEveryDur)
		}()
	}

	if cfg.Logging.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}

	return s, nil
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.cache.Close()
		if err := s.cacheDB.Close(); err != nil {
			logrus.WithError(err).Warn("close cache store")
		}
		if err := s.queueDB.Close(); err != nil {
			logrus.WithError(err).Warn("close queue store")
		}
	})
}

func (s *Service) Queue() *queue.Queue { return s.queue }
func (s *Service) Cache() *cachestore.Manager { return s.cache }
func (s *Service) Syncer() *Syncer { return s.syncer }
func (s *Service) Interceptor() *Interceptor { return s.interceptor }
func (s *Service) Config() Config { return s.cfg }

// Install pre-caches the manifest into the current bucket. A failure leaves no
// partial bucket behind; the caller retries later.
func (s *Service) Install(ctx context.Context) error {
	start := time.Now()
	if err := s.cache.Initialize(ctx, s.fetcher.FetchURL, s.cfg.Manifest); err != nil {
		return fmt.Errorf("install %s: %w", s.cache.Name(), err)
	}
	logrus.Infof("installed %s: %d manifest urls in %s", s.cache.Name(), len(s.cfg.Manifest), time.Since(start).Round(time.Millisecond))
	return nil
}

// Activate evicts stale buckets and starts sitemap warming when configured.
func (s *Service) Activate() {
	for _, name := range s.cache.ActivateAndEvictStale() {
		logrus.Infof("activated %s: evicted stale bucket %s", s.cache.Name(), name)
	}
	s.startURLsDiscover()
}

// StartLifecycle runs Install until it succeeds, then Activate, in the background.
func (s *Service) StartLifecycle() {
	retry := s.cfg.Precache.installRetryDur
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			err := s.Install(ctx)
			cancel()
			if err == nil {
				s.Activate()
				return
			}
			logrus.WithError(err).Warnf("install failed, retrying in %s", retry)
			select {
			case <-s.stopCh:
				return
			case <-time.After(retry):
			}
		}
	}()
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			entries, _ := s.cache.Len()
			bookings, _ := s.queue.Len(queue.KindBooking)
			orders, _ := s.queue.Len(queue.KindOrder)
			rss := "n/a"
			if b, ok := processRSSBytes(); ok {
				rss = formatBytes(b)
			}
			logrus.Infof(
				"Cached: %d entries in %s, served %d (%d from cache), Resp Min/avg/max %s/%s/%s, Queued bookings/orders %d/%d, RSS %s",
				entries,
				s.cache.Name(),
				ss.TotalResponses,
				ss.CacheResponses,
				formatBytes(ss.MinRespBytes),
				formatBytes(ss.AvgRespBytes),
				formatBytes(ss.MaxRespBytes),
				bookings,
				orders,
				rss,
			)
		}
	}
}
