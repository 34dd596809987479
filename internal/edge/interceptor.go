package edge

import (
	"context"
	"net/http"
	"time"

	"callmibro/internal/cachestore"
)

// Source says where a dispatched response came from.
type Source string

const (
	SourceNetwork         Source = "network"
	SourceCache           Source = "cache"
	SourceOfflineFallback Source = "offline-fallback"
	SourcePassthrough     Source = "passthrough"
)

type Result struct {
	Entry  cachestore.Entry
	Source Source
	Policy Policy
}

// Interceptor applies the per-request fetch strategy. It keeps no state across
// requests; the bucket is the only shared resource and writes to it are last write
// wins.
type Interceptor struct {
	classifier *Classifier
	cache      *cachestore.Manager
	net        Fetcher

	offlineLog *rateLimitedLogger
	metrics    *metrics
}

func NewInterceptor(classifier *Classifier, cache *cachestore.Manager, net Fetcher) *Interceptor {
	return &Interceptor{
		classifier: classifier,
		cache:      cache,
		net:        net,
		offlineLog: newRateLimitedLogger(1 * time.Minute),
	}
}

// Dispatch answers r. When neither the network nor a fallback can answer, the
// network error is returned unchanged.
func (in *Interceptor) Dispatch(ctx context.Context, r *http.Request) (Result, error) {
	p := in.classifier.Classify(r)

	var (
		res Result
		err error
	)
	switch p {
	case PolicyIgnore:
		var ent cachestore.Entry
		ent, err = in.net.Fetch(ctx, r)
		res = Result{Entry: ent, Source: SourcePassthrough}
	case PolicyNetworkFirst:
		res, err = in.networkFirst(ctx, r)
	default:
		res, err = in.cacheFirst(ctx, r)
	}
	res.Policy = p
	in.metrics.observeDispatch(p, res.Source, err)
	return res, err
}

func (in *Interceptor) networkFirst(ctx context.Context, r *http.Request) (Result, error) {
	ent, err := in.net.Fetch(ctx, r)
	if err == nil {
		in.maybeStore(r, ent)
		return Result{Entry: ent, Source: SourceNetwork}, nil
	}
	in.offlineLog.Printf("network-first %s %s: network unavailable, trying cache: %v", r.Method, r.URL.Path, err)

	if key, ok := cachestore.RequestKey(r); ok {
		if cached, ok := in.cache.Lookup(key); ok {
			return Result{Entry: cached, Source: SourceCache}, nil
		}
	}
	return Result{}, err
}

func (in *Interceptor) cacheFirst(ctx context.Context, r *http.Request) (Result, error) {
	if key, ok := cachestore.RequestKey(r); ok {
		if cached, ok := in.cache.Lookup(key); ok {
			return Result{Entry: cached, Source: SourceCache}, nil
		}
	}

	ent, err := in.net.Fetch(ctx, r)
	if err == nil {
		in.maybeStore(r, ent)
		return Result{Entry: ent, Source: SourceNetwork}, nil
	}
	in.offlineLog.Printf("cache-first %s %s: network unavailable: %v", r.Method, r.URL.Path, err)

	if isNavigation(r) {
		if root, ok := in.cache.Lookup("/"); ok {
			return Result{Entry: root, Source: SourceOfflineFallback}, nil
		}
	}
	return Result{}, err
}

// maybeStore queues a write for shareable 2xx GET responses only.
func (in *Interceptor) maybeStore(r *http.Request, ent cachestore.Entry) {
	if !ent.OK() || !shareable(r, ent) {
		return
	}
	key, ok := cachestore.RequestKey(r)
	if !ok {
		return
	}
	in.cache.StoreAsync(key, ent)
}
