package edge

import (
	"context"
	"io"
	"net/http"
	"strings"

	"callmibro/internal/cachestore"
)

// Fetcher is the network. Errors mean the request never got a response; any HTTP
// status, including 5xx, is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (cachestore.Entry, error)
}

// OriginFetcher forwards same-origin requests to the CallMiBro origin and
// absolute-form requests to their own URL.
type OriginFetcher struct {
	Origin string
	Client *http.Client
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (cachestore.Entry, error) {
	target := f.Origin + r.URL.RequestURI()
	if r.URL.IsAbs() {
		target = r.URL.String()
	}
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return cachestore.Entry{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if body != nil {
		req.ContentLength = r.ContentLength
	}
	return f.do(req)
}

// FetchURL GETs one same-origin path for the edge itself, as used by install-time
// pre-caching and sitemap warming. Cookies the origin sets on these anonymous
// fetches belong to no client and are dropped.
func (f *OriginFetcher) FetchURL(ctx context.Context, path string) (cachestore.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.Origin+path, nil)
	if err != nil {
		return cachestore.Entry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	ent, err := f.do(req)
	if err != nil {
		return cachestore.Entry{}, err
	}
	ent.Header.Del("Set-Cookie")
	return ent, nil
}

func (f *OriginFetcher) do(req *http.Request) (cachestore.Entry, error) {
	resp, err := f.Client.Do(req)
	if err != nil {
		return cachestore.Entry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachestore.Entry{}, err
	}
	return cachestore.NewEntry(resp.StatusCode, resp.Header, body), nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}
