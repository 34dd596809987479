package edge

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"callmibro/internal/cachestore"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// startURLsDiscover warms the bucket with the cache-first pages listed in the
// configured sitemaps (brand and model catalog pages). Warming is best effort and
// never replaces an entry already in the bucket.
func (s *Service) startURLsDiscover() {
	if len(s.cfg.Precache.Sitemaps) == 0 {
		return
	}
	initDelay := s.cfg.Precache.initialDelayDur

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		warmed, skipped, err := s.discoverURLsOnce(ctx)
		if err != nil {
			logrus.WithError(err).Warn("precache sitemaps")
		}
		logrus.Infof("precache sitemaps: warmed=%d skipped=%d", warmed, skipped)
	}()
}

func (s *Service) discoverURLsOnce(ctx context.Context) (warmed int, skipped int, _ error) {
	classifier := s.interceptor.classifier
	hosts := s.ownHosts()
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Precache.Sitemaps))
	for _, sm := range s.cfg.Precache.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, s.normalizeMaybeRelativeURL(sm))
		}
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return warmed, skipped, ctx.Err()
		case <-s.stopCh:
			return warmed, skipped, nil
		default:
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return warmed, skipped, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, s.normalizeMaybeRelativeURL(nested))
			}
		}

		for _, loc := range doc.URLs {
			select {
			case <-ctx.Done():
				return warmed, skipped, ctx.Err()
			case <-s.stopCh:
				return warmed, skipped, nil
			default:
			}
			path := normalizePathFromLoc(loc, hosts)
			if path == "" || classifier.ClassifyPath(path) != PolicyCacheFirst {
				skipped++
				continue
			}
			key, err := cachestore.KeyForURL(path)
			if err != nil {
				skipped++
				continue
			}
			if _, ok := s.cache.Lookup(key); ok {
				skipped++
				continue
			}
			ent, err := s.fetcher.FetchURL(ctx, path)
			if err != nil || !ent.OK() {
				skipped++
				continue
			}
			s.cache.StoreAsync(key, ent)
			warmed++
		}
	}
	return warmed, skipped, nil
}

func (s *Service) normalizeMaybeRelativeURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Server.Origin + u
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may or may not already be decoded by the transport
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}

// ownHosts returns the hosts a sitemap <loc> may name: the origin's and the public one.
func (s *Service) ownHosts() map[string]struct{} {
	hosts := map[string]struct{}{}
	if u, err := url.Parse(s.cfg.Server.Origin); err == nil && u.Host != "" {
		hosts[strings.ToLower(u.Host)] = struct{}{}
	}
	if s.cfg.publicHost != "" {
		hosts[s.cfg.publicHost] = struct{}{}
	}
	return hosts
}

// normalizePathFromLoc turns a sitemap <loc> into a same-origin path plus query. It
// returns "" for locations on any host outside hosts.
func normalizePathFromLoc(loc string, hosts map[string]struct{}) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	if u.Host != "" {
		if _, ok := hosts[strings.ToLower(u.Host)]; !ok {
			return ""
		}
	}
	p := u.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
