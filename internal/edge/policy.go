package edge

import (
	"net/http"
	"strings"

	"callmibro/internal/cachestore"
)

// Policy is the fetch strategy picked for one request.
type Policy int

const (
	PolicyCacheFirst Policy = iota
	PolicyNetworkFirst
	PolicyIgnore
)

func (p Policy) String() string {
	switch p {
	case PolicyNetworkFirst:
		return "network-first"
	case PolicyIgnore:
		return "ignore"
	default:
		return "cache-first"
	}
}

// Classifier maps a request to a Policy. Each request is classified exactly once.
type Classifier struct {
	publicHost string
	rules      []Rule
}

func NewClassifier(cfg Config) *Classifier {
	return &Classifier{publicHost: cfg.publicHost, rules: cfg.Rules}
}

func (c *Classifier) Classify(r *http.Request) Policy {
	if !c.sameOrigin(r) {
		return PolicyIgnore
	}
	rule := c.pickRule(r.URL.Path)
	if rule == nil {
		return PolicyCacheFirst
	}
	if hasAnyCookie(r, rule.BypassWhenCookies) {
		return PolicyIgnore
	}
	return rule.policy
}

// ClassifyPath applies the rules to a same-origin path. The first matching rule by
// priority wins; unmatched paths are cache-first.
func (c *Classifier) ClassifyPath(path string) Policy {
	if rule := c.pickRule(path); rule != nil {
		return rule.policy
	}
	return PolicyCacheFirst
}

func (c *Classifier) pickRule(path string) *Rule {
	for i := range c.rules {
		if c.rules[i].Matches(path) {
			return &c.rules[i]
		}
	}
	return nil
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			need[n] = struct{}{}
		}
	}
	for _, ck := range r.Cookies() {
		if _, ok := need[ck.Name]; ok {
			return true
		}
	}
	return false
}

// shareable reports whether the answer to r may be replayed to other clients from
// the shared bucket. Credentialed requests and responses that set cookies or mark
// themselves private are kept out.
func shareable(r *http.Request, ent cachestore.Entry) bool {
	if r.Header.Get("Authorization") != "" {
		return false
	}
	if len(ent.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, v := range ent.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(d)) {
			case "private", "no-store":
				return false
			}
		}
	}
	return true
}

func (c *Classifier) sameOrigin(r *http.Request) bool {
	if c.publicHost == "" {
		// absolute-form targets are only sent to proxies, never to the app itself
		return r.URL.Host == ""
	}
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	return strings.EqualFold(host, c.publicHost)
}

func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
