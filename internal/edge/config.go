package edge

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App          string `yaml:"app"`
	CacheVersion int    `yaml:"cacheVersion"`
	DataDir      string `yaml:"dataDir"`

	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
		// PublicOrigin is the origin clients address. Empty means any Host that
		// reaches the edge in origin-form is same-origin.
		PublicOrigin string `yaml:"publicOrigin"`
	} `yaml:"server"`

	// Manifest lists same-origin URLs pre-cached at install.
	Manifest []string `yaml:"manifest"`

	Precache struct {
		Sitemaps     []string `yaml:"sitemaps"`
		InitialDelay string   `yaml:"initialDelay"`
		InstallRetry string   `yaml:"installRetry"`

		initialDelayDur time.Duration
		installRetryDur time.Duration
	} `yaml:"precache"`

	Cache struct {
		MaxEntry string `yaml:"maxEntry"`

		maxEntryBytes int64
	} `yaml:"cache"`

	Queue struct {
		MaxPayload string `yaml:"maxPayload"`

		maxPayloadBytes int64
	} `yaml:"queue"`

	Sync struct {
		ProbePath      string `yaml:"probePath"`
		ProbeEvery     string `yaml:"probeEvery"`
		DiagnosticsTTL string `yaml:"diagnosticsTTL"`

		probeEveryDur     time.Duration
		diagnosticsTTLDur time.Duration
	} `yaml:"sync"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules"`

	publicHost string
}

// Rule assigns a fetch strategy to a set of path prefixes.
type Rule struct {
	Match    string `yaml:"match"`
	Priority int    `yaml:"priority"`
	// Strategy is "network-first" (default) or "cache-first".
	Strategy string `yaml:"strategy"`
	// Bypass rules are never intercepted, like cross-origin requests.
	Bypass bool `yaml:"bypass"`
	// BypassWhenCookies passes a matching request through untouched when it carries
	// any of these cookies.
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	// compiled
	matchers []pathPrefixMatcher
	policy   Policy
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// defaultAPIRoutes are the catalog data endpoints served network-first when no rules
// are configured.
const defaultAPIRoutes = "PathPrefix(/api/catalog)|PathPrefix(/api/spare-parts)|PathPrefix(/api/products)"

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.App == "" {
		cfg.App = "callmibro"
	}
	if cfg.CacheVersion == 0 {
		cfg.CacheVersion = 1
	}
	if cfg.CacheVersion < 0 {
		return Config{}, fmt.Errorf("cacheVersion must be positive")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.PublicOrigin != "" {
		u, err := url.Parse(cfg.Server.PublicOrigin)
		if err != nil || u.Host == "" {
			return Config{}, fmt.Errorf("server.publicOrigin: invalid origin %q", cfg.Server.PublicOrigin)
		}
		cfg.publicHost = strings.ToLower(u.Host)
	}

	if len(cfg.Manifest) == 0 {
		cfg.Manifest = []string{"/"}
	}
	for i, m := range cfg.Manifest {
		if !strings.HasPrefix(m, "/") {
			return Config{}, fmt.Errorf("manifest[%d]: %q is not a same-origin path", i, m)
		}
	}

	var err error
	if cfg.Precache.initialDelayDur, err = parseDurationDefault(cfg.Precache.InitialDelay, 0); err != nil {
		return Config{}, fmt.Errorf("precache.initialDelay: %w", err)
	}
	if cfg.Precache.installRetryDur, err = parseDurationDefault(cfg.Precache.InstallRetry, 30*time.Second); err != nil {
		return Config{}, fmt.Errorf("precache.installRetry: %w", err)
	}
	if cfg.Sync.probeEveryDur, err = parseDurationDefault(cfg.Sync.ProbeEvery, 30*time.Second); err != nil {
		return Config{}, fmt.Errorf("sync.probeEvery: %w", err)
	}
	if cfg.Sync.diagnosticsTTLDur, err = parseDurationDefault(cfg.Sync.DiagnosticsTTL, 24*time.Hour); err != nil {
		return Config{}, fmt.Errorf("sync.diagnosticsTTL: %w", err)
	}
	if cfg.Logging.logStatsEveryDur, err = parseDurationDefault(cfg.Logging.LogStatsEvery, 0); err != nil {
		return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	if cfg.Sync.ProbePath == "" {
		cfg.Sync.ProbePath = "/"
	}
	if !strings.HasPrefix(cfg.Sync.ProbePath, "/") {
		return Config{}, fmt.Errorf("sync.probePath must start with /")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Cache.MaxEntry != "" {
		if cfg.Cache.maxEntryBytes, err = parseBytes(cfg.Cache.MaxEntry); err != nil {
			return Config{}, fmt.Errorf("cache.maxEntry: %w", err)
		}
	}
	if cfg.Queue.MaxPayload == "" {
		cfg.Queue.MaxPayload = "1mb"
	}
	if cfg.Queue.maxPayloadBytes, err = parseBytes(cfg.Queue.MaxPayload); err != nil {
		return Config{}, fmt.Errorf("queue.maxPayload: %w", err)
	}

	if len(cfg.Rules) == 0 {
		cfg.Rules = []Rule{{Match: defaultAPIRoutes}}
	}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return Config{}, fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		switch {
		case r.Bypass:
			r.policy = PolicyIgnore
		case r.Strategy == "" || r.Strategy == "network-first":
			r.policy = PolicyNetworkFirst
		case r.Strategy == "cache-first":
			r.policy = PolicyCacheFirst
		default:
			return Config{}, fmt.Errorf("rules[%d].strategy: unknown strategy %q", i, r.Strategy)
		}
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	return cfg, nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}
