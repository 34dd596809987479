package edge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: http://origin:3000/\n"))
	require.NoError(t, err)

	assert.Equal(t, "callmibro", cfg.App)
	assert.Equal(t, 1, cfg.CacheVersion)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://origin:3000", cfg.Server.Origin, "trailing slash is trimmed")
	assert.Equal(t, []string{"/"}, cfg.Manifest)
	assert.Equal(t, 30*time.Second, cfg.Sync.probeEveryDur)
	assert.Equal(t, 24*time.Hour, cfg.Sync.diagnosticsTTLDur)
	assert.Equal(t, int64(1<<20), cfg.Queue.maxPayloadBytes)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.Len(t, cfg.Rules, 1, "catalog api routes are network-first by default")
	assert.True(t, cfg.Rules[0].Matches("/api/catalog/brands"))
	assert.True(t, cfg.Rules[0].Matches("/api/spare-parts"))
	assert.False(t, cfg.Rules[0].Matches("/api/bookings"))
	assert.Equal(t, PolicyNetworkFirst, cfg.Rules[0].policy)
}

func TestParseConfigRules(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: http://origin:3000
  publicOrigin: https://CallMiBro.example
rules:
  - match: PathPrefix(/api/)
    priority: 10
  - match: PathPrefix(/api/static-brands)
    strategy: cache-first
    priority: 1
  - match: PathPrefix(/__/auth)
    bypass: true
`))
	require.NoError(t, err)
	assert.Equal(t, "callmibro.example", cfg.publicHost)

	c := NewClassifier(cfg)
	assert.Equal(t, PolicyIgnore, c.ClassifyPath("/__/auth/handler"))
	assert.Equal(t, PolicyCacheFirst, c.ClassifyPath("/api/static-brands/lg"), "lower priority value wins")
	assert.Equal(t, PolicyNetworkFirst, c.ClassifyPath("/api/catalog"))
	assert.Equal(t, PolicyCacheFirst, c.ClassifyPath("/brands/samsung"))
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"missing origin":   "app: x\n",
		"bad match":        "server: {origin: http://o}\nrules: [{match: Host(x)}]\n",
		"bad strategy":     "server: {origin: http://o}\nrules: [{match: PathPrefix(/api), strategy: stale}]\n",
		"bad duration":     "server: {origin: http://o}\nsync: {probeEvery: soon}\n",
		"bad size":         "server: {origin: http://o}\ncache: {maxEntry: lots}\n",
		"absolute asset":   "server: {origin: http://o}\nmanifest: [\"https://cdn.example/app.css\"]\n",
		"bad publicOrigin": "server: {origin: http://o, publicOrigin: \"::\"}\n",
	}
	for name, doc := range cases {
		_, err := ParseConfig([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callmibro-edge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app: callmibro
cacheVersion: 4
server:
  origin: http://origin:3000
manifest: ["/", "/app.css", "/manifest.json"]
cache:
  maxEntry: 2mb
sync:
  probeEvery: 0s
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.CacheVersion)
	assert.Equal(t, []string{"/", "/app.css", "/manifest.json"}, cfg.Manifest)
	assert.Equal(t, int64(2<<20), cfg.Cache.maxEntryBytes)
	assert.Zero(t, cfg.Sync.probeEveryDur, "zero disables the connectivity probe")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"512":   512,
		"64kb":  64 << 10,
		"1.5m":  3 << 19,
		"2GB":   2 << 30,
		" 10b ": 10,
	}
	for in, want := range cases {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "kb", "-1", "ten"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "2mb", formatBytes(2<<20))
	assert.Equal(t, "12b", formatBytes(12))
}
