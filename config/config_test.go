package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
format: webp
sizes: [300, 600, 1200]
dir: /srv/derivatives
blobs: /srv/blobs
fetchTimeout: 10s
concurrency: 8
store:
  backend: redis
  redisAddr: localhost:6379
peers:
  - type: http
    url: https://peer.example
  - type: oci
    url: localhost:5000/blobs
    plainHTTP: true
`

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "webp", cfg.Format)
	assert.Equal(t, []int{300, 600, 1200}, cfg.Sizes)
	assert.Equal(t, "/srv/derivatives", cfg.Dir)
	assert.Equal(t, 10*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, []Peer{
		{Type: PeerHTTP, URL: "https://peer.example"},
		{Type: PeerOCI, URL: "localhost:5000/blobs", PlainHTTP: true},
	}, cfg.Peers)

	// Unset fields keep their defaults.
	assert.Equal(t, "srcset", cfg.Namespace)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, ":8080", cfg.Listen)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("format: webp\nsize: [1]\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "srcset.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "webp", cfg.Format)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Format = "png"
		cfg.Sizes = []int{64}
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing format", mutate: func(c *Config) { c.Format = "" }, want: "format is required"},
		{name: "unknown format", mutate: func(c *Config) { c.Format = "bmp" }, want: "unknown format"},
		{name: "missing sizes", mutate: func(c *Config) { c.Sizes = nil }, want: "sizes are required"},
		{name: "non-positive size", mutate: func(c *Config) { c.Sizes = []int{64, 0} }, want: "size 0"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, want: "concurrency"},
		{name: "redis without addr", mutate: func(c *Config) { c.Store.Backend = BackendRedis }, want: "redisAddr"},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "sqlite" }, want: "unknown store backend"},
		{name: "bad peer", mutate: func(c *Config) { c.Peers = []Peer{{Type: "ftp"}} }, want: "peers[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
