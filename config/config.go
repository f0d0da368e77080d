// Package config loads and validates the srcset configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meigma/srcset/transform"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Store backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Peer types.
const (
	PeerHTTP = "http"
	PeerOCI  = "oci"
)

// Config is the service configuration.
type Config struct {
	// Format is the derivative format produced for records. Required.
	Format string `yaml:"format"`
	// Sizes are the target sizes produced for records. Required.
	Sizes []int `yaml:"sizes"`
	// Dir is the content directory derivatives are published into.
	Dir string `yaml:"dir"`
	// Blobs is the root of the local blob store.
	Blobs string `yaml:"blobs"`

	Namespace     string        `yaml:"namespace"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	FetchTimeout  time.Duration `yaml:"fetchTimeout"`
	Concurrency   int           `yaml:"concurrency"`
	MaxBlobSize   int64         `yaml:"maxBlobSize"`

	// Listen is the HTTP listen address for serve.
	Listen string `yaml:"listen"`

	Store Store  `yaml:"store"`
	Peers []Peer `yaml:"peers"`
}

// Store selects the metadata store backend.
type Store struct {
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redisAddr"`
}

// Peer is a remote source of blobs.
type Peer struct {
	Type      string `yaml:"type"`
	URL       string `yaml:"url"`
	PlainHTTP bool   `yaml:"plainHTTP"`
}

// Default returns a Config with every optional field set.
func Default() Config {
	return Config{
		Dir:           "derivatives",
		Blobs:         "blobs",
		Namespace:     "srcset",
		FlushInterval: 250 * time.Millisecond,
		FetchTimeout:  30 * time.Second,
		Concurrency:   4,
		MaxBlobSize:   64 << 20,
		Listen:        ":8080",
		Store:         Store{Backend: BackendFile},
	}
}

// Load reads the YAML file at path on top of Default.
// It does not validate; call Validate after applying overrides.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r on top of Default. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem with c. Each is wrapped with ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch {
	case c.Format == "":
		bad("format is required")
	case !transform.Format(c.Format).Valid():
		bad("unknown format %q (want one of %v)", c.Format, transform.Formats)
	}
	if len(c.Sizes) == 0 {
		bad("sizes are required")
	}
	for _, size := range c.Sizes {
		if size <= 0 {
			bad("size %d must be positive", size)
		}
	}
	if c.Dir == "" {
		bad("dir is required")
	}
	if c.Blobs == "" {
		bad("blobs is required")
	}
	if c.Namespace == "" {
		bad("namespace must not be empty")
	}
	if c.Concurrency <= 0 {
		bad("concurrency %d must be positive", c.Concurrency)
	}
	if c.FlushInterval < 0 || c.FetchTimeout < 0 || c.MaxBlobSize < 0 {
		bad("durations and limits must not be negative")
	}

	switch c.Store.Backend {
	case BackendFile:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			bad("store.redisAddr is required for the redis backend")
		}
	default:
		bad("unknown store backend %q", c.Store.Backend)
	}

	for i, p := range c.Peers {
		if p.URL == "" {
			bad("peers[%d]: url is required", i)
		}
		if p.Type != PeerHTTP && p.Type != PeerOCI {
			bad("peers[%d]: unknown type %q", i, p.Type)
		}
	}
	return errors.Join(errs...)
}
