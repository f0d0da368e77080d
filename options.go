package srcset

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/meigma/srcset/metacache"
	"github.com/meigma/srcset/store"
)

// Defaults applied by New.
const (
	DefaultConcurrency         = 4
	DefaultFetchTimeout        = 30 * time.Second
	DefaultMaxBlobSize   int64 = 64 << 20 // 64 MiB
	DefaultMetadataFile        = ".srcset.json"
)

// Option configures a Service.
type Option func(*Service) error

// WithFormat sets the output format used by Process. Required.
func WithFormat(format Format) Option {
	return func(s *Service) error {
		if !format.Valid() {
			return fmt.Errorf("%w: unknown format %q", ErrInvalidConfig, format)
		}
		s.format = format
		return nil
	}
}

// WithSizes sets the target sizes used by Process. Required.
func WithSizes(sizes ...int) Option {
	return func(s *Service) error {
		if len(sizes) == 0 {
			return fmt.Errorf("%w: no sizes", ErrInvalidConfig)
		}
		for _, size := range sizes {
			if size <= 0 {
				return fmt.Errorf("%w: size %d must be positive", ErrInvalidConfig, size)
			}
		}
		s.sizes = uniqueSizes(sizes)
		return nil
	}
}

// WithMetadataStore sets the store backing the metadata cache.
// The caller keeps ownership; Close flushes but does not close it.
//
// By default a file store named DefaultMetadataFile is opened in the
// content directory and closed with the service.
func WithMetadataStore(st store.Store) Option {
	return func(s *Service) error {
		s.kv = st
		s.ownsKV = false
		return nil
	}
}

// WithNamespace sets the metadata cache key namespace.
func WithNamespace(ns string) Option {
	return func(s *Service) error {
		if ns == "" {
			return fmt.Errorf("%w: empty namespace", ErrInvalidConfig)
		}
		s.namespace = ns
		return nil
	}
}

// WithFlushInterval sets how long the default file store batches writes.
// Zero writes through on every update.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Service) error {
		s.flushInterval = &d
		return nil
	}
}

// WithTransformer replaces the default image resizer.
func WithTransformer(t Transformer) Option {
	return func(s *Service) error {
		s.transformer = t
		return nil
	}
}

// WithConcurrency limits how many sizes one MakeSrcSet call produces at once.
func WithConcurrency(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return fmt.Errorf("%w: concurrency %d must be positive", ErrInvalidConfig, n)
		}
		s.concurrency = n
		return nil
	}
}

// WithFetchTimeout bounds how long reading one blob may take.
// Zero disables the timeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) error {
		s.fetchTimeout = d
		return nil
	}
}

// WithMaxBlobSize caps the size of a source blob. Zero disables the cap.
func WithMaxBlobSize(n int64) Option {
	return func(s *Service) error {
		s.maxBlobSize = n
		return nil
	}
}

// WithoutVerifyOnHit trusts cache hits without checking the derivative file
// still exists.
func WithoutVerifyOnHit() Option {
	return func(s *Service) error {
		s.verifyOnHit = false
		return nil
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}

// cacheOptions returns the metacache options implied by the service settings.
func (s *Service) cacheOptions() []metacache.Option {
	if s.namespace == "" {
		return nil
	}
	return []metacache.Option{metacache.WithNamespace(s.namespace)}
}

func uniqueSizes(sizes []int) []int {
	seen := make(map[int]struct{}, len(sizes))
	out := make([]int, 0, len(sizes))
	for _, size := range sizes {
		if _, ok := seen[size]; ok {
			continue
		}
		seen[size] = struct{}{}
		out = append(out, size)
	}
	return out
}
