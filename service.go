package srcset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/srcset/blobstore"
	"github.com/meigma/srcset/content"
	"github.com/meigma/srcset/internal/gate"
	"github.com/meigma/srcset/internal/intake"
	"github.com/meigma/srcset/metacache"
	"github.com/meigma/srcset/store"
	"github.com/meigma/srcset/store/file"
	"github.com/meigma/srcset/transform"
)

// ErrClosed is returned by operations on a closed Service.
var ErrClosed = errors.New("srcset: service closed")

// Service produces and caches image derivatives for content-addressed blobs.
//
// A Service is safe for concurrent use. Identical concurrent requests for a
// derivative that does not exist yet are collapsed so it is produced once.
type Service struct {
	blobs       blobstore.Store
	content     *content.Dir
	kv          store.Store
	ownsKV      bool
	cache       *metacache.Cache
	gate        *gate.Gate
	queue       *intake.Queue
	transformer Transformer

	format        Format
	sizes         []int
	namespace     string
	flushInterval *time.Duration
	concurrency   int
	fetchTimeout  time.Duration
	maxBlobSize   int64
	verifyOnHit   bool
	logger        *slog.Logger

	// inflight collapses concurrent productions of the same file.
	inflight singleflight.Group

	mu        sync.Mutex
	closed    bool
	drained   bool
	pending   sync.WaitGroup
	producing sync.WaitGroup
}

// New creates a Service reading source images from blobs and publishing
// derivatives into dir.
//
// WithFormat and WithSizes are required.
func New(blobs blobstore.Store, dir *content.Dir, opts ...Option) (*Service, error) {
	if blobs == nil {
		return nil, fmt.Errorf("%w: nil blob store", ErrInvalidConfig)
	}
	if dir == nil {
		return nil, fmt.Errorf("%w: nil content directory", ErrInvalidConfig)
	}
	s := &Service{
		blobs:        blobs,
		content:      dir,
		ownsKV:       true,
		queue:        intake.New(),
		concurrency:  DefaultConcurrency,
		fetchTimeout: DefaultFetchTimeout,
		maxBlobSize:  DefaultMaxBlobSize,
		verifyOnHit:  true,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.format == "" {
		return nil, fmt.Errorf("%w: format is required", ErrInvalidConfig)
	}
	if len(s.sizes) == 0 {
		return nil, fmt.Errorf("%w: sizes are required", ErrInvalidConfig)
	}
	if s.transformer == nil {
		s.transformer = transform.NewResizer()
	}
	if s.kv == nil {
		fileOpts := []file.Option{file.WithLogger(s.log())}
		if s.flushInterval != nil {
			fileOpts = append(fileOpts, file.WithFlushInterval(*s.flushInterval))
		}
		kv, err := file.Open(filepath.Join(dir.Root(), DefaultMetadataFile), fileOpts...)
		if err != nil {
			return nil, fmt.Errorf("open metadata store: %w", err)
		}
		s.kv = kv
		s.ownsKV = true
	}
	s.cache = metacache.New(s.kv, s.cacheOptions()...)
	s.gate = gate.New(blobs, s.log())
	return s, nil
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Format returns the output format used by Process.
func (s *Service) Format() Format { return s.format }

// Sizes returns the target sizes used by Process.
func (s *Service) Sizes() []int { return append([]int(nil), s.sizes...) }

// track registers a submitted record with Close. It reports false once the
// service is closing; otherwise the caller must call s.pending.Done.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending.Add(1)
	return true
}

// startProduction registers a production with Close. Submitted records may
// still start productions while Close waits for them.
func (s *Service) startProduction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained {
		return false
	}
	s.producing.Add(1)
	return true
}

// Close waits for submitted records and in-flight productions to finish,
// flushes the metadata cache and closes the metadata store if the service
// opened it.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.pending.Wait()
	s.mu.Lock()
	s.drained = true
	s.mu.Unlock()
	s.producing.Wait()

	var errs []error
	if err := s.cache.Flush(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("flush metadata: %w", err))
	}
	if s.ownsKV {
		if err := s.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metadata store: %w", err))
		}
	}
	return errors.Join(errs...)
}
