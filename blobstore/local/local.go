// Package local provides a directory-backed blob store.
//
// Blobs live at <root>/sha256/<hex[:2]>/<hex[2:]>, where hex is the content
// hash. Content is always written to a temp file, verified against its hash
// and renamed into place, so a blob is either fully present or absent.
//
// When peers are configured, Want pulls a missing blob from the first peer
// that has it, in the background.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/blobstore"
)

const (
	defaultDirPerm     = 0o750
	defaultChunkSize   = 64 << 10 // 64 KiB
	defaultPullTimeout = 30 * time.Second
	defaultMaxBlobSize = 64 << 20 // 64 MiB

	algorithmDir = "sha256"
)

// ErrTooLarge is returned when a blob exceeds the configured size limit.
var ErrTooLarge = errors.New("blob exceeds size limit")

// Store implements blobstore.Store on the local filesystem.
type Store struct {
	root        string
	dirPerm     os.FileMode
	chunkSize   int
	pullTimeout time.Duration
	maxBlobSize int64
	peers       []blobstore.Peer
	logger      *slog.Logger

	// pulls deduplicates concurrent pulls of the same blob.
	pulls      singleflight.Group
	pullCtx    context.Context
	cancelPull context.CancelFunc
	wg         sync.WaitGroup
	active     atomic.Int64
	mu         sync.Mutex
}

var _ blobstore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPeers sets the peers Want pulls from, in order of preference.
func WithPeers(peers ...blobstore.Peer) Option {
	return func(s *Store) {
		s.peers = append(s.peers, peers...)
	}
}

// WithPullTimeout bounds each attempt to pull a blob from one peer.
func WithPullTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.pullTimeout = d
	}
}

// WithMaxBlobSize limits the size of blobs accepted by Put and pulls.
// Zero disables the limit.
func WithMaxBlobSize(n int64) Option {
	return func(s *Store) {
		s.maxBlobSize = n
	}
}

// WithChunkSize sets the chunk size used by Get.
func WithChunkSize(n int) Option {
	return func(s *Store) {
		s.chunkSize = n
	}
}

// WithDirPerm sets the permissions used for blob directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithLogger sets the logger for background pulls.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store rooted at root.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("blob store root is empty")
	}
	s := &Store{
		root:        root,
		dirPerm:     defaultDirPerm,
		chunkSize:   defaultChunkSize,
		pullTimeout: defaultPullTimeout,
		maxBlobSize: defaultMaxBlobSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.chunkSize <= 0 {
		return nil, errors.New("chunk size must be > 0")
	}
	if s.maxBlobSize < 0 {
		return nil, errors.New("max blob size must be >= 0")
	}
	if err := os.MkdirAll(filepath.Join(root, algorithmDir), s.dirPerm); err != nil {
		return nil, err
	}
	s.pullCtx, s.cancelPull = context.WithCancel(context.Background())
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Path returns where the blob is stored, whether or not it exists.
func (s *Store) Path(id blobid.ID) string {
	hexHash := id.Hex()
	return filepath.Join(s.root, algorithmDir, hexHash[:2], hexHash[2:])
}

// Has implements blobstore.Store.
func (s *Store) Has(_ context.Context, id blobid.ID) (bool, error) {
	info, err := os.Stat(s.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", id, err)
	}
	return info.Mode().IsRegular(), nil
}

// Open returns a reader for the blob content.
func (s *Store) Open(id blobid.ID) (*os.File, error) {
	f, err := os.Open(s.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", blobstore.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	return f, nil
}

// Get implements blobstore.Store. Chunks are yielded in file order; each chunk
// is a fresh slice the consumer may keep.
func (s *Store) Get(ctx context.Context, id blobid.ID) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		f, err := s.Open(id)
		if err != nil {
			yield(nil, err)
			return
		}
		defer f.Close()

		buf := make([]byte, s.chunkSize)
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			n, err := io.ReadFull(f, buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("read blob %s: %w", id, err))
				return
			}
		}
	}
}

// Put stores the content read from r and returns its ID.
func (s *Store) Put(_ context.Context, r io.Reader) (blobid.ID, error) {
	return s.put(r, "")
}

// Want implements blobstore.Store. Concurrent wants for the same blob share
// one pull.
func (s *Store) Want(id blobid.ID) {
	if len(s.peers) == 0 {
		s.log().Debug("want without peers", "blob", id.String())
		return
	}
	s.mu.Lock()
	if s.pullCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.active.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		_, _, shared := s.pulls.Do(id.Hex(), func() (any, error) {
			s.pull(id)
			return nil, nil
		})
		if shared {
			s.log().Debug("joined in-flight pull", "blob", id.String())
		}
	}()
}

// Pulling reports how many wants are still being served.
func (s *Store) Pulling() int {
	return int(s.active.Load())
}

// Wait blocks until every pull started by Want has finished, or ctx is done.
// It must not race with new calls to Want.
func (s *Store) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels outstanding pulls and waits for them to finish.
func (s *Store) Close() error {
	s.mu.Lock()
	s.cancelPull()
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Store) pull(id blobid.ID) {
	if ok, _ := s.Has(s.pullCtx, id); ok {
		return
	}
	for _, peer := range s.peers {
		if s.pullCtx.Err() != nil {
			return
		}
		err := s.pullFrom(peer, id)
		if err == nil {
			s.log().Info("pulled blob", "blob", id.String(), "peer", peer.String())
			return
		}
		if errors.Is(err, blobstore.ErrNotFound) {
			s.log().Debug("peer does not have blob", "blob", id.String(), "peer", peer.String())
			continue
		}
		s.log().Warn("pull blob from peer", "blob", id.String(), "peer", peer.String(), "error", err)
	}
}

func (s *Store) pullFrom(peer blobstore.Peer, id blobid.ID) error {
	ctx := s.pullCtx
	if s.pullTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.pullTimeout)
		defer cancel()
	}
	rc, err := peer.Fetch(ctx, id)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = s.put(rc, id.Digest())
	return err
}

// put writes r to a temp file while hashing it, then renames it into place.
// If expected is set, content with a different digest is rejected.
func (s *Store) put(r io.Reader, expected digest.Digest) (blobid.ID, error) {
	tmp, err := os.CreateTemp(s.root, ".put-*")
	if err != nil {
		return blobid.ID{}, fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	digester := digest.Canonical.Digester()
	src := r
	if s.maxBlobSize > 0 {
		src = io.LimitReader(r, s.maxBlobSize+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), src)
	if err != nil {
		cleanup()
		return blobid.ID{}, fmt.Errorf("write blob: %w", err)
	}
	if s.maxBlobSize > 0 && n > s.maxBlobSize {
		cleanup()
		return blobid.ID{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.maxBlobSize)
	}
	got := digester.Digest()
	if expected != "" && got != expected {
		cleanup()
		return blobid.ID{}, fmt.Errorf("blob digest mismatch: want %s, got %s", expected, got)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return blobid.ID{}, fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return blobid.ID{}, fmt.Errorf("close blob: %w", err)
	}

	id, err := blobid.FromDigest(got)
	if err != nil {
		_ = os.Remove(tmpPath)
		return blobid.ID{}, err
	}
	path := s.Path(id)
	if err := os.MkdirAll(filepath.Dir(path), s.dirPerm); err != nil {
		_ = os.Remove(tmpPath)
		return blobid.ID{}, fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			_ = os.Remove(tmpPath)
			return id, nil
		}
		_ = os.Remove(tmpPath)
		return blobid.ID{}, fmt.Errorf("rename blob: %w", err)
	}
	return id, nil
}
