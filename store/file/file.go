// Package file provides a store.Store kept as one JSON document on disk.
//
// The whole document is held in memory. Writes mark it dirty and schedule a
// flush after a bounded delay, trading a small window of staleness on crash
// for far fewer rewrites of the backing file. Flushes write a temp file in the
// same directory, fsync it and rename it over the document, so readers never
// see a partially written file.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meigma/srcset/store"
)

const (
	documentVersion = 1

	defaultDirPerm       = 0o750
	defaultFilePerm      = 0o640
	defaultFlushInterval = 250 * time.Millisecond
)

// Store implements store.Store backed by a JSON document.
// Values must be valid JSON.
type Store struct {
	path          string
	dirPerm       os.FileMode
	filePerm      os.FileMode
	flushInterval time.Duration
	logger        *slog.Logger

	flushMu sync.Mutex // serialises writes of the document

	mu      sync.Mutex
	entries map[string]json.RawMessage
	dirty   bool
	timer   *time.Timer
	closed  bool
}

var _ store.Store = (*Store)(nil)

type document struct {
	Version int                        `json:"version"`
	Entries map[string]json.RawMessage `json:"entries"`
}

// Option configures a Store.
type Option func(*Store)

// WithFlushInterval sets the delay between the first unflushed write and the
// flush that persists it. Zero makes every Set write through synchronously.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) {
		s.flushInterval = d
	}
}

// WithDirPerm sets the permissions used when creating the parent directory.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithFilePerm sets the permissions of the document file.
func WithFilePerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.filePerm = mode
	}
}

// WithLogger sets the logger used for background flush failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open loads the document at path, creating an empty store if it does not exist.
// A document that exists but cannot be parsed is an error.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	s := &Store{
		path:          path,
		dirPerm:       defaultDirPerm,
		filePerm:      defaultFilePerm,
		flushInterval: defaultFlushInterval,
		entries:       make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.flushInterval < 0 {
		return nil, errors.New("flush interval must be >= 0")
	}
	if err := os.MkdirAll(filepath.Dir(path), s.dirPerm); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read store: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse store %s: %w", path, err)
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("parse store %s: unsupported version %d", path, doc.Version)
	}
	if doc.Entries != nil {
		s.entries = doc.Entries
	}
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Path returns the location of the backing document.
func (s *Store) Path() string {
	return s.path
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, store.ErrClosed
	}
	v, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("set %q: value is not valid JSON", key)
	}
	v := make(json.RawMessage, len(value))
	copy(v, value)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	s.entries[key] = v
	s.dirty = true
	writeThrough := s.flushInterval == 0
	if !writeThrough && s.timer == nil {
		s.timer = time.AfterFunc(s.flushInterval, s.backgroundFlush)
	}
	s.mu.Unlock()

	if writeThrough {
		return s.Flush(ctx)
	}
	return nil
}

func (s *Store) backgroundFlush() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	if err := s.Flush(context.Background()); err != nil {
		s.log().Error("flush metadata store", "path", s.path, "error", err)
	}
}

// Flush implements store.Store.
func (s *Store) Flush(_ context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	doc := document{
		Version: documentVersion,
		Entries: make(map[string]json.RawMessage, len(s.entries)),
	}
	for k, v := range s.entries {
		doc.Entries[k] = v
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.write(&doc); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the flush timer and flushes pending writes.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.Flush(context.Background())
}

func (s *Store) write(doc *document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close store file: %w", err)
	}
	if err := os.Chmod(tmpPath, s.filePerm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename store file: %w", err)
	}
	return nil
}
