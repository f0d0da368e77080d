// Package store defines the persistent key/value interface behind the
// derivative metadata cache.
//
// Implementations live in subpackages: store/file keeps a single JSON document
// on disk and store/redis keeps entries in a redis server.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store is a durable key/value store.
//
// Values are opaque bytes. Writes may be buffered; Flush forces buffered
// writes to durable storage. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key.
	// Returns nil, false, nil if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Flush persists buffered writes.
	Flush(ctx context.Context) error

	// Close flushes and releases resources.
	Close() error
}
