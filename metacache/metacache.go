// Package metacache records which derivatives have been produced for each blob.
//
// For every blob the cache keeps an ordered list of records, one per
// (format, size) pair, in creation order. It is a lookup accelerator in front
// of the content directory: a record is only appended after its file has been
// written.
package metacache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/store"
)

// DefaultNamespace prefixes cache keys in the backing store.
const DefaultNamespace = "srcset"

// Record describes one produced derivative.
type Record struct {
	Format   string `json:"format"`
	Size     int    `json:"size"`
	Filename string `json:"filename"`
}

// Cache maps blob IDs to their derivative records.
type Cache struct {
	store     store.Store
	namespace string

	// mu serialises read-modify-write of record lists.
	mu sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithNamespace sets the key namespace. Defaults to DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(c *Cache) {
		c.namespace = ns
	}
}

// New creates a cache on top of s.
func New(s store.Store, opts ...Option) *Cache {
	c := &Cache{
		store:     s,
		namespace: DefaultNamespace,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) key(id blobid.ID) string {
	return c.namespace + ":" + id.String()
}

// Lookup returns the record for (id, format, size) if one exists.
func (c *Cache) Lookup(ctx context.Context, id blobid.ID, format string, size int) (Record, bool, error) {
	records, err := c.All(ctx, id)
	if err != nil {
		return Record{}, false, err
	}
	for _, r := range records {
		if r.Format == format && r.Size == size {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// Append adds rec to id's list. A record with the same format and size is
// replaced in place, so a list never holds two records for one pair.
func (c *Cache) Append(ctx context.Context, id blobid.ID, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	replaced := false
	for i, r := range records {
		if r.Format == rec.Format && r.Size == rec.Size {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode records for %s: %w", id, err)
	}
	if err := c.store.Set(ctx, c.key(id), data); err != nil {
		return fmt.Errorf("store records for %s: %w", id, err)
	}
	return nil
}

// All returns every record for id in creation order.
// An unknown blob yields an empty slice.
func (c *Cache) All(ctx context.Context, id blobid.ID) ([]Record, error) {
	return c.load(ctx, id)
}

// Flush persists buffered writes in the backing store.
func (c *Cache) Flush(ctx context.Context) error {
	return c.store.Flush(ctx)
}

func (c *Cache) load(ctx context.Context, id blobid.ID) ([]Record, error) {
	data, ok, err := c.store.Get(ctx, c.key(id))
	if err != nil {
		return nil, fmt.Errorf("load records for %s: %w", id, err)
	}
	if !ok {
		return []Record{}, nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode records for %s: %w", id, err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}
