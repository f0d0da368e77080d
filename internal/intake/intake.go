// Package intake collects blob references discovered in records into
// deduplicated batches.
package intake

import (
	"sync"

	"github.com/meigma/srcset/blobid"
)

// Queue is the pending set of blob IDs awaiting processing.
// It is safe for concurrent use and never blocks on I/O.
type Queue struct {
	mu      sync.Mutex
	pending []blobid.ID
	seen    map[blobid.ID]struct{}
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{seen: make(map[blobid.ID]struct{})}
}

// Enqueue adds ref to the current batch.
// References that are not blob IDs, and IDs already in the batch, are
// dropped. It reports whether ref was added.
func (q *Queue) Enqueue(ref string) bool {
	id, err := blobid.Parse(ref)
	if err != nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.seen[id]; ok {
		return false
	}
	q.seen[id] = struct{}{}
	q.pending = append(q.pending, id)
	return true
}

// Drain returns the current batch in enqueue order and starts a new one.
func (q *Queue) Drain() []blobid.ID {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	clear(q.seen)
	return batch
}

// Len returns the size of the current batch.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
