package intake

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meigma/srcset/blobid"
)

func TestEnqueueDeduplicates(t *testing.T) {
	t.Parallel()

	q := New()
	a := blobid.Sum([]byte("a"))
	b := blobid.Sum([]byte("b"))

	assert.True(t, q.Enqueue(a.String()))
	assert.False(t, q.Enqueue(a.String()))
	assert.True(t, q.Enqueue(b.String()))
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, []blobid.ID{a, b}, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}

func TestEnqueueIgnoresInvalid(t *testing.T) {
	t.Parallel()

	q := New()
	for _, ref := range []string{"", "hello", "%msg.sha256", "@feed.ed25519", "https://example.com/x.png"} {
		assert.False(t, q.Enqueue(ref), ref)
	}
	assert.Empty(t, q.Drain())
}

func TestDrainStartsNewBatch(t *testing.T) {
	t.Parallel()

	q := New()
	a := blobid.Sum([]byte("a")).String()

	assert.True(t, q.Enqueue(a))
	q.Drain()
	assert.True(t, q.Enqueue(a), "an ID may reappear in a later batch")
	assert.Len(t, q.Drain(), 1)
}

func TestConcurrentEnqueue(t *testing.T) {
	t.Parallel()

	q := New()
	refs := []string{
		blobid.Sum([]byte("a")).String(),
		blobid.Sum([]byte("b")).String(),
		blobid.Sum([]byte("c")).String(),
	}

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, ref := range refs {
				q.Enqueue(ref)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, q.Drain(), len(refs))
}
