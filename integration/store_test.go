//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/srcset"
	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/content"
	"github.com/meigma/srcset/internal/testutil"
	"github.com/meigma/srcset/metacache"
	"github.com/meigma/srcset/store"
	redisstore "github.com/meigma/srcset/store/redis"
)

func dialRedis(t *testing.T, prefix string) *redisstore.Store {
	t.Helper()
	s, err := redisstore.Dial(context.Background(), getRedis(t), redisstore.WithPrefix(prefix))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore(t *testing.T) {
	t.Parallel()
	s := dialRedis(t, "it-store:")
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", []byte(`{"a":1}`)))
	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(got))
	require.NoError(t, s.Flush(ctx))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Set(ctx, "k", []byte(`{}`)), store.ErrClosed)
}

func TestMetacacheOnRedis(t *testing.T) {
	t.Parallel()
	cache := metacache.New(dialRedis(t, "it-meta:"))
	ctx := context.Background()
	id := blobid.Sum([]byte("metacache on redis"))

	require.NoError(t, cache.Append(ctx, id, metacache.Record{Format: "webp", Size: 300, Filename: "a.300.webp"}))
	require.NoError(t, cache.Append(ctx, id, metacache.Record{Format: "webp", Size: 600, Filename: "a.600.webp"}))

	rec, ok, err := cache.Lookup(ctx, id, "webp", 600)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a.600.webp", rec.Filename)

	all, err := cache.All(ctx, id)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// TestServiceSharesRedisMetadata checks that two services on the same redis
// namespace see each other's derivatives.
func TestServiceSharesRedisMetadata(t *testing.T) {
	t.Parallel()
	kv := dialRedis(t, "it-svc:")
	blobs := testutil.NewBlobStore()
	id := blobs.Add(testutil.PNG(t, 10, 10))
	root := t.TempDir()

	open := func(xf srcset.Transformer) *srcset.Service {
		dir, err := content.New(root)
		require.NoError(t, err)
		svc, err := srcset.New(blobs, dir,
			srcset.WithFormat(srcset.FormatPNG),
			srcset.WithSizes(5),
			srcset.WithMetadataStore(kv),
			srcset.WithTransformer(xf),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = svc.Close() })
		return svc
	}

	first := testutil.NewTransformer(nil)
	d, err := open(first).Resize(context.Background(), id.String(), 5, srcset.FormatPNG)
	require.NoError(t, err)

	second := testutil.NewTransformer(nil)
	again, err := open(second).Resize(context.Background(), id.String(), 5, srcset.FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, d, again)
	assert.Equal(t, int64(1), first.Calls.Load())
	assert.Zero(t, second.Calls.Load())
}
