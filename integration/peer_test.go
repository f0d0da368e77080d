//go:build integration

package integration

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/srcset"
	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/blobstore"
	"github.com/meigma/srcset/blobstore/local"
	"github.com/meigma/srcset/blobstore/ocipeer"
	"github.com/meigma/srcset/content"
	"github.com/meigma/srcset/internal/testutil"
)

func TestOCIPeerFetch(t *testing.T) {
	t.Parallel()
	repo := testRepo(getRegistry(t), "peer-fetch")
	data := testutil.PNG(t, 8, 8)
	id := pushBlob(t, repo, data)

	peer, err := ocipeer.New(repo, ocipeer.WithPlainHTTP(true))
	require.NoError(t, err)

	desc, err := peer.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id.Digest(), desc.Digest)
	assert.Equal(t, int64(len(data)), desc.Size)

	rc, err := peer.Fetch(context.Background(), id)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestOCIPeerMissingBlob(t *testing.T) {
	t.Parallel()
	repo := testRepo(getRegistry(t), "peer-missing")
	pushBlob(t, repo, []byte("something so the repository exists"))

	peer, err := ocipeer.New(repo, ocipeer.WithPlainHTTP(true))
	require.NoError(t, err)

	_, err = peer.Fetch(context.Background(), blobid.Sum([]byte("never pushed")))
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

// TestResizeFromRegistry walks the availability flow end to end: the first
// request misses and wants the blob, the local store pulls it from the
// registry, and a retry produces the derivative.
func TestResizeFromRegistry(t *testing.T) {
	t.Parallel()
	repo := testRepo(getRegistry(t), "resize")
	id := pushBlob(t, repo, testutil.PNG(t, 10, 10))

	peer, err := ocipeer.New(repo, ocipeer.WithPlainHTTP(true))
	require.NoError(t, err)
	blobs, err := local.New(t.TempDir(), local.WithPeers(peer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	dir, err := content.New(t.TempDir())
	require.NoError(t, err)
	svc, err := srcset.New(blobs, dir,
		srcset.WithFormat(srcset.FormatWebP),
		srcset.WithSizes(5),
		srcset.WithMetadataStore(testutil.NewMemStore()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ctx := context.Background()
	_, err = svc.Resize(ctx, id.String(), 5, srcset.FormatWebP)
	require.ErrorIs(t, err, srcset.ErrBlobNotAvailable)

	require.Eventually(t, func() bool {
		ok, err := blobs.Has(ctx, id)
		return err == nil && ok
	}, 30*time.Second, 50*time.Millisecond, "blob was not pulled from the registry")

	d, err := svc.Resize(ctx, id.String(), 5, srcset.FormatWebP)
	require.NoError(t, err)
	assert.Equal(t, blobid.Filename(id, 5, "webp"), d.Filename)
	assert.True(t, dir.Exists(d.Filename))
}
