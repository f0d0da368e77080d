package ocipeer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/blobstore"
)

// newRegistry serves the blob endpoints of the distribution API for one repository.
func newRegistry(t *testing.T, repo string, blobs map[digest.Digest][]byte) *httptest.Server {
	t.Helper()
	prefix := "/v2/" + repo + "/blobs/"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, prefix) {
			http.NotFound(w, r)
			return
		}
		dgst := digest.Digest(strings.TrimPrefix(r.URL.Path, prefix))
		data, ok := blobs[dgst]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"errors":[{"code":"BLOB_UNKNOWN","message":"blob unknown"}]}`)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Docker-Content-Digest", dgst.String())
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch(t *testing.T) {
	t.Parallel()

	content := []byte("blob in a registry")
	id := blobid.Sum(content)
	srv := newRegistry(t, "test/blobs", map[digest.Digest][]byte{id.Digest(): content})

	host := strings.TrimPrefix(srv.URL, "http://")
	p, err := New(host+"/test/blobs", WithPlainHTTP(true))
	require.NoError(t, err)
	assert.Equal(t, "oci://"+host+"/test/blobs", p.String())

	desc, err := p.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id.Digest(), desc.Digest)
	assert.Equal(t, int64(len(content)), desc.Size)

	rc, err := p.Fetch(context.Background(), id)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFetchNotFound(t *testing.T) {
	t.Parallel()

	srv := newRegistry(t, "test/blobs", map[digest.Digest][]byte{})
	host := strings.TrimPrefix(srv.URL, "http://")
	p, err := New(host+"/test/blobs", WithPlainHTTP(true), WithStaticCredentials("u", "p"))
	require.NoError(t, err)

	_, err = p.Fetch(context.Background(), blobid.Sum([]byte("missing")))
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestNewRejectsBadReference(t *testing.T) {
	t.Parallel()

	_, err := New("not a reference")
	require.Error(t, err)
}

func TestMapError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(fmt.Errorf("wrapped: %w", errdef.ErrNotFound)), blobstore.ErrNotFound)
	assert.ErrorIs(t, mapError(&errcode.ErrorResponse{StatusCode: http.StatusNotFound}), blobstore.ErrNotFound)

	other := errors.New("boom")
	assert.Equal(t, other, mapError(other))
	assert.NotErrorIs(t, mapError(&errcode.ErrorResponse{StatusCode: http.StatusForbidden}), blobstore.ErrNotFound)
}
