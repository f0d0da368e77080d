package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/srcset"
	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/blobstore/local"
	"github.com/meigma/srcset/content"
	"github.com/meigma/srcset/internal/testutil"
)

type harness struct {
	srv   *Server
	svc   *srcset.Service
	blobs *local.Store
	dir   *content.Dir
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	blobs, err := local.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	dir, err := content.New(t.TempDir(), content.WithoutSync())
	require.NoError(t, err)

	svc, err := srcset.New(blobs, dir,
		srcset.WithFormat(srcset.FormatPNG),
		srcset.WithSizes(3, 5),
		srcset.WithMetadataStore(testutil.NewMemStore()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return &harness{
		srv:   New(svc, dir, WithBlobSource(blobs)),
		svc:   svc,
		blobs: blobs,
		dir:   dir,
	}
}

func (h *harness) put(t *testing.T, data []byte) blobid.ID {
	t.Helper()
	id, err := h.blobs.Put(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	return id
}

func (h *harness) do(t *testing.T, method, target string, body io.Reader, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func query(path string, kv ...string) string {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i], kv[i+1])
	}
	return path + "?" + v.Encode()
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestResize(t *testing.T) {
	h := newHarness(t)
	id := h.put(t, testutil.PNG(t, 10, 10))

	rec := h.do(t, http.MethodGet, query("/resize", "id", id.String(), "size", "5", "format", "png"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var d srcset.Derivative
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, id.String(), d.BlobID)
	assert.Equal(t, blobid.Filename(id, 5, "png"), d.Filename)
	assert.Equal(t, 5, d.Size)
	assert.Equal(t, srcset.FormatPNG, d.Format)

	file := h.do(t, http.MethodGet, "/derivatives/"+d.Filename, nil)
	assert.Equal(t, http.StatusOK, file.Code)
	assert.NotEmpty(t, file.Body.Bytes())

	md := h.do(t, http.MethodGet, query("/metadata", "id", id.String()), nil)
	assert.Equal(t, http.StatusOK, md.Code)
	assert.JSONEq(t, `{"found":true,"metadata":[{"format":"png","size":5,"filename":"`+d.Filename+`"}]}`, md.Body.String())
}

func TestResizeDefaultsToConfiguredFormat(t *testing.T) {
	h := newHarness(t)
	id := h.put(t, testutil.PNG(t, 10, 10))

	rec := h.do(t, http.MethodGet, query("/resize", "id", id.String(), "size", "3"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"format":"png"`)
}

func TestResizeFailures(t *testing.T) {
	h := newHarness(t)
	notImage := h.put(t, []byte("definitely not an image"))
	absent := blobid.Sum([]byte("absent"))

	tests := []struct {
		name   string
		target string
		code   int
		status srcset.Reason
	}{
		{name: "bad size", target: query("/resize", "id", absent.String(), "size", "big"), code: http.StatusBadRequest, status: srcset.ReasonInvalidInput},
		{name: "bad id", target: query("/resize", "id", "nope", "size", "5"), code: http.StatusBadRequest, status: srcset.ReasonInvalidInput},
		{name: "bad format", target: query("/resize", "id", absent.String(), "size", "5", "format", "tiff"), code: http.StatusBadRequest, status: srcset.ReasonInvalidInput},
		{name: "not available", target: query("/resize", "id", absent.String(), "size", "5"), code: http.StatusAccepted, status: srcset.ReasonBlobNotAvailable},
		{name: "not an image", target: query("/resize", "id", notImage.String(), "size", "5"), code: http.StatusUnprocessableEntity, status: srcset.ReasonTransformFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.code, rec.Code)
			var body statusBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, string(tt.status), body.Status)
		})
	}
}

func TestSrcSetStreamsNDJSON(t *testing.T) {
	h := newHarness(t)
	id := h.put(t, testutil.PNG(t, 10, 10))

	rec := h.do(t, http.MethodGet, query("/srcset", "id", id.String(), "sizes", "3, 5,0"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, query("/srcset", "id", id.String(), "sizes", "3,5,8"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	sizes := map[int]srcsetLine{}
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		var line srcsetLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		sizes[line.Size] = line
	}
	require.Len(t, sizes, 3)
	for _, size := range []int{3, 5, 8} {
		assert.Equal(t, "ok", sizes[size].Status)
		assert.Equal(t, blobid.Filename(id, size, "png"), sizes[size].Filename)
	}
}

func TestSrcSetUsesConfiguredSizes(t *testing.T) {
	h := newHarness(t)
	absent := blobid.Sum([]byte("absent"))

	rec := h.do(t, http.MethodGet, query("/srcset", "id", absent.String()), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	for _, l := range lines {
		assert.Contains(t, l, `"status":"blob-not-available"`)
	}
}

func TestProcess(t *testing.T) {
	h := newHarness(t)
	id := h.put(t, testutil.PNG(t, 10, 10))

	rec := h.do(t, http.MethodPost, "/process", strings.NewReader("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	record := `{"value":{"content":{"type":"blog","thumbnail":"` + id.String() + `","summary":"hi"}}}`
	rec = h.do(t, http.MethodPost, "/process", strings.NewReader(record))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.NoError(t, h.svc.Close())
	for _, size := range []int{3, 5} {
		assert.True(t, h.dir.Exists(blobid.Filename(id, size, "png")))
	}

	rec = h.do(t, http.MethodPost, "/process", strings.NewReader(record))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetadataUnknownAndInvalid(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, query("/metadata", "id", blobid.Sum([]byte("x")).String()), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"found":false}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, query("/metadata", "id", "x"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDerivativeRejectsHiddenFiles(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/derivatives/.srcset.json", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/derivatives/missing.5.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlobGet(t *testing.T) {
	h := newHarness(t)
	data := bytes.Repeat([]byte("blob content "), 100)
	id := h.put(t, data)

	t.Run("plain", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, query("/blobs/get", "id", id.String()), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Content-Encoding"))
		assert.Equal(t, data, rec.Body.Bytes())
	})

	t.Run("zstd", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, query("/blobs/get", "id", id.String()), nil, "Accept-Encoding", "gzip, zstd")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "zstd", rec.Header().Get("Content-Encoding"))

		zr, err := zstd.NewReader(rec.Body)
		require.NoError(t, err)
		defer zr.Close()
		got, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("missing", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, query("/blobs/get", "id", blobid.Sum([]byte("nope")).String()), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, query("/blobs/get", "id", "nope"), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAcceptsZstd(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{"gzip", false},
		{"zstd", true},
		{"gzip, ZSTD", true},
		{"zstd;q=0.5", true},
		{"zstd;q=0", false},
		{"zstdx", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, acceptsZstd(tt.header), tt.header)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	h := newHarness(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
