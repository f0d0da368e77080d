// Package testutil provides fakes and fixtures shared by tests.
package testutil

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"iter"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/blobstore"
	"github.com/meigma/srcset/store"
	"github.com/meigma/srcset/transform"
)

// PNG returns an encoded w x h PNG with a simple gradient.
func PNG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: uint8(x * 255 / max(1, w-1)), G: uint8(y * 255 / max(1, h-1)), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// UniformPNG returns a w x h 8-bit grayscale PNG of a single shade. The
// encoding is streamed row by row, so very large dimensions stay cheap to
// build while decoding them in full is not.
func UniformPNG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	var idat bytes.Buffer
	zw, err := zlib.NewWriterLevel(&idat, zlib.BestCompression)
	if err != nil {
		tb.Fatalf("zlib writer: %v", err)
	}
	row := make([]byte, 1+w) // filter type 0, then one byte per pixel
	for range h {
		if _, err := zw.Write(row); err != nil {
			tb.Fatalf("compress row: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("close zlib: %v", err)
	}

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], uint32(w))
	binary.BigEndian.PutUint32(ihdr[4:8], uint32(h))
	ihdr[8] = 8 // bit depth; color type 0 (gray), default compression, filter and interlace

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	writeChunk(&buf, "IHDR", ihdr)
	writeChunk(&buf, "IDAT", idat.Bytes())
	writeChunk(&buf, "IEND", nil)
	return buf.Bytes()
}

func writeChunk(buf *bytes.Buffer, kind string, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	buf.Write(n[:])
	crc := crc32.NewIEEE()
	crc.Write([]byte(kind))
	crc.Write(data)
	buf.WriteString(kind)
	buf.Write(data)
	binary.BigEndian.PutUint32(n[:], crc.Sum32())
	buf.Write(n[:])
}

// BlobStore is an in-memory blobstore.Store that counts calls.
type BlobStore struct {
	mu     sync.Mutex
	blobs  map[blobid.ID][]byte
	hasErr error
	// ChunkSize splits Get output; defaults to 3 bytes to exercise reassembly.
	ChunkSize int
	// Block, when set, is received from before Get yields its first chunk.
	Block chan struct{}

	HasCalls  atomic.Int64
	WantCalls atomic.Int64
	GetCalls  atomic.Int64
}

var _ blobstore.Store = (*BlobStore)(nil)

// NewBlobStore creates an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[blobid.ID][]byte), ChunkSize: 3}
}

// Add stores content and returns its ID.
func (s *BlobStore) Add(content []byte) blobid.ID {
	id := blobid.Sum(content)
	s.AddAs(id, content)
	return id
}

// AddAs stores content under an arbitrary ID, which need not match the content.
func (s *BlobStore) AddAs(id blobid.ID, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = append([]byte(nil), content...)
}

// SetHasError makes Has fail with err.
func (s *BlobStore) SetHasError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasErr = err
}

// Has implements blobstore.Store.
func (s *BlobStore) Has(_ context.Context, id blobid.ID) (bool, error) {
	s.HasCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasErr != nil {
		return false, s.hasErr
	}
	_, ok := s.blobs[id]
	return ok, nil
}

// Want implements blobstore.Store.
func (s *BlobStore) Want(blobid.ID) {
	s.WantCalls.Add(1)
}

// Get implements blobstore.Store.
func (s *BlobStore) Get(ctx context.Context, id blobid.ID) iter.Seq2[[]byte, error] {
	s.GetCalls.Add(1)
	return func(yield func([]byte, error) bool) {
		s.mu.Lock()
		data, ok := s.blobs[id]
		s.mu.Unlock()
		if !ok {
			yield(nil, blobstore.ErrNotFound)
			return
		}
		if s.Block != nil {
			select {
			case <-s.Block:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
		size := max(1, s.ChunkSize)
		for off := 0; off < len(data); off += size {
			end := min(off+size, len(data))
			if !yield(append([]byte(nil), data[off:end]...), nil) {
				return
			}
		}
	}
}

// Transformer wraps another transformer and counts invocations.
type Transformer struct {
	Next  transform.Transformer
	Calls atomic.Int64
}

// NewTransformer wraps next, or the default Resizer when next is nil.
func NewTransformer(next transform.Transformer) *Transformer {
	if next == nil {
		next = transform.NewResizer()
	}
	return &Transformer{Next: next}
}

// Transform implements transform.Transformer.
func (t *Transformer) Transform(ctx context.Context, src []byte, size int, format transform.Format) ([]byte, error) {
	t.Calls.Add(1)
	return t.Next.Transform(ctx, src, size, format)
}

// TransformFunc adapts a function to transform.Transformer.
type TransformFunc func(ctx context.Context, src []byte, size int, format transform.Format) ([]byte, error)

// Transform implements transform.Transformer.
func (f TransformFunc) Transform(ctx context.Context, src []byte, size int, format transform.Format) ([]byte, error) {
	return f(ctx, src, size, format)
}

// MemStore is an in-memory store.Store with failure injection.
type MemStore struct {
	mu      sync.Mutex
	entries map[string][]byte
	setErr  error
	closed  bool
}

var _ store.Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string][]byte)}
}

// FailSets makes every Set return err until called with nil.
func (m *MemStore) FailSets(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
}

// Get implements store.Store.
func (m *MemStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, store.ErrClosed
	}
	v, ok := m.entries[key]
	return append([]byte(nil), v...), ok, nil
}

// Set implements store.Store.
func (m *MemStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return store.ErrClosed
	}
	if m.setErr != nil {
		return m.setErr
	}
	m.entries[key] = append([]byte(nil), value...)
	return nil
}

// Flush implements store.Store.
func (m *MemStore) Flush(context.Context) error { return nil }

// Close implements store.Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ErrInjected is a generic failure for fault injection.
var ErrInjected = errors.New("injected failure")
