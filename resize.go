package srcset

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/metacache"
)

// errTooLarge reports a source blob over the configured size cap.
var errTooLarge = errors.New("blob exceeds maximum size")

// Resize returns the derivative of blob ref scaled to size in format,
// producing it if it has not been produced before.
//
// A blob that is not stored locally fails with ReasonBlobNotAvailable after
// being requested from peers; the same call succeeds once it has arrived.
// Every failure is an *Error.
func (s *Service) Resize(ctx context.Context, ref string, size int, format Format) (Derivative, error) {
	id, err := s.validate(ref, size, format)
	if err != nil {
		return Derivative{}, err
	}
	return s.resize(ctx, id, size, format)
}

func (s *Service) validate(ref string, size int, format Format) (blobid.ID, error) {
	id, err := validateRef(ref, format)
	if err == nil && size <= 0 {
		err = errSizeNotPositive(size)
	}
	if err != nil {
		return blobid.ID{}, s.fail(ReasonInvalidInput, ref, size, format, err)
	}
	return id, nil
}

func validateRef(ref string, format Format) (blobid.ID, error) {
	id, err := blobid.Parse(ref)
	if err != nil {
		return blobid.ID{}, err
	}
	if !format.Valid() {
		return blobid.ID{}, fmt.Errorf("unknown format %q", format)
	}
	return id, nil
}

func errSizeNotPositive(size int) error {
	return fmt.Errorf("size %d must be positive", size)
}

func (s *Service) resize(ctx context.Context, id blobid.ID, size int, format Format) (Derivative, error) {
	if d, ok, err := s.lookup(ctx, id, size, format); err != nil || ok {
		return d, err
	}

	name := blobid.Filename(id, size, string(format))
	ch := s.inflight.DoChan(name, func() (any, error) {
		if !s.startProduction() {
			return Derivative{}, s.fail(ReasonCacheFailed, id.String(), size, format, ErrClosed)
		}
		defer s.producing.Done()

		// Production is shared, so it must outlive any single caller. The
		// fetch timeout still bounds it.
		ctx := context.WithoutCancel(ctx)
		// Another caller may have finished between our lookup and DoChan.
		if d, ok, err := s.lookup(ctx, id, size, format); err != nil || ok {
			return d, err
		}
		return s.produce(ctx, id, size, format, name)
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.log().Debug("joined in-flight production", "blob", id.String(), "size", size, "format", format)
		}
		if res.Err != nil {
			return Derivative{}, res.Err
		}
		return res.Val.(Derivative), nil
	case <-ctx.Done():
		return Derivative{}, &Error{Reason: ReasonFetchFailed, BlobID: id.String(), Size: size, Format: format, Err: ctx.Err()}
	}
}

// lookup consults the metadata cache. A hit whose file has gone missing is
// reported as a miss so the derivative is produced again.
func (s *Service) lookup(ctx context.Context, id blobid.ID, size int, format Format) (Derivative, bool, error) {
	rec, ok, err := s.cache.Lookup(ctx, id, string(format), size)
	if err != nil {
		return Derivative{}, false, s.fail(ReasonCacheFailed, id.String(), size, format, err)
	}
	if !ok {
		return Derivative{}, false, nil
	}
	if s.verifyOnHit && !s.content.Exists(rec.Filename) {
		s.log().Warn("cached derivative missing, regenerating",
			"blob", id.String(), "size", size, "format", format, "file", rec.Filename)
		return Derivative{}, false, nil
	}
	return Derivative{BlobID: id.String(), Filename: rec.Filename, Size: size, Format: format}, true, nil
}

func (s *Service) produce(ctx context.Context, id blobid.ID, size int, format Format, name string) (Derivative, error) {
	ref := id.String()
	if !s.gate.Ensure(ctx, id) {
		return Derivative{}, s.fail(ReasonBlobNotAvailable, ref, size, format, nil)
	}

	src, err := s.fetch(ctx, id)
	if err != nil {
		return Derivative{}, s.fail(ReasonFetchFailed, ref, size, format, err)
	}

	out, err := s.transform(ctx, src, size, format)
	if err != nil {
		return Derivative{}, s.fail(ReasonTransformFailed, ref, size, format, err)
	}

	if err := s.content.Put(name, out); err != nil {
		return Derivative{}, s.fail(ReasonWriteFailed, ref, size, format, err)
	}

	rec := metacache.Record{Format: string(format), Size: size, Filename: name}
	if err := s.cache.Append(ctx, id, rec); err != nil {
		return Derivative{}, s.fail(ReasonCacheFailed, ref, size, format, err)
	}

	s.log().Info("derivative produced",
		"blob", ref, "size", size, "format", format, "file", name, "bytes", len(out))
	return Derivative{BlobID: ref, Filename: name, Size: size, Format: format}, nil
}

// fetch reads the whole blob, enforcing the fetch timeout and size cap and
// verifying the content against its ID.
func (s *Service) fetch(ctx context.Context, id blobid.ID) ([]byte, error) {
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}

	verifier := id.Digest().Verifier()
	var buf bytes.Buffer
	for chunk, err := range s.blobs.Get(ctx, id) {
		if err != nil {
			return nil, fmt.Errorf("read blob: %w", err)
		}
		if s.maxBlobSize > 0 && int64(buf.Len()+len(chunk)) > s.maxBlobSize {
			return nil, fmt.Errorf("%w (%d bytes)", errTooLarge, s.maxBlobSize)
		}
		buf.Write(chunk)
		_, _ = verifier.Write(chunk)
	}
	if !verifier.Verified() {
		return nil, ErrDigestMismatch
	}
	return buf.Bytes(), nil
}

// transform runs the transformer, converting a panic into an error.
func (s *Service) transform(ctx context.Context, src []byte, size int, format Format) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transformer panic: %v", r)
		}
	}()
	out, err = s.transformer.Transform(ctx, src, size, format)
	if err == nil && len(out) == 0 {
		err = errors.New("transformer produced no output")
	}
	return out, err
}

func (s *Service) fail(reason Reason, ref string, size int, format Format, err error) error {
	e := &Error{Reason: reason, BlobID: ref, Size: size, Format: format, Err: err}
	attrs := []any{"blob", ref, "size", size, "format", format, "reason", string(reason), "error", err}
	switch reason {
	case ReasonBlobNotAvailable, ReasonInvalidInput:
	case ReasonWriteFailed, ReasonCacheFailed:
		s.log().Error("derivative failed", attrs...)
	default:
		s.log().Warn("derivative failed", attrs...)
	}
	return e
}
