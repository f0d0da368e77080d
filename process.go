package srcset

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/scan"
)

// Process scans a raw record for image references and produces the
// configured srcset for each distinct blob found.
//
// Failures are logged and never returned: a record whose images are not yet
// available simply has them requested from peers.
func (s *Service) Process(ctx context.Context, record []byte) {
	found := scan.Scan(record, s.queue)
	batch := s.queue.Drain()
	if len(batch) == 0 {
		return
	}

	logger := s.log().With("batch", uuid.NewString())
	logger.Debug("processing record", "refs", found, "blobs", len(batch))
	for _, id := range batch {
		s.processBlob(ctx, logger, id)
	}
}

func (s *Service) processBlob(ctx context.Context, logger *slog.Logger, id blobid.ID) {
	produced := 0
	for r := range s.MakeSrcSet(ctx, id.String(), s.sizes, s.format) {
		switch {
		case r.Err == nil:
			produced++
		case errors.Is(r.Err, ErrBlobNotAvailable):
			logger.Debug("blob not available yet", "blob", r.BlobID, "size", r.Size)
		default:
			logger.Warn("derivative not produced", "blob", r.BlobID, "size", r.Size, "error", r.Err)
		}
	}
	logger.Debug("blob processed", "blob", id.String(), "produced", produced, "sizes", len(s.sizes))
}

// Submit processes record in the background. It reports false, dropping the
// record, once the service is closing.
func (s *Service) Submit(record []byte) bool {
	if !s.track() {
		return false
	}
	go func() {
		defer s.pending.Done()
		s.Process(context.Background(), record)
	}()
	return true
}

// BlobMetadata returns every derivative recorded for blob ref.
func (s *Service) BlobMetadata(ctx context.Context, ref string) (Metadata, error) {
	id, err := blobid.Parse(ref)
	if err != nil {
		return Metadata{}, s.fail(ReasonInvalidInput, ref, 0, "", err)
	}
	records, err := s.cache.All(ctx, id)
	if err != nil {
		return Metadata{}, s.fail(ReasonCacheFailed, ref, 0, "", err)
	}
	if len(records) == 0 {
		return Metadata{}, nil
	}
	return Metadata{Found: true, Records: records}, nil
}
