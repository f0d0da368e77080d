package srcset

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/srcset/blobid"
)

// MakeSrcSet produces the derivatives of blob ref at every size in sizes.
//
// One Result per distinct size is delivered on the returned channel, in
// completion order, and the channel is closed once all sizes have finished.
// Sizes fail independently. At most the configured concurrency of sizes are
// produced at once. An invalid ref or format fails every size with
// ReasonInvalidInput.
func (s *Service) MakeSrcSet(ctx context.Context, ref string, sizes []int, format Format) <-chan Result {
	sizes = uniqueSizes(sizes)
	out := make(chan Result, len(sizes))

	id, err := validateRef(ref, format)
	if err != nil {
		for _, size := range sizes {
			out <- Result{
				Derivative: Derivative{BlobID: ref, Size: size, Format: format},
				Err:        s.fail(ReasonInvalidInput, ref, size, format, err),
			}
		}
		close(out)
		return out
	}

	go s.fanOut(ctx, id, sizes, format, out)
	return out
}

func (s *Service) fanOut(ctx context.Context, id blobid.ID, sizes []int, format Format, out chan<- Result) {
	defer close(out)

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, size := range sizes {
		g.Go(func() error {
			var (
				d   Derivative
				err error
			)
			if size <= 0 {
				err = s.fail(ReasonInvalidInput, id.String(), size, format, errSizeNotPositive(size))
			} else {
				d, err = s.resize(ctx, id, size, format)
			}
			if err != nil {
				d = Derivative{BlobID: id.String(), Size: size, Format: format}
			}
			out <- Result{Derivative: d, Err: err}
			return nil
		})
	}
	_ = g.Wait()
}

// CollectSrcSet drains results into a slice.
func CollectSrcSet(results <-chan Result) []Result {
	var all []Result
	for r := range results {
		all = append(all, r)
	}
	return all
}
