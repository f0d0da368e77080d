// Package blobstore defines the blob store consumed by the derivative
// pipeline, and the peers a store can pull missing blobs from.
package blobstore

import (
	"context"
	"errors"
	"io"
	"iter"

	"github.com/meigma/srcset/blobid"
)

// ErrNotFound is returned when a blob is not present.
var ErrNotFound = errors.New("blob not found")

// Store provides presence checks, peer wants and chunked reads of blobs.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Has reports whether the blob is stored locally.
	Has(ctx context.Context, id blobid.ID) (bool, error)

	// Want asks the store to obtain the blob from its peers.
	// It returns immediately; the blob may or may not arrive later.
	Want(id blobid.ID)

	// Get streams the blob content as a sequence of chunks whose
	// concatenation is the blob. A non-nil error ends the sequence.
	Get(ctx context.Context, id blobid.ID) iter.Seq2[[]byte, error]
}

// Peer is a remote source of blobs.
type Peer interface {
	// Fetch opens the blob content. Returns ErrNotFound (possibly wrapped)
	// when the peer does not have it.
	Fetch(ctx context.Context, id blobid.ID) (io.ReadCloser, error)

	// String names the peer in logs.
	String() string
}
