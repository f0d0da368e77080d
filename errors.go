package srcset

import (
	"errors"
	"fmt"
	"strings"
)

// Reason classifies why a derivative could not be produced.
type Reason string

// Failure reasons.
const (
	// ReasonInvalidInput: malformed blob ID, size or format. Not retried.
	ReasonInvalidInput Reason = "invalid-input"
	// ReasonBlobNotAvailable: the blob is not stored locally yet. It has been
	// requested from peers; retry later.
	ReasonBlobNotAvailable Reason = "blob-not-available"
	// ReasonFetchFailed: reading the blob failed, timed out, exceeded the
	// size limit or did not match its ID.
	ReasonFetchFailed Reason = "fetch-failed"
	// ReasonTransformFailed: the blob is not a decodable image or encoding failed.
	ReasonTransformFailed Reason = "transform-failed"
	// ReasonWriteFailed: the derivative file could not be written.
	ReasonWriteFailed Reason = "write-failed"
	// ReasonCacheFailed: the metadata cache could not be read or updated.
	ReasonCacheFailed Reason = "cache-failed"
)

// Sentinel errors, one per Reason. Every *Error matches the sentinel of its
// reason with errors.Is.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrBlobNotAvailable = errors.New("blob not available")
	ErrFetchFailed      = errors.New("fetch failed")
	ErrTransformFailed  = errors.New("transform failed")
	ErrWriteFailed      = errors.New("write failed")
	ErrCacheFailed      = errors.New("cache failed")
)

// ErrDigestMismatch is returned when fetched content does not hash to its ID.
var ErrDigestMismatch = errors.New("content does not match blob id")

// ErrInvalidConfig is returned by New for missing or invalid settings.
var ErrInvalidConfig = errors.New("invalid configuration")

var reasonErrors = map[Reason]error{
	ReasonInvalidInput:     ErrInvalidInput,
	ReasonBlobNotAvailable: ErrBlobNotAvailable,
	ReasonFetchFailed:      ErrFetchFailed,
	ReasonTransformFailed:  ErrTransformFailed,
	ReasonWriteFailed:      ErrWriteFailed,
	ReasonCacheFailed:      ErrCacheFailed,
}

// Recoverable reports whether retrying the same request later may succeed
// without operator action.
func (r Reason) Recoverable() bool {
	return r == ReasonBlobNotAvailable
}

// Error describes a failed derivative request.
type Error struct {
	Reason Reason
	BlobID string
	Size   int
	Format Format
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("srcset: ")
	b.WriteString(string(e.Reason))
	if e.BlobID != "" {
		fmt.Fprintf(&b, " blob=%s", e.BlobID)
	}
	if e.Size != 0 {
		fmt.Fprintf(&b, " size=%d", e.Size)
	}
	if e.Format != "" {
		fmt.Fprintf(&b, " format=%s", e.Format)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the reason's sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if sentinel, ok := reasonErrors[e.Reason]; ok {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ReasonOf returns the Reason carried by err, or "" if err is not an *Error.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
