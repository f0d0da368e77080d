package srcset

import (
	"github.com/meigma/srcset/metacache"
	"github.com/meigma/srcset/transform"
)

// --- Re-exports ---

// Format is a derivative output format.
type Format = transform.Format

// Record describes one produced derivative in the metadata cache.
type Record = metacache.Record

// Transformer turns source image bytes into a derivative.
type Transformer = transform.Transformer

// Format constants.
const (
	FormatWebP = transform.WebP
	FormatPNG  = transform.PNG
	FormatAVIF = transform.AVIF
)

// ParseFormat validates s as an output format.
var ParseFormat = transform.ParseFormat

// --- Results ---

// Derivative identifies a produced derivative file.
type Derivative struct {
	BlobID   string `json:"id"`
	Filename string `json:"filename"`
	Size     int    `json:"size"`
	Format   Format `json:"format"`
}

// Result is one size's outcome from MakeSrcSet.
//
// On failure Err is set and Derivative carries only the blob ID, size and
// format that were requested.
type Result struct {
	Derivative
	Err error
}

// Metadata is the answer to a metadata query for one blob.
type Metadata struct {
	Found   bool     `json:"found"`
	Records []Record `json:"metadata,omitempty"`
}
