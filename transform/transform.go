// Package transform decodes source images, scales them and re-encodes them
// in a target format.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	"image/png"

	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Format is a derivative output format.
type Format string

// Supported output formats.
const (
	WebP Format = "webp"
	PNG  Format = "png"
	AVIF Format = "avif"
)

// Formats lists every supported output format.
var Formats = []Format{WebP, PNG, AVIF}

// ErrUnknownFormat is returned for formats outside Formats.
var ErrUnknownFormat = errors.New("unknown format")

// ParseFormat validates s as an output format.
func ParseFormat(s string) (Format, error) {
	f := Format(s)
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
	return f, nil
}

// Valid reports whether f is a supported format.
func (f Format) Valid() bool {
	switch f {
	case WebP, PNG, AVIF:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (f Format) String() string {
	return string(f)
}

// Transformer turns source image bytes into a derivative.
//
// Implementations must be safe for concurrent use.
type Transformer interface {
	Transform(ctx context.Context, src []byte, size int, format Format) ([]byte, error)
}

// Default quality settings.
const (
	DefaultWebPQuality = 80
	DefaultAVIFQuality = 60
	DefaultAVIFSpeed   = 8
)

// DefaultMaxPixels caps the declared area of a source image (50 megapixels).
const DefaultMaxPixels = 50_000_000

// ErrTooManyPixels is returned when a source declares more pixels than the
// Resizer accepts. The image is rejected before it is decoded.
var ErrTooManyPixels = errors.New("image has too many pixels")

// Resizer is the default Transformer.
//
// It scales the source to fit inside a size x size box, preserving the
// aspect ratio. Smaller sources are enlarged to fit.
type Resizer struct {
	webpQuality int
	avifQuality int
	avifSpeed   int
	maxPixels   int64
	scaler      draw.Scaler
}

var _ Transformer = (*Resizer)(nil)

// Option configures a Resizer.
type Option func(*Resizer)

// WithWebPQuality sets the lossy WebP quality in [0,100].
func WithWebPQuality(q int) Option {
	return func(r *Resizer) {
		r.webpQuality = q
	}
}

// WithAVIFQuality sets the AVIF quality in [0,100].
func WithAVIFQuality(q int) Option {
	return func(r *Resizer) {
		r.avifQuality = q
	}
}

// WithAVIFSpeed sets the AVIF encoder speed in [0,10]; higher is faster.
func WithAVIFSpeed(speed int) Option {
	return func(r *Resizer) {
		r.avifSpeed = speed
	}
}

// WithMaxPixels limits width*height of source images. Zero or less disables
// the limit.
func WithMaxPixels(n int64) Option {
	return func(r *Resizer) {
		r.maxPixels = n
	}
}

// WithScaler sets the interpolator. Defaults to draw.CatmullRom.
func WithScaler(s draw.Scaler) Option {
	return func(r *Resizer) {
		r.scaler = s
	}
}

// NewResizer creates a Resizer.
func NewResizer(opts ...Option) *Resizer {
	r := &Resizer{
		webpQuality: DefaultWebPQuality,
		avifQuality: DefaultAVIFQuality,
		avifSpeed:   DefaultAVIFSpeed,
		maxPixels:   DefaultMaxPixels,
		scaler:      draw.CatmullRom,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Transform implements Transformer.
func (r *Resizer) Transform(ctx context.Context, src []byte, size int, format Format) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("size %d: must be > 0", size)
	}
	if !format.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err := r.checkDimensions(src); err != nil {
		return nil, err
	}
	img, kind, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scaled := r.scale(img, size)

	var buf bytes.Buffer
	switch format {
	case PNG:
		err = png.Encode(&buf, scaled)
	case WebP:
		err = webp.Encode(&buf, scaled, webp.Options{Quality: r.webpQuality})
	case AVIF:
		err = avif.Encode(&buf, scaled, avif.Options{Quality: r.avifQuality, Speed: r.avifSpeed})
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s from %s: %w", format, kind, err)
	}
	return buf.Bytes(), nil
}

// checkDimensions reads only the image header.
func (r *Resizer) checkDimensions(src []byte) error {
	cfg, kind, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("decode image config: %w", err)
	}
	if r.maxPixels <= 0 {
		return nil
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > r.maxPixels {
		return fmt.Errorf("%w: %s is %dx%d, limit %d", ErrTooManyPixels, kind, cfg.Width, cfg.Height, r.maxPixels)
	}
	return nil
}

func (r *Resizer) scale(img image.Image, size int) image.Image {
	w, h := FitInside(img.Bounds().Dx(), img.Bounds().Dy(), size)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	r.scaler.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// FitInside returns the dimensions of a w x h image scaled to fit inside a
// size x size box with its aspect ratio preserved. Neither side drops below 1.
func FitInside(w, h, size int) (int, int) {
	if w <= 0 || h <= 0 {
		return size, size
	}
	if w >= h {
		nh := max(1, (h*size+w/2)/w)
		return size, nh
	}
	nw := max(1, (w*size+h/2)/h)
	return nw, size
}
