// Package blobid parses and names content-addressed blob references.
//
// A blob reference has the form
//
//	&<base64 sha256>.sha256
//
// where the base64 payload is the standard (padded) encoding of the 32-byte
// SHA256 of the blob content. Validity is purely syntactic: a valid ID says
// nothing about whether the blob exists anywhere.
package blobid

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	sigil  = "&"
	suffix = ".sha256"

	// encodedLen is the length of a padded base64 SHA256 sum.
	encodedLen = 44
)

// ErrInvalid is returned when a string is not a blob reference.
var ErrInvalid = errors.New("invalid blob id")

// Pattern matches blob references embedded in arbitrary text.
// Matches are candidates only; confirm them with Parse.
var Pattern = regexp.MustCompile(`&[A-Za-z0-9+/]{43}=\.sha256`)

// fileEncoding is filesystem and URL safe and case-insensitive-filesystem safe.
var fileEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// ID is a validated blob reference.
// The zero value is not a valid ID.
type ID struct {
	sum [sha256.Size]byte
	set bool
}

// Parse validates s and returns its ID.
func Parse(s string) (ID, error) {
	if !strings.HasPrefix(s, sigil) || !strings.HasSuffix(s, suffix) {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	payload := s[len(sigil) : len(s)-len(suffix)]
	if len(payload) != encodedLen {
		return ID{}, fmt.Errorf("%w: %q: payload length %d", ErrInvalid, s, len(payload))
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(payload)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	if len(raw) != sha256.Size {
		return ID{}, fmt.Errorf("%w: %q: decoded %d bytes", ErrInvalid, s, len(raw))
	}
	var id ID
	copy(id.sum[:], raw)
	id.set = true
	return id, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Valid reports whether s is a syntactically valid blob reference.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Sum returns the ID of content.
func Sum(content []byte) ID {
	return ID{sum: sha256.Sum256(content), set: true}
}

// FromDigest converts a sha256 OCI digest into an ID.
func FromDigest(d digest.Digest) (ID, error) {
	if err := d.Validate(); err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return ID{}, fmt.Errorf("%w: unsupported algorithm %s", ErrInvalid, d.Algorithm())
	}
	raw, err := hex.DecodeString(d.Encoded())
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var id ID
	copy(id.sum[:], raw)
	id.set = true
	return id, nil
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return !id.set
}

// String returns the canonical reference form.
func (id ID) String() string {
	if !id.set {
		return ""
	}
	return sigil + base64.StdEncoding.EncodeToString(id.sum[:]) + suffix
}

// Digest returns the OCI digest of the blob content.
func (id ID) Digest() digest.Digest {
	return digest.NewDigestFromBytes(digest.SHA256, id.sum[:])
}

// Hex returns the lowercase hex encoding of the content hash.
func (id ID) Hex() string {
	return hex.EncodeToString(id.sum[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Filename returns the derivative file name for (id, size, ext).
//
// The reference string is base32 encoded so the result is safe in paths and
// URLs, then suffixed with ".<size>.<ext>". The same inputs always yield the
// same name.
func Filename(id ID, size int, ext string) string {
	return fileEncoding.EncodeToString([]byte(id.String())) + "." + strconv.Itoa(size) + "." + ext
}
