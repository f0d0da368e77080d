// Package content manages the directory derivative files are published to.
//
// Files are written to a dot-prefixed temp file in the same directory and
// renamed into place, so a file under its final name is always complete.
package content

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultDirPerm  = 0o750
	defaultFilePerm = 0o644

	tempPattern = ".tmp-*"
)

// ErrInvalidName is returned for names that are not plain file names.
var ErrInvalidName = errors.New("invalid content name")

// Dir is a content directory.
type Dir struct {
	root     string
	dirPerm  os.FileMode
	filePerm os.FileMode
	noSync   bool
}

// Option configures a Dir.
type Option func(*Dir)

// WithDirPerm sets the permissions used when creating the directory.
func WithDirPerm(mode os.FileMode) Option {
	return func(d *Dir) {
		d.dirPerm = mode
	}
}

// WithFilePerm sets the permissions of published files.
func WithFilePerm(mode os.FileMode) Option {
	return func(d *Dir) {
		d.filePerm = mode
	}
}

// WithoutSync skips fsync before publishing. Published files stay complete
// but may be lost on power failure.
func WithoutSync() Option {
	return func(d *Dir) {
		d.noSync = true
	}
}

// New creates the directory if needed and returns a Dir for it.
func New(root string, opts ...Option) (*Dir, error) {
	if root == "" {
		return nil, errors.New("content dir is empty")
	}
	d := &Dir{
		root:     root,
		dirPerm:  defaultDirPerm,
		filePerm: defaultFilePerm,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := os.MkdirAll(root, d.dirPerm); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	return d, nil
}

// Root returns the directory path.
func (d *Dir) Root() string {
	return d.root
}

// Path returns the full path for name.
func (d *Dir) Path(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(d.root, name), nil
}

// Exists reports whether a published file called name exists.
func (d *Dir) Exists(name string) bool {
	path, err := d.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Put publishes data under name, replacing any existing file.
func (d *Dir) Put(name string, data []byte) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(d.root, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if !d.noSync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("sync %s: %w", name, err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(tmpPath, d.filePerm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) ||
		filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
