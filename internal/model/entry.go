// Package model contains the data types exchanged between the mirror, the
// broker connection and the orchestrator.
package model

import (
	"errors"
	"fmt"
	"path"
	"time"
)

// ErrMalformedEntry is returned when an Entry violates its invariants.
var ErrMalformedEntry = errors.New("malformed entry")

// Entry is an immutable snapshot of one namespace object.
type Entry struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	IsDir      bool      `json:"is_dir"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum,omitempty"`
	CreatedAt  time.Time `json:"ctime"`
	ModifiedAt time.Time `json:"mtime"`
}

// NewFile builds a validated non-directory entry.
func NewFile(p string, size int64, checksum string, ctime, mtime time.Time) (Entry, error) {
	e := Entry{
		Path:       p,
		Name:       path.Base(p),
		Size:       size,
		Checksum:   checksum,
		CreatedAt:  ctime,
		ModifiedAt: mtime,
	}
	return e, e.Validate()
}

// NewDir builds a validated directory entry.
func NewDir(p string, ctime, mtime time.Time) (Entry, error) {
	e := Entry{
		Path:       p,
		Name:       path.Base(p),
		IsDir:      true,
		CreatedAt:  ctime,
		ModifiedAt: mtime,
	}
	return e, e.Validate()
}

// Validate checks the entry invariants: absolute clean path ending in Name,
// non-negative size, and a checksum present exactly for non-directories.
func (e Entry) Validate() error {
	if e.Path == "" || e.Path[0] != '/' {
		return fmt.Errorf("%w: path %q is not absolute", ErrMalformedEntry, e.Path)
	}
	if path.Clean(e.Path) != e.Path {
		return fmt.Errorf("%w: path %q is not clean", ErrMalformedEntry, e.Path)
	}
	if e.Path != "/" && path.Base(e.Path) != e.Name {
		return fmt.Errorf("%w: path %q does not end with name %q", ErrMalformedEntry, e.Path, e.Name)
	}
	if e.Size < 0 {
		return fmt.Errorf("%w: %s has negative size %d", ErrMalformedEntry, e.Path, e.Size)
	}
	if e.IsDir && e.Checksum != "" {
		return fmt.Errorf("%w: directory %s has a checksum", ErrMalformedEntry, e.Path)
	}
	if !e.IsDir && e.Checksum == "" {
		return fmt.Errorf("%w: file %s has no checksum", ErrMalformedEntry, e.Path)
	}
	return nil
}

// Changed reports whether other differs from e in size, checksum or
// modification time. Type changes are not detected here.
func (e Entry) Changed(other Entry) bool {
	return e.Size != other.Size ||
		e.Checksum != other.Checksum ||
		!e.ModifiedAt.Equal(other.ModifiedAt)
}

func (e Entry) String() string {
	if e.IsDir {
		return fmt.Sprintf("<dir %s>", e.Path)
	}
	return fmt.Sprintf("<file %s size=%d checksum=%s>", e.Path, e.Size, e.Checksum)
}
