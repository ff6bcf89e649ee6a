// Package storage defines the Lister interface through which the mirror reads
// the authoritative namespace, and the errors shared by its backends.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/fruitsalade/nsmirror/internal/model"
)

// ErrNotFound is returned when the listed path does not exist in the backend.
var ErrNotFound = errors.New("path not found")

// Lister is the storage collaborator used by the orchestrator.
// Implementations list one directory level of the namespace; paths are
// namespace paths (absolute, slash separated), not backend keys.
type Lister interface {
	// Connect establishes the backend session.
	Connect(ctx context.Context) error

	// List returns the direct children of path. Every entry's parent is path.
	List(ctx context.Context, path string) ([]model.Entry, error)

	// Close releases any resources held by the backend.
	Close() error

	// Type returns the backend type identifier ("local", "s3", "postgres").
	Type() string
}

// TransientError marks a backend failure that may succeed when retried.
type TransientError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// NotFound wraps ErrNotFound with the missing path.
func NotFound(path string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, path)
}
