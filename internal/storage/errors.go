package storage

import (
	"errors"
	"fmt"
)

// storageError signals an artifact write failure (disk full, permissions).
type storageError struct {
	path string
	err  error
}

func (e storageError) Error() string { return fmt.Sprintf("storage %s: %v", e.path, e.err) }

func (e storageError) Unwrap() error { return e.err }

// ErrStorage wraps a filesystem failure for path.
func ErrStorage(path string, err error) error { return storageError{path: path, err: err} }

// IsStorage reports whether err is an artifact storage failure.
func IsStorage(err error) bool {
	var e storageError
	return errors.As(err, &e)
}
