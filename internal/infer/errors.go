package infer

import (
	"errors"
	"fmt"
)

// decodeError signals an unreadable or unsupported input image (400 at the
// HTTP layer when raised at submit time, failed job otherwise).
type decodeError struct{ err error }

func (e decodeError) Error() string { return fmt.Sprintf("decode image: %v", e.err) }

func (e decodeError) Unwrap() error { return e.err }

// ErrDecode wraps an image decoding failure.
func ErrDecode(err error) error { return decodeError{err: err} }

// IsDecode reports whether err is an image decoding failure.
func IsDecode(err error) bool {
	var e decodeError
	return errors.As(err, &e)
}
