package model

import (
	"errors"
	"fmt"
)

// inferenceError covers model loading and execution failures so the HTTP
// layer can map them to 500 and job records can carry a useful message.
type inferenceError struct {
	modelID string
	layer   string
	err     error
}

func (e inferenceError) Error() string {
	if e.layer != "" {
		return fmt.Sprintf("model %s layer %s: %v", e.modelID, e.layer, e.err)
	}
	return fmt.Sprintf("model %s: %v", e.modelID, e.err)
}

func (e inferenceError) Unwrap() error { return e.err }

// ErrInference wraps a model-level failure.
func ErrInference(modelID string, err error) error {
	return inferenceError{modelID: modelID, err: err}
}

// ErrInferenceAt wraps a failure attributable to a specific layer.
func ErrInferenceAt(modelID, layer string, err error) error {
	return inferenceError{modelID: modelID, layer: layer, err: err}
}

// IsInference reports whether err is a model loading or execution failure.
func IsInference(err error) bool {
	var e inferenceError
	return errors.As(err, &e)
}
