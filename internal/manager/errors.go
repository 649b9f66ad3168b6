package manager

// validationError signals a malformed submission for 400 mapping.
type validationError struct{ msg string }

func (e validationError) Error() string { return e.msg }

// ErrValidation constructs a validationError.
func ErrValidation(msg string) error { return validationError{msg: msg} }

// IsValidation reports whether err indicates a rejected submission.
func IsValidation(err error) bool {
	_, ok := err.(validationError)
	return ok
}

// notFoundError signals an unknown model or job id for 404 mapping.
type notFoundError struct {
	kind string
	id   string
}

func (e notFoundError) Error() string { return e.kind + " not found: " + e.id }

// ErrModelNotFound returns an error for a model id absent from the registry.
func ErrModelNotFound(id string) error { return notFoundError{kind: "model", id: id} }

// ErrJobNotFound returns an error for an unknown job id.
func ErrJobNotFound(id string) error { return notFoundError{kind: "job", id: id} }

// IsNotFound reports whether the error indicates a missing model or job.
func IsNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

// queueFullError signals queue overflow for 429 mapping.
type queueFullError struct{ modelID string }

func (e queueFullError) Error() string { return "job queue full, retry later: " + e.modelID }

// ErrQueueFull constructs a queueFullError.
func ErrQueueFull(modelID string) error { return queueFullError{modelID: modelID} }

// IsQueueFull reports whether err indicates backpressure (return 429).
func IsQueueFull(err error) bool {
	_, ok := err.(queueFullError)
	return ok
}
