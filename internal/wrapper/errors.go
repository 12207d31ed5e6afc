package wrapper

import "errors"

var (
	// ErrEmptyInput is returned when an operation receives no texts. The
	// result shape of an empty batch is ambiguous, so it fails fast.
	ErrEmptyInput = errors.New("wrapper: empty input list")

	// ErrUnsupported is returned when gradient extraction is requested from
	// a model that cannot expose per-token embedding gradients.
	ErrUnsupported = errors.New("wrapper: unsupported operation")

	// ErrShapeMismatch is returned when encoded inputs in one batch do not
	// share the same field names, making the named-tensor transposition
	// ill-defined.
	ErrShapeMismatch = errors.New("wrapper: encoded input shape mismatch")
)
