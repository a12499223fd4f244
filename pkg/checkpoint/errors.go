package checkpoint

import "errors"

var (
	// ErrMalformedMarker indicates a marker body could not be decoded.
	ErrMalformedMarker = errors.New("malformed checkpoint marker")

	// ErrInvalidStep indicates a non-positive step was passed to WriteMarker.
	ErrInvalidStep = errors.New("invalid checkpoint step")

	// ErrReadOnlyProvider indicates the provider cannot create objects.
	ErrReadOnlyProvider = errors.New("provider does not support writes")
)
