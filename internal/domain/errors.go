package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrOffsetConflict       = errors.New("upload offset conflict")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrLengthExceeded       = errors.New("declared upload length exceeded")
	ErrInvalidTransition    = errors.New("invalid task transition")
	ErrMissingPayload       = errors.New("task has no stored payload")
)
