package metadata

import "errors"

// Sentinel errors. Backends and the Tree wrap them with %w; callers match
// with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("already exists")
)
