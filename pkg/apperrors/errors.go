package apperrors

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrJobNotActive     = errors.New("job is not active")
	ErrRowLimitExceeded = errors.New("row limit exceeded")
)
