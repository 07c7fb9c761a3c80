package domain

import "errors"

var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrRetryExhausted     = errors.New("retry attempts exhausted")
	ErrStorageUnavailable = errors.New("storage unavailable")
)
