package repository

import "errors"

// Common repository errors
var (
	ErrNotFound        = errors.New("record not found")
	ErrInvalidDocument = errors.New("invalid storage document")
)
