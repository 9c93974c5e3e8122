package repository

import "errors"

// Sentinel store errors.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrConflict      = errors.New("concurrent modification")
	ErrInvalidTask   = errors.New("invalid task definition")
	ErrClosed        = errors.New("store closed")
)
