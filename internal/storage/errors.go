package storage

import "errors"

// Storage errors shared by every backend.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when creating a record whose key already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrConflict is returned by Commit when a record changed since it was read.
	ErrConflict = errors.New("revision conflict")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
