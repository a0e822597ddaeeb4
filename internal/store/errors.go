package store

import "errors"

var (
	ErrNotFound      = errors.New("digest not found")
	ErrAlreadyExists = errors.New("digest already exists")

	// ErrInUse means another edit holds the record. Callers retry later.
	ErrInUse = errors.New("digest in use")

	// ErrClosedEdit is returned when an edit is resolved a second time.
	ErrClosedEdit = errors.New("digest edit already closed")

	// ErrPersistence wraps backend I/O failures.
	ErrPersistence = errors.New("digest persistence failed")
)
