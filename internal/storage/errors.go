package storage

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrAlreadyExists = errors.New("object already exists")
	ErrUnsupported   = errors.New("operation not supported by storage backend")
	ErrInvalidRange  = errors.New("requested range not satisfiable")

	// ErrIOFailure marks transient backend failures. The caller may retry.
	ErrIOFailure = errors.New("storage I/O failure")
)

// IOError carries the failing operation and key for an ErrIOFailure
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{ErrIOFailure, e.Err}
}

func ioError(op, key string, err error) error {
	return &IOError{Op: op, Key: key, Err: err}
}

func notFound(key string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}

func alreadyExists(key string) error {
	return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
}
