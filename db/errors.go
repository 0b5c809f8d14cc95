package db

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrAlreadyResolved is returned when a completed attempt would be written again.
	ErrAlreadyResolved = errors.New("attempt already resolved")
	ErrMalformedImport = errors.New("malformed import")
)

// ImportError describes the first row that failed validation.
type ImportError struct {
	Line   int
	Reason string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("malformed import: line %d: %s", e.Line, e.Reason)
}

func (e *ImportError) Unwrap() error {
	return ErrMalformedImport
}

func importErrorf(line int, format string, args ...any) error {
	return &ImportError{Line: line, Reason: fmt.Sprintf(format, args...)}
}
