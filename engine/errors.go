package engine

import (
	"errors"
	"fmt"

	"github.com/airylvat/mathletics-bot/db"
)

// Error kinds. Match them with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrSessionBusy     = errors.New("session busy")
	ErrMalformedImport = errors.New("malformed import")
	ErrStorage         = errors.New("storage failure")
	errAlreadyReleased = errors.New("interaction already released")
)

// Error is returned by every engine operation. Reason is safe to show to
// competitors; Hint names the next action when there is one.
type Error struct {
	Kind   error
	Reason string
	Hint   string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error() + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, hint string, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Hint: hint}
}

func storageError(err error, format string, args ...any) *Error {
	return &Error{Kind: ErrStorage, Reason: fmt.Sprintf(format, args...), Err: err}
}

// ledgerError maps a ledger lookup failure onto NotFound or Storage.
func ledgerError(err error, hint string, format string, args ...any) *Error {
	if errors.Is(err, db.ErrNotFound) {
		return &Error{Kind: ErrNotFound, Reason: fmt.Sprintf(format, args...), Hint: hint, Err: err}
	}
	return storageError(err, format, args...)
}
