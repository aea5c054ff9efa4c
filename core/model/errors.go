package model

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these sentinels.
var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrInfrastructure = errors.New("infrastructure failure")
)

// Error is a classified error carrying the operation that produced it.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error kind so errors.Is(err, ErrConflict) works.
func (e *Error) Is(target error) bool { return target == e.Kind }

func newError(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Validation builds an ErrValidation error.
func Validation(op, format string, args ...any) error {
	return newError(ErrValidation, op, format, args...)
}

// NotFound builds an ErrNotFound error.
func NotFound(op, format string, args ...any) error {
	return newError(ErrNotFound, op, format, args...)
}

// Conflict builds an ErrConflict error.
func Conflict(op, format string, args ...any) error {
	return newError(ErrConflict, op, format, args...)
}

// Infrastructure wraps err as an ErrInfrastructure error.
func Infrastructure(op string, err error) error {
	return &Error{Kind: ErrInfrastructure, Op: op, Err: err}
}
