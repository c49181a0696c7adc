// Package apperr defines the error taxonomy shared by the store, the
// recognition pipeline and the transport layer.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and for mapping to client responses.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindStorage            Kind = "storage"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindRecognition        Kind = "recognition"
	KindConflict           Kind = "conflict"
	KindInternal           Kind = "internal"
)

// Sentinel values usable with errors.Is.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrStorage            = &Error{Kind: KindStorage}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
	ErrRecognition        = &Error{Kind: KindRecognition}
	ErrConflict           = &Error{Kind: KindConflict}
)

// Error is a classified error. Op names the failing operation, Err is the cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so that sentinels compare equal to any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation returns a validation error.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

// NotFound returns a not-found error.
func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

// Conflict returns a conflict error.
func Conflict(op, format string, args ...any) *Error {
	return New(KindConflict, op, format, args...)
}

// KindOf returns the kind of the outermost classified error in the chain,
// or KindInternal when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Classify is KindOf, except that a storage_unavailable error anywhere in the
// chain wins. Clients back off on that kind whatever operation surfaced it.
func Classify(err error) Kind {
	if errors.Is(err, ErrStorageUnavailable) {
		return KindStorageUnavailable
	}
	return KindOf(err)
}

// Message returns the client-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// IsPermanent reports whether err should not be retried and should not count
// against storage health.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindConflict:
		return true
	}
	return false
}
