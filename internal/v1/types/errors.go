package types

import "fmt"

// ErrorKind is one of the client-visible error categories from spec §7.
// No stack traces or storage internals ever reach a client; every
// error that can surface over the wire is constructed as a CoreError.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindInvalidInput ErrorKind = "invalid_input"
	KindTimeout      ErrorKind = "timeout"
	KindInternal     ErrorKind = "internal"
)

// CoreError is the typed error returned by every core operation that
// can fail in a way a client needs to react to.
type CoreError struct {
	Kind ErrorKind
	Msg  string
	Err  error // wrapped cause, never serialized to the client
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Code returns the short code sent to clients in place of this error.
func (e *CoreError) Code() string { return string(e.Kind) }

func NewError(kind ErrorKind, msg string) *CoreError {
	return &CoreError{Kind: kind, Msg: msg}
}

func WrapError(kind ErrorKind, msg string, err error) *CoreError {
	return &CoreError{Kind: kind, Msg: msg, Err: err}
}

func ErrUnauthorized(msg string) *CoreError { return NewError(KindUnauthorized, msg) }
func ErrNotFound(msg string) *CoreError     { return NewError(KindNotFound, msg) }
func ErrConflict(msg string) *CoreError     { return NewError(KindConflict, msg) }
func ErrInvalidInput(msg string) *CoreError { return NewError(KindInvalidInput, msg) }
func ErrTimeout(msg string) *CoreError      { return NewError(KindTimeout, msg) }
func ErrInternal(msg string, err error) *CoreError {
	return WrapError(KindInternal, msg, err)
}

// IsKind reports whether err is a *CoreError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ce, ok := err.(*CoreError)
	return ok && ce.Kind == kind
}
