// Package protoerr defines the caller-visible failure taxonomy of the
// tether protocol.
//
// Every failure delivered to a caller (a rejected request, a failed submit,
// a refused send) is an *Error carrying exactly one Code. Internal failures
// that are recovered locally (malformed inbound frames, transport faults)
// are logged and routed to handlers instead of being returned.
package protoerr

import (
	"errors"
	"fmt"
)

// Code categorizes protocol errors.
type Code string

const (
	// CodeValidation indicates an envelope violated the wire contract.
	CodeValidation Code = "VALIDATION"

	// CodeTimeout indicates a pending request's deadline elapsed.
	CodeTimeout Code = "TIMEOUT"

	// CodeNotConnected indicates a send was attempted while not connected.
	CodeNotConnected Code = "NOT_CONNECTED"

	// CodeClosed indicates the session was explicitly closed while the
	// request was outstanding.
	CodeClosed Code = "CLOSED"

	// CodeTransport indicates the underlying channel reported a failure.
	CodeTransport Code = "TRANSPORT"

	// CodeRemote indicates the remote peer answered with an error.
	CodeRemote Code = "REMOTE"
)

// Sentinels for errors.Is matching. An *Error matches the sentinel of its Code.
var (
	ErrValidation   = &Error{Code: CodeValidation}
	ErrTimeout      = &Error{Code: CodeTimeout}
	ErrNotConnected = &Error{Code: CodeNotConnected}
	ErrClosed       = &Error{Code: CodeClosed}
	ErrTransport    = &Error{Code: CodeTransport}
	ErrRemote       = &Error{Code: CodeRemote}
)

// Error is a protocol failure.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// ID is the correlation id of the affected request, if any.
	ID string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.ID != "" {
		return fmt.Sprintf("%s: %s (id=%s)", e.Code, msg, e.ID)
	}
	if msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Code.
// This lets errors.Is(err, ErrTimeout) match any timeout regardless of id.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Timeout creates the error for a pending request whose deadline elapsed.
func Timeout(id string) *Error {
	return &Error{Code: CodeTimeout, Message: "no response before deadline", ID: id}
}

// NotConnected creates the error for an operation attempted while the
// session is not connected.
func NotConnected(op string) *Error {
	return &Error{Code: CodeNotConnected, Message: fmt.Sprintf("%s: session is not connected", op)}
}

// Closed creates the error used to reject a request outstanding at close.
func Closed(id string) *Error {
	return &Error{Code: CodeClosed, Message: "session closed", ID: id}
}

// Transport wraps a channel failure.
func Transport(err error) *Error {
	return &Error{Code: CodeTransport, Message: "transport failure", Err: err}
}

// Remote creates the error for an explicit error acknowledgment.
func Remote(id, message string) *Error {
	return &Error{Code: CodeRemote, Message: message, ID: id}
}

// Validation wraps a contract violation.
func Validation(err error) *Error {
	return &Error{Code: CodeValidation, Message: "invalid envelope", Err: err}
}

// CodeOf returns the Code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IDOf returns the correlation id carried by err, or "" if none.
func IDOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.ID
	}
	return ""
}

// IsTimeout returns true if err is a timeout error.
func IsTimeout(err error) bool { return CodeOf(err) == CodeTimeout }

// IsNotConnected returns true if err is a not-connected error.
func IsNotConnected(err error) bool { return CodeOf(err) == CodeNotConnected }

// IsClosed returns true if err is a closed error.
func IsClosed(err error) bool { return CodeOf(err) == CodeClosed }

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsTransport returns true if err is a transport error.
func IsTransport(err error) bool { return CodeOf(err) == CodeTransport }

// IsRemote returns true if err is a remote error acknowledgment.
func IsRemote(err error) bool { return CodeOf(err) == CodeRemote }
