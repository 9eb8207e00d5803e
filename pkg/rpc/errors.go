package rpc

import (
	"errors"
	"fmt"
)

// Error is the error type returned by the dispatch core.
//
// The Code separates usage errors (programming bugs such as double
// registration), not-found conditions, transient conditions that should be
// retried as a whole unit of work, and everything else. Protocol code maps
// Code to a reply status.
type Error struct {
	// Code is the error category
	Code ErrorCode

	// Kind names the table or object kind involved ("servant",
	// "servant locator", "object", "event handler").
	Kind string

	// Description is the identity, category or handle the error refers to
	Description string

	// Message is a human-readable description
	Message string

	// Err is the underlying cause, if any
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Kind != "" {
		msg = e.Kind + " " + msg
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode is the category of an Error.
type ErrorCode int

const (
	// CodeAlreadyRegistered indicates an identity, category or handle is
	// already present in a registration table
	CodeAlreadyRegistered ErrorCode = iota

	// CodeNotRegistered indicates an identity, category or handle is absent
	// from a registration table
	CodeNotRegistered

	// CodeObjectNotFound indicates no servant exists for an identity
	CodeObjectNotFound

	// CodeRetry indicates a transient persistent store conflict; the whole
	// unit of work should be restarted
	CodeRetry

	// CodeDeactivated indicates the component was destroyed or deactivated
	CodeDeactivated

	// CodeOperationNotExist indicates the servant does not implement the operation
	CodeOperationNotExist

	// CodeMemoryLimit indicates a message exceeded the configured size limit
	CodeMemoryLimit

	// CodeProtocol indicates a malformed message
	CodeProtocol

	// CodeUsage indicates any other programming error
	CodeUsage
)

func (c ErrorCode) String() string {
	switch c {
	case CodeAlreadyRegistered:
		return "already registered"
	case CodeNotRegistered:
		return "not registered"
	case CodeObjectNotFound:
		return "object not found"
	case CodeRetry:
		return "data changed, retry"
	case CodeDeactivated:
		return "deactivated"
	case CodeOperationNotExist:
		return "operation does not exist"
	case CodeMemoryLimit:
		return "memory limit exceeded"
	case CodeProtocol:
		return "protocol error"
	case CodeUsage:
		return "usage error"
	default:
		return fmt.Sprintf("error(%d)", int(c))
	}
}

// NewError creates an Error with the given code, kind and description.
func NewError(code ErrorCode, kind, description string) *Error {
	return &Error{Code: code, Kind: kind, Description: description}
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AlreadyRegistered creates a CodeAlreadyRegistered error.
func AlreadyRegistered(kind, description string) *Error {
	return NewError(CodeAlreadyRegistered, kind, description)
}

// NotRegistered creates a CodeNotRegistered error.
func NotRegistered(kind, description string) *Error {
	return NewError(CodeNotRegistered, kind, description)
}

// ObjectNotFound creates a CodeObjectNotFound error for id.
func ObjectNotFound(id Identity) *Error {
	return &Error{Code: CodeObjectNotFound, Kind: "object", Description: id.String(), Message: "not found"}
}

// Deactivated creates a CodeDeactivated error for the named component.
func Deactivated(kind string) *Error {
	return &Error{Code: CodeDeactivated, Kind: kind, Message: "has been deactivated"}
}

// Retry wraps a store conflict as a retryable error.
func Retry(err error) *Error {
	return &Error{Code: CodeRetry, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

func hasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

func IsAlreadyRegistered(err error) bool { return hasCode(err, CodeAlreadyRegistered) }
func IsNotRegistered(err error) bool     { return hasCode(err, CodeNotRegistered) }
func IsObjectNotFound(err error) bool    { return hasCode(err, CodeObjectNotFound) }
func IsRetryable(err error) bool         { return hasCode(err, CodeRetry) }
func IsDeactivated(err error) bool       { return hasCode(err, CodeDeactivated) }

// UserError is an application-level fault raised by a servant. Its payload
// is returned to the client verbatim.
type UserError struct {
	Message string
	Payload []byte
}

func (e *UserError) Error() string {
	return "user error: " + e.Message
}
