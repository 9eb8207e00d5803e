// Package rpc defines the types shared by the dispatch core: identities,
// the per-request Current, and the Servant and ServantLocator contracts.
package rpc

import (
	"context"
)

// OperationMode describes the side effects of an operation.
type OperationMode uint32

const (
	// Normal operations may mutate servant state
	Normal OperationMode = iota

	// Nonmutating operations only read servant state
	Nonmutating

	// Idempotent operations may mutate state but can be repeated safely
	Idempotent
)

func (m OperationMode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Nonmutating:
		return "nonmutating"
	case Idempotent:
		return "idempotent"
	default:
		return "unknown"
	}
}

// Current describes the request being dispatched.
type Current struct {
	// Adapter is the name of the object adapter that received the request
	Adapter string

	// ID is the target identity
	ID Identity

	// Facet selects a facet of the target object; usually empty
	Facet string

	// Operation is the operation name
	Operation string

	// Mode is the operation mode declared by the caller
	Mode OperationMode

	// Context carries caller-supplied key/value pairs
	Context map[string]string

	// RequestID is the wire request id; 0 for oneway requests
	RequestID uint32

	// Conn describes the connection the request arrived on
	Conn string
}

// Servant handles requests for one or more identities.
//
// Dispatch receives the encoded parameters and returns the encoded result.
// Returning *UserError sends an application fault to the caller; returning
// an *Error with CodeOperationNotExist reports an unknown operation.
type Servant interface {
	Dispatch(ctx context.Context, current *Current, params []byte) ([]byte, error)
}

// ServantFunc adapts a function to the Servant interface.
type ServantFunc func(ctx context.Context, current *Current, params []byte) ([]byte, error)

func (f ServantFunc) Dispatch(ctx context.Context, current *Current, params []byte) ([]byte, error) {
	return f(ctx, current, params)
}

// Cookie is an opaque value returned by Locate and passed back to Finished.
type Cookie any

// ServantLocator resolves identities that have no directly registered servant.
//
// Locate returns (nil, nil, nil) when the identity does not exist. Every
// successful Locate that returned a servant is paired with exactly one
// Finished call once dispatch completes, whether or not dispatch failed.
// Deactivate is called once when the locator is removed or its adapter is
// destroyed.
type ServantLocator interface {
	Locate(ctx context.Context, current *Current) (Servant, Cookie, error)
	Finished(ctx context.Context, current *Current, servant Servant, cookie Cookie) error
	Deactivate(category string)
}

// OperationNotExist returns the error a servant reports for an unknown operation.
func OperationNotExist(current *Current) *Error {
	return &Error{
		Code:        CodeOperationNotExist,
		Kind:        "operation",
		Description: current.ID.String() + "." + current.Operation,
		Message:     "does not exist",
	}
}
