package bridge

import (
	"errors"
	"fmt"

	"github.com/matt-riley/flagbridge/internal/descriptor"
	"github.com/matt-riley/flagbridge/internal/metrics"
)

// Wire error codes.
const (
	CodeNoClient     = "NO_CLIENT"
	CodeTypeMismatch = "TYPE_MISMATCH"
	CodeError        = "ERROR"
)

const noClientMessage = "Client hasn't been initialized. Call start method before any other calls"

// Error is a call failure carrying a stable wire code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// WireCode returns the code reported to hosts.
func (e *Error) WireCode() string { return e.Code }

// WireMessage returns the message reported to hosts.
func (e *Error) WireMessage() string { return e.Message }

var (
	// ErrNoClient is returned by every client-dependent method before start.
	ErrNoClient = &Error{Code: CodeNoClient, Message: noClientMessage}

	// ErrNotImplemented is returned for unknown method names.
	ErrNotImplemented error = notImplementedError{}
)

type notImplementedError struct{}

func (notImplementedError) Error() string        { return "method not implemented" }
func (notImplementedError) NotImplemented() bool { return true }

// invalidArgument reports a required argument that is absent or mistyped.
func invalidArgument(method, name string, got any) error {
	return &Error{
		Code:    CodeTypeMismatch,
		Message: fmt.Sprintf("%s: argument %q has unexpected type %T", method, name, got),
		Err:     descriptor.ErrTypeMismatch,
	}
}

// asWireError converts err into an *Error, assigning TYPE_MISMATCH to
// descriptor failures and ERROR to everything else.
func asWireError(method string, err error) error {
	var wireErr *Error
	if errors.As(err, &wireErr) || errors.Is(err, ErrNotImplemented) {
		return err
	}
	code := CodeError
	if errors.Is(err, descriptor.ErrTypeMismatch) {
		code = CodeTypeMismatch
	}
	return &Error{Code: code, Message: fmt.Sprintf("%s: %v", method, err), Err: err}
}

// outcome classifies err for the calls metric.
func outcome(err error) string {
	var wireErr *Error
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrNotImplemented):
		return metrics.OutcomeNotImplemented
	case errors.As(err, &wireErr) && wireErr.Code == CodeNoClient:
		return metrics.OutcomeNoClient
	case errors.As(err, &wireErr) && wireErr.Code == CodeTypeMismatch:
		return metrics.OutcomeTypeMismatch
	default:
		return metrics.OutcomeError
	}
}
