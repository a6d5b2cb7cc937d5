// Package channel carries bridge calls between a host and the bridge.
//
// A connection exchanges [Envelope] values in both directions. The host sends
// calls (an ID and a method); the bridge answers each call with a reply
// carrying the same ID, and sends notifications (a method and ID zero) at any
// time. Two transports are provided: a CBOR stream over a Unix socket
// ([SocketServer]) and a bidirectional gRPC stream of protobuf Structs
// ([GRPCServer]).
package channel

import (
	"context"
	"errors"
)

// Envelope is one message on a channel connection.
type Envelope struct {
	ID             uint64     `cbor:"id,omitempty"`
	Method         string     `cbor:"method,omitempty"`
	Arguments      any        `cbor:"arguments"`
	Result         any        `cbor:"result"`
	Error          *WireError `cbor:"error,omitempty"`
	NotImplemented bool       `cbor:"notImplemented,omitempty"`
}

// IsCall reports whether e is a host call.
func (e Envelope) IsCall() bool { return e.ID != 0 && e.Method != "" }

// IsReply reports whether e answers a call.
func (e Envelope) IsReply() bool { return e.ID != 0 && e.Method == "" }

// IsNotification reports whether e is an unsolicited bridge message.
func (e Envelope) IsNotification() bool { return e.ID == 0 && e.Method != "" }

// WireError is the error half of a reply.
type WireError struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

func (e *WireError) Error() string { return e.Code + ": " + e.Message }

// CodeError is reported for failures that carry no code of their own.
const CodeError = "ERROR"

// Handler answers host calls.
type Handler interface {
	Handle(ctx context.Context, method string, args any) (any, error)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, method string, args any) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, args any) (any, error) {
	return f(ctx, method, args)
}

type codedError interface {
	WireCode() string
	WireMessage() string
}

type notImplemented interface {
	NotImplemented() bool
}

// replyFor builds the reply to call id from a handler outcome.
func replyFor(id uint64, result any, err error) Envelope {
	reply := Envelope{ID: id}
	if err == nil {
		reply.Result = result
		return reply
	}

	var ni notImplemented
	if errors.As(err, &ni) && ni.NotImplemented() {
		reply.NotImplemented = true
		return reply
	}
	var coded codedError
	if errors.As(err, &coded) {
		reply.Error = &WireError{Code: coded.WireCode(), Message: coded.WireMessage()}
		return reply
	}
	reply.Error = &WireError{Code: CodeError, Message: err.Error()}
	return reply
}
