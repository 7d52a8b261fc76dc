// Package middleware wraps server-side unary handlers.
//
// Chain(A, B, C)(handler) builds A(B(C(handler))), so A sees the request
// first and the response last.
package middleware

import (
	"context"

	"mini-grpc/message"
	"mini-grpc/status"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// StatusOf reads the status carried by a response envelope.
func StatusOf(resp *message.RPCMessage) status.Status {
	if resp == nil {
		return status.New(status.Internal, "nil response")
	}
	return status.New(status.Code(resp.Code), resp.Error)
}

// Reply builds an error envelope for method.
func Reply(method string, st status.Status) *message.RPCMessage {
	return &message.RPCMessage{ServiceMethod: method, Code: uint32(st.Code), Error: st.Message}
}
