// Package status defines the result of every call: a gRPC status code plus a
// human-readable message.
//
// Codes are the grpc-go codes, so transport-native codes pass through unchanged
// whichever channel produced them.
package status

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Code is a gRPC status code.
type Code = codes.Code

const (
	OK                 = codes.OK
	Canceled           = codes.Canceled
	Unknown            = codes.Unknown
	InvalidArgument    = codes.InvalidArgument
	DeadlineExceeded   = codes.DeadlineExceeded
	NotFound           = codes.NotFound
	ResourceExhausted  = codes.ResourceExhausted
	FailedPrecondition = codes.FailedPrecondition
	Aborted            = codes.Aborted
	Unimplemented      = codes.Unimplemented
	Internal           = codes.Internal
	Unavailable        = codes.Unavailable
	Unauthenticated    = codes.Unauthenticated
)

// NoChannelMessage is reported when a client issues a call without any channel.
const NoChannelMessage = "No channel(s) attached."

// Status is produced at the end of every call, successful or not.
type Status struct {
	Code    Code
	Message string
}

// New returns a Status with the given code and message.
func New(c Code, msg string) Status {
	return Status{Code: c, Message: msg}
}

// Newf returns a Status with a formatted message.
func Newf(c Code, format string, a ...any) Status {
	return Status{Code: c, Message: fmt.Sprintf(format, a...)}
}

// OK reports whether the status code is OK.
func (s Status) OK() bool {
	return s.Code == OK
}

// Err returns nil for an OK status and an *Error otherwise.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return &Error{s: s}
}

func (s Status) String() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Error wraps a non-OK Status as a Go error. Server handlers return it to choose
// the status code sent to the client.
type Error struct {
	s Status
}

func (e *Error) Error() string {
	return "rpc error: " + e.s.String()
}

// Status returns the wrapped status.
func (e *Error) Status() Status {
	return e.s
}

// GRPCStatus lets grpc-go translate the error when it crosses a gRPC server.
func (e *Error) GRPCStatus() *grpcstatus.Status {
	return grpcstatus.New(e.s.Code, e.s.Message)
}

// Errorf returns an error carrying the given code and formatted message.
func Errorf(c Code, format string, a ...any) error {
	return Newf(c, format, a...).Err()
}

// FromError recovers the Status of err. nil maps to OK, context errors map to
// Canceled and DeadlineExceeded, grpc errors keep their code, anything else is
// Unknown.
func FromError(err error) Status {
	if err == nil {
		return Status{Code: OK}
	}
	var se *Error
	if errors.As(err, &se) {
		return se.s
	}
	if errors.Is(err, context.Canceled) {
		return New(Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(DeadlineExceeded, err.Error())
	}
	if gs, ok := grpcstatus.FromError(err); ok {
		return New(gs.Code(), gs.Message())
	}
	return New(Unknown, err.Error())
}
