package server

import (
	"context"

	"mini-grpc/call"
)

// Stream is handed to server-stream methods to push updates to the caller.
type Stream struct {
	ctx  context.Context
	send func(payload []byte) error
}

// Context is canceled when the client cancels the call or disconnects.
func (s *Stream) Context() context.Context {
	return s.ctx
}

// Send marshals m and writes it as one update.
func (s *Stream) Send(m call.Marshaler) error {
	b, err := m.Marshal()
	if err != nil {
		return err
	}
	return s.SendBytes(b)
}

// SendBytes writes an already-serialized update.
func (s *Stream) SendBytes(payload []byte) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	return s.send(payload)
}

type streamKey struct{}

func withStream(ctx context.Context, s *Stream) context.Context {
	return context.WithValue(ctx, streamKey{}, s)
}

func streamFrom(ctx context.Context) *Stream {
	s, _ := ctx.Value(streamKey{}).(*Stream)
	return s
}

type metadataKey struct{}

// MetadataFromContext returns the request metadata (call credentials and
// headers) of the call being served.
func MetadataFromContext(ctx context.Context) map[string]string {
	md, _ := ctx.Value(metadataKey{}).(map[string]string)
	return md
}

func withMetadata(ctx context.Context, md map[string]string) context.Context {
	if len(md) == 0 {
		return ctx
	}
	return context.WithValue(ctx, metadataKey{}, md)
}
