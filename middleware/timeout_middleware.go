package middleware

import (
	"context"
	"time"

	"mini-grpc/message"
	"mini-grpc/status"
)

// TimeoutMiddleware answers DeadlineExceeded when the handler runs longer than
// timeout. The handler's context is canceled at that point.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				st := status.FromError(ctx.Err())
				if st.Code == status.DeadlineExceeded {
					st.Message = "request timed out"
				}
				return Reply(req.ServiceMethod, st)
			}
		}
	}
}
