package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-grpc/message"
	"mini-grpc/status"
)

// RetryMiddleware re-runs a handler that reports Unavailable, backing off
// exponentially from baseDelay. It is meant for handlers that proxy to a
// flaky backend; the client core itself never retries.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if StatusOf(resp).Code != status.Unavailable {
					return resp
				}
				logger.Debug("retrying", zap.String("method", req.ServiceMethod), zap.Int("attempt", i+1))
				select {
				case <-time.After(baseDelay << i):
				case <-ctx.Done():
					return Reply(req.ServiceMethod, status.FromError(ctx.Err()))
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
