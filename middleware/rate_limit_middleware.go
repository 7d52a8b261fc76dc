package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-grpc/message"
	"mini-grpc/status"
)

// RateLimitMiddleware rejects calls beyond r per second (token bucket with
// the given burst) with ResourceExhausted.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return Reply(req.ServiceMethod, status.New(status.ResourceExhausted, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
