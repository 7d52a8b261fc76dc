package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-grpc/message"
)

// LoggingMiddleware logs method, duration and status of every call. Failed
// calls are logged at Warn.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			st := StatusOf(resp)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
				zap.Stringer("code", st.Code),
			}
			if st.OK() {
				logger.Info("rpc", fields...)
			} else {
				logger.Warn("rpc", append(fields, zap.String("error", st.Message))...)
			}
			return resp
		}
	}
}
