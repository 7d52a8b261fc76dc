package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mini-grpc/message"
	"mini-grpc/status"
)

const testMethod = "/test.Echo/Echo"

func echoHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       []byte("ok"),
	}
}

func slowHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func failingHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	return Reply(req.ServiceMethod, status.New(status.Internal, "boom"))
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	handler := LoggingMiddleware(logger)(echoHandler)
	resp := handler(context.Background(), &message.RPCMessage{ServiceMethod: testMethod})
	if string(resp.Payload) != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", string(resp.Payload))
	}

	LoggingMiddleware(logger)(failingHandler)(context.Background(), &message.RPCMessage{ServiceMethod: testMethod})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expect 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].ContextMap()["method"] != testMethod {
		t.Fatalf("unexpected success entry %+v", entries[0])
	}
	if entries[1].Level != zapcore.WarnLevel || entries[1].ContextMap()["error"] != "boom" {
		t.Fatalf("unexpected failure entry %+v", entries[1])
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeoutMiddleware(500 * time.Millisecond)(echoHandler)
	resp := handler(context.Background(), &message.RPCMessage{ServiceMethod: testMethod})
	if st := StatusOf(resp); !st.OK() {
		t.Fatalf("expect OK, got %s", st)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeoutMiddleware(50 * time.Millisecond)(slowHandler)
	resp := handler(context.Background(), &message.RPCMessage{ServiceMethod: testMethod})
	st := StatusOf(resp)
	if st.Code != status.DeadlineExceeded || st.Message != "request timed out" {
		t.Fatalf("expect timeout status, got %s", st)
	}
}

func TestRateLimit(t *testing.T) {
	// 1 per second with burst 2: two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := &message.RPCMessage{ServiceMethod: testMethod}

	for i := 0; i < 2; i++ {
		if st := StatusOf(handler(context.Background(), req)); !st.OK() {
			t.Fatalf("request %d should pass, got %s", i, st)
		}
	}
	st := StatusOf(handler(context.Background(), req))
	if st.Code != status.ResourceExhausted {
		t.Fatalf("request 3 should be rate limited, got %s", st)
	}
}

func TestRetryOnUnavailable(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		if calls.Add(1) < 3 {
			return Reply(req.ServiceMethod, status.New(status.Unavailable, "backend down"))
		}
		return echoHandler(ctx, req)
	}

	resp := RetryMiddleware(3, time.Millisecond, nil)(flaky)(context.Background(), &message.RPCMessage{ServiceMethod: testMethod})
	if st := StatusOf(resp); !st.OK() {
		t.Fatalf("expect success after retries, got %s", st)
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 3 attempts, got %d", calls.Load())
	}

	calls.Store(0)
	resp = RetryMiddleware(3, time.Millisecond, nil)(failingHandler)(context.Background(), &message.RPCMessage{ServiceMethod: testMethod})
	if StatusOf(resp).Code != status.Internal {
		t.Fatalf("non-retryable status must pass through, got %s", StatusOf(resp))
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	handler := Chain(mark("A"), mark("B"), TimeoutMiddleware(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), &message.RPCMessage{ServiceMethod: testMethod})
	if st := StatusOf(resp); !st.OK() {
		t.Fatalf("expect OK, got %s", st)
	}

	want := []string{"A.before", "B.before", "B.after", "A.after"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expect %v, got %v", want, order)
		}
	}
}
