// Package channel runs calls against one remote endpoint.
//
// A Channel takes fully serialized requests keyed by a call.Method and
// produces raw response bytes plus a status. Network I/O happens on goroutines
// owned by the channel; results reach callers through call.Reply and
// call.Subscription handles that deliver on a dispatch.Loop. Handles use the
// loop carried by the context (dispatch.WithLoop) and fall back to the
// channel's own loop.
//
// Two implementations exist: Framed speaks the framed TCP protocol of the
// server package, GRPC speaks HTTP/2 gRPC through grpc-go.
package channel

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mini-grpc/call"
	"mini-grpc/dispatch"
	"mini-grpc/status"
)

type Channel interface {
	// Call blocks until the response arrives or ctx is done.
	Call(ctx context.Context, m call.Method, req []byte) ([]byte, status.Status)
	// CallAsync returns immediately; the reply finishes on its loop.
	CallAsync(ctx context.Context, m call.Method, req []byte) *call.Reply
	// Subscribe opens a server stream.
	Subscribe(ctx context.Context, m call.Method, req []byte) *call.Subscription

	// Loop is the loop the channel was created for.
	Loop() *dispatch.Loop
	// Attach claims the channel for owner. It fails if another owner holds it.
	Attach(owner any) bool
	Detach(owner any)

	// Close tears down the connection; outstanding calls fail.
	Close() error
}

// base carries what both channel kinds share.
type base struct {
	opts options

	mu    sync.Mutex
	owner any
}

func newBase(opts []Option) base {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.loop == nil {
		o.loop = dispatch.Default()
	}
	return base{opts: o}
}

func (b *base) Loop() *dispatch.Loop {
	return b.opts.loop
}

func (b *base) Attach(owner any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.owner != nil && b.owner != owner {
		return false
	}
	b.owner = owner
	return true
}

func (b *base) Detach(owner any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.owner == owner {
		b.owner = nil
	}
}

func (b *base) loopFor(ctx context.Context) *dispatch.Loop {
	if l := dispatch.FromContext(ctx); l != nil {
		return l
	}
	return b.opts.loop
}

// limit waits for the client-side rate limiter, if any.
func (b *base) limit(ctx context.Context) status.Status {
	if b.opts.limiter == nil {
		return status.Status{}
	}
	if err := b.opts.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return status.FromError(ctx.Err())
		}
		return status.New(status.ResourceExhausted, err.Error())
	}
	return status.Status{}
}

type callFunc func(ctx context.Context, m call.Method, req []byte) ([]byte, status.Status)

// callAsync runs fn on its own goroutine and settles the reply. A done ctx
// aborts the reply, whether the caller canceled it or Abort did.
func (b *base) callAsync(ctx context.Context, m call.Method, req []byte, fn callFunc) *call.Reply {
	ctx, cancel := context.WithCancel(ctx)
	r := call.NewReply(b.loopFor(ctx), m, cancel)
	b.opts.logger.Debug("call started", zap.String("method", m.Path()), zap.Stringer("id", r.ID()))

	go func() {
		data, st := fn(ctx, m, req)
		switch {
		case st.OK():
			r.Complete(data)
		case ctx.Err() != nil:
			r.Abort()
		default:
			r.Fail(st)
		}
		b.opts.logger.Debug("call ended", zap.String("method", m.Path()),
			zap.Stringer("id", r.ID()), zap.Stringer("state", r.State()), zap.Stringer("status", r.Status()))
	}()
	return r
}

// streamFunc feeds s until the stream ends and returns the final status.
type streamFunc func(ctx context.Context, m call.Method, req []byte, s *call.Subscription) status.Status

// subscribe runs fn detached from the caller's cancellation; the caller's ctx
// ending only drops its hold, so a stream shared by other holders keeps going.
func (b *base) subscribe(ctx context.Context, m call.Method, req []byte, fn streamFunc) *call.Subscription {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := call.NewSubscription(b.loopFor(ctx), m, cancel)
	b.opts.logger.Debug("stream started", zap.String("method", m.Path()), zap.Stringer("id", s.ID()))
	stop := context.AfterFunc(ctx, s.Release)

	go func() {
		st := fn(streamCtx, m, req, s)
		stop()
		if streamCtx.Err() != nil {
			s.Cancel()
		} else {
			s.Fail(st)
		}
		b.opts.logger.Debug("stream ended", zap.String("method", m.Path()),
			zap.Stringer("id", s.ID()), zap.Stringer("state", s.State()), zap.Stringer("status", s.Status()))
	}()
	return s
}

// limiterFor builds the limiter behind WithRateLimit.
func limiterFor(r float64, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}
