// Package client is the per-service façade that generated service clients
// build on. It owns the attached channels, spreads calls over them and makes
// identical server-stream subscriptions share one handle.
package client

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"mini-grpc/call"
	"mini-grpc/channel"
	"mini-grpc/dispatch"
	"mini-grpc/status"
)

type Client struct {
	service string
	loop    *dispatch.Loop
	logger  *zap.Logger

	mu       sync.Mutex
	channels []channel.Channel
	subs     map[subKey]*call.Subscription
	onError  []func(status.Status)

	next atomic.Uint64
}

type Option func(*Client)

// WithLoop binds the client to l. Attached channels must share it and handles
// created through the client deliver on it unless the call context carries
// another loop.
func WithLoop(l *dispatch.Loop) Option {
	return func(c *Client) { c.loop = l }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(service string, opts ...Option) *Client {
	c := &Client{
		service: service,
		logger:  zap.NewNop(),
		subs:    make(map[subKey]*call.Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.loop == nil {
		c.loop = dispatch.Default()
	}
	return c
}

func (c *Client) Service() string {
	return c.service
}

func (c *Client) Loop() *dispatch.Loop {
	return c.loop
}

// Method describes a method of the client's service.
func (c *Client) Method(name string, kind call.Kind, request, response string) call.Method {
	return call.Method{Service: c.service, Name: name, Request: request, Response: response, Kind: kind}
}

// AttachChannel adds ch to the channels calls are spread over. Attaching a
// channel created for another loop, or one already owned by another client,
// is a programming error and panics.
func (c *Client) AttachChannel(ch channel.Channel) {
	if ch.Loop() != c.loop {
		panic(fmt.Sprintf("client: channel belongs to loop %q, client %s runs on %q", ch.Loop().Name(), c.service, c.loop.Name()))
	}
	if !ch.Attach(c) {
		panic(fmt.Sprintf("client: channel is already attached to another client than %s", c.service))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.channels {
		if existing == ch {
			return
		}
	}
	c.channels = append(c.channels, ch)
}

// DetachChannel releases ch. Calls already running on it are not affected.
func (c *Client) DetachChannel(ch channel.Channel) {
	c.mu.Lock()
	for i, existing := range c.channels {
		if existing == ch {
			c.channels = append(c.channels[:i], c.channels[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	ch.Detach(c)
}

func (c *Client) Channels() []channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]channel.Channel(nil), c.channels...)
}

// OnError registers fn for the client's error stream. It runs on the client
// loop for every non-OK status of a call made through the client.
func (c *Client) OnError(fn func(status.Status)) {
	c.mu.Lock()
	c.onError = append(c.onError, fn)
	c.mu.Unlock()
}

func (c *Client) emitError(st status.Status) {
	c.logger.Debug("call failed", zap.String("service", c.service), zap.Stringer("status", st))
	c.mu.Lock()
	fns := slices.Clone(c.onError)
	c.mu.Unlock()
	for _, fn := range fns {
		c.loop.Post(func() { fn(st) })
	}
}

func (c *Client) pick() channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[int(c.next.Add(1)-1)%len(c.channels)]
}

// bind makes handles deliver on the client loop unless ctx names a loop.
func (c *Client) bind(ctx context.Context) (context.Context, *dispatch.Loop) {
	if l := dispatch.FromContext(ctx); l != nil {
		return ctx, l
	}
	return dispatch.WithLoop(ctx, c.loop), c.loop
}

func serialize(req call.Marshaler) ([]byte, status.Status) {
	if req == nil {
		return nil, status.Status{}
	}
	b, err := req.Marshal()
	if err != nil {
		return nil, status.Newf(status.Internal, "serialize request: %v", err)
	}
	return b, status.Status{}
}

// Call runs m and blocks until it ends. On OK the response is decoded into
// out; out is left untouched otherwise. Use a context deadline to bound the
// wait.
func (c *Client) Call(ctx context.Context, m call.Method, req call.Marshaler, out call.Unmarshaler) status.Status {
	data, st := serialize(req)
	if !st.OK() {
		c.emitError(st)
		return st
	}
	ch := c.pick()
	if ch == nil {
		st = status.New(status.Unknown, status.NoChannelMessage)
		c.emitError(st)
		return st
	}

	resp, st := ch.Call(ctx, m, data)
	if !st.OK() {
		c.emitError(st)
		return st
	}
	if out != nil {
		if err := out.Unmarshal(resp); err != nil {
			st = status.Newf(status.Internal, "deserialize response: %v", err)
			c.emitError(st)
		}
	}
	return st
}

// CallAsync starts m and returns its reply right away.
func (c *Client) CallAsync(ctx context.Context, m call.Method, req call.Marshaler) *call.Reply {
	ctx, loop := c.bind(ctx)
	data, st := serialize(req)
	if st.OK() {
		if ch := c.pick(); ch != nil {
			r := ch.CallAsync(ctx, m, data)
			r.OnError(c.emitError)
			return r
		}
		st = status.New(status.Unknown, status.NoChannelMessage)
	}
	c.emitError(st)
	return call.FailedReply(loop, m, st)
}

// CallFunc starts m and runs fn with the reply once it finished.
func (c *Client) CallFunc(ctx context.Context, m call.Method, req call.Marshaler, fn func(*call.Reply)) {
	r := c.CallAsync(ctx, m, req)
	r.OnFinished(func() { fn(r) })
}

// subKey identifies a shareable stream. Holders on different loops get
// separate streams so each sees callbacks on its own loop.
type subKey struct {
	id   call.Identity
	loop *dispatch.Loop
}

// Subscribe opens the server stream m. While a subscription for the same
// method, request bytes and loop is still active it is returned again,
// retained for the new holder; otherwise a new stream is opened.
//
// Each holder lets go by calling Release or by its ctx ending, not both. The
// stream is canceled once no holder is left.
func (c *Client) Subscribe(ctx context.Context, m call.Method, req call.Marshaler) *call.Subscription {
	ctx, loop := c.bind(ctx)
	data, st := serialize(req)
	if !st.OK() {
		c.emitError(st)
		return call.FailedSubscription(loop, m, st)
	}
	key := subKey{id: call.IdentityOf(m, data), loop: loop}

	if s := c.share(ctx, key); s != nil {
		c.logger.Debug("subscription shared", zap.String("method", m.Path()), zap.Stringer("id", s.ID()))
		return s
	}

	ch := c.pick()
	if ch == nil {
		st = status.New(status.Unknown, status.NoChannelMessage)
		c.emitError(st)
		return call.FailedSubscription(loop, m, st)
	}

	c.mu.Lock()
	// another goroutine may have opened the same stream meanwhile
	if s, ok := c.subs[key]; ok && s.TryRetain() {
		c.mu.Unlock()
		holdUntil(ctx, s)
		return s
	}
	s := ch.Subscribe(context.WithoutCancel(ctx), m, data)
	c.subs[key] = s
	c.mu.Unlock()

	holdUntil(ctx, s)
	s.OnError(c.emitError)
	go func() {
		<-s.Done()
		c.mu.Lock()
		if c.subs[key] == s {
			delete(c.subs, key)
		}
		c.mu.Unlock()
	}()
	return s
}

func (c *Client) share(ctx context.Context, key subKey) *call.Subscription {
	c.mu.Lock()
	s, ok := c.subs[key]
	if !ok || !s.TryRetain() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	holdUntil(ctx, s)
	return s
}

// holdUntil drops one hold on s when ctx ends before s does.
func holdUntil(ctx context.Context, s *call.Subscription) {
	if ctx.Done() == nil {
		return
	}
	stop := context.AfterFunc(ctx, s.Release)
	go func() {
		<-s.Done()
		stop()
	}()
}

// SubscribeInto is Subscribe that decodes every delivered update into out.
func (c *Client) SubscribeInto(ctx context.Context, m call.Method, req call.Marshaler, out call.Unmarshaler) *call.Subscription {
	s := c.Subscribe(ctx, m, req)
	s.OnUpdated(func() {
		if err := s.Read(out); err != nil {
			c.logger.Warn("decode update", zap.String("method", m.Path()), zap.Error(err))
		}
	})
	return s
}
