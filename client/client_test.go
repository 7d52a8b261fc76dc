package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"mini-grpc/call"
	"mini-grpc/channel"
	"mini-grpc/dispatch"
	"mini-grpc/server"
	"mini-grpc/status"
)

type text struct{ s string }

func (t *text) Marshal() ([]byte, error) { return []byte(t.s), nil }
func (t *text) Unmarshal(b []byte) error {
	t.s = string(b)
	return nil
}

// fakeChannel hands out handles and lets the test settle them.
type fakeChannel struct {
	loop *dispatch.Loop

	mu      sync.Mutex
	owner   any
	calls   int
	replies []*call.Reply
	subs    []*call.Subscription
}

func (f *fakeChannel) loopFor(ctx context.Context) *dispatch.Loop {
	if l := dispatch.FromContext(ctx); l != nil {
		return l
	}
	return f.loop
}

func (f *fakeChannel) Call(ctx context.Context, m call.Method, req []byte) ([]byte, status.Status) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if string(req) == "fail" {
		return nil, status.New(status.Internal, "fail")
	}
	return req, status.Status{}
}

func (f *fakeChannel) CallAsync(ctx context.Context, m call.Method, req []byte) *call.Reply {
	r := call.NewReply(f.loopFor(ctx), m, nil)
	f.mu.Lock()
	f.calls++
	f.replies = append(f.replies, r)
	f.mu.Unlock()
	return r
}

func (f *fakeChannel) Subscribe(ctx context.Context, m call.Method, req []byte) *call.Subscription {
	s := call.NewSubscription(f.loopFor(ctx), m, nil)
	f.mu.Lock()
	f.calls++
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return s
}

func (f *fakeChannel) Loop() *dispatch.Loop { return f.loop }

func (f *fakeChannel) Attach(owner any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner != nil && f.owner != owner {
		return false
	}
	f.owner = owner
	return true
}

func (f *fakeChannel) Detach(owner any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner == owner {
		f.owner = nil
	}
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var (
	unary  = call.Method{Service: "test.Echo", Name: "Say", Request: "text", Response: "text"}
	stream = call.Method{Service: "test.Echo", Name: "Count", Request: "text", Response: "text", Kind: call.ServerStream}
)

func newClient() (*Client, *fakeChannel, *dispatch.Loop) {
	loop := dispatch.NewLoop("test")
	c := New("test.Echo", WithLoop(loop))
	ch := &fakeChannel{loop: loop}
	c.AttachChannel(ch)
	return c, ch, loop
}

func TestNoChannelAttached(t *testing.T) {
	loop := dispatch.NewLoop("test")
	c := New("test.Echo", WithLoop(loop))
	var errs []status.Status
	c.OnError(func(st status.Status) { errs = append(errs, st) })

	out := &text{s: "untouched"}
	st := c.Call(context.Background(), unary, &text{s: "x"}, out)
	if st.Code != status.Unknown || st.Message != status.NoChannelMessage {
		t.Fatalf("unexpected status %v", st)
	}
	if out.s != "untouched" {
		t.Fatal("output must not change on failure")
	}

	r := c.CallAsync(context.Background(), unary, &text{s: "x"})
	if r.State() != call.Error || r.Status().Message != status.NoChannelMessage {
		t.Fatalf("expect failed reply, got %s %v", r.State(), r.Status())
	}
	s := c.Subscribe(context.Background(), stream, &text{s: "x"})
	if s.State() != call.Error {
		t.Fatalf("expect failed subscription, got %s", s.State())
	}

	loop.Process()
	if len(errs) != 3 {
		t.Fatalf("expect 3 client errors, got %v", errs)
	}
}

func TestClientCall(t *testing.T) {
	c, _, loop := newClient()
	var errs []status.Status
	c.OnError(func(st status.Status) { errs = append(errs, st) })

	out := &text{}
	if st := c.Call(context.Background(), unary, &text{s: "Hello beach!"}, out); !st.OK() || out.s != "Hello beach!" {
		t.Fatalf("unexpected result %q, %v", out.s, st)
	}

	out = &text{s: "untouched"}
	if st := c.Call(context.Background(), unary, &text{s: "fail"}, out); st.Code != status.Internal {
		t.Fatalf("expect Internal, got %v", st)
	}
	if out.s != "untouched" {
		t.Fatal("output must not change on failure")
	}
	loop.Process()
	if len(errs) != 1 || errs[0].Code != status.Internal {
		t.Fatalf("unexpected client errors %v", errs)
	}
}

func TestCallAsyncAbortReportsAborted(t *testing.T) {
	c, _, loop := newClient()
	var clientErr status.Status
	c.OnError(func(st status.Status) { clientErr = st })

	r := c.CallAsync(context.Background(), unary, &text{s: "x"})
	if r.Loop() != loop {
		t.Fatal("reply should deliver on the client loop")
	}
	var handleErr status.Status
	r.OnError(func(st status.Status) { handleErr = st })
	r.Abort()
	loop.Process()
	loop.Process()

	if handleErr.Code != status.Aborted || clientErr.Code != status.Aborted {
		t.Fatalf("expect Aborted on handle and client, got %v / %v", handleErr, clientErr)
	}
}

func TestCallFunc(t *testing.T) {
	c, ch, loop := newClient()
	var got string
	c.CallFunc(context.Background(), unary, &text{s: "x"}, func(r *call.Reply) {
		var out text
		if err := r.Read(&out); err != nil {
			t.Error(err)
		}
		got = out.s
	})
	ch.replies[0].Complete([]byte("done"))
	loop.Process()
	if got != "done" {
		t.Fatalf("callback got %q", got)
	}
}

func TestContextLoopWins(t *testing.T) {
	c, _, _ := newClient()
	other := dispatch.NewLoop("other")
	r := c.CallAsync(dispatch.WithLoop(context.Background(), other), unary, &text{s: "x"})
	if r.Loop() != other {
		t.Fatal("reply should deliver on the loop carried by the context")
	}
}

func TestSubscribeDedup(t *testing.T) {
	c, ch, loop := newClient()

	a := c.Subscribe(context.Background(), stream, &text{s: "Stream"})
	b := c.Subscribe(context.Background(), stream, &text{s: "Stream"})
	if a != b {
		t.Fatal("identical subscriptions should share one handle")
	}
	if d := c.Subscribe(context.Background(), stream, &text{s: "Other"}); d == a {
		t.Fatal("different requests must not share a handle")
	}
	if ch.count() != 2 {
		t.Fatalf("expect 2 streams opened, got %d", ch.count())
	}

	a.Finish()
	loop.Process()

	e := c.Subscribe(context.Background(), stream, &text{s: "Stream"})
	if e == a {
		t.Fatal("a finished subscription must not be reused")
	}
	if ch.count() != 3 {
		t.Fatalf("expect a new stream, got %d", ch.count())
	}
}

func TestSubscriptionCancelFansOut(t *testing.T) {
	c, _, loop := newClient()

	a := c.Subscribe(context.Background(), stream, &text{s: "Stream"})
	b := c.Subscribe(context.Background(), stream, &text{s: "Stream"})

	var finishedA, finishedB, updates int
	a.OnFinished(func() { finishedA++ })
	b.OnFinished(func() { finishedB++ })
	a.OnUpdated(func() { updates++ })
	b.OnUpdated(func() { updates++ })

	a.Update([]byte("in flight"))
	b.Cancel()
	a.Cancel()
	loop.Process()

	if finishedA != 1 || finishedB != 1 {
		t.Fatalf("every holder should see finished once, got %d/%d", finishedA, finishedB)
	}
	if updates != 0 {
		t.Fatalf("updates after cancel must be dropped, got %d", updates)
	}
}

func TestSubscriptionReleasedByAllHolders(t *testing.T) {
	c, _, _ := newClient()

	a := c.Subscribe(context.Background(), stream, &text{s: "Stream"})
	c.Subscribe(context.Background(), stream, &text{s: "Stream"})

	a.Release()
	if a.State() != call.Active {
		t.Fatal("one holder left, subscription should stay active")
	}
	a.Release()
	if a.State() != call.Finished || !a.Canceled() {
		t.Fatalf("last release should cancel, got %s", a.State())
	}
}

func TestSubscribeInto(t *testing.T) {
	c, ch, loop := newClient()
	out := &text{}
	s := c.SubscribeInto(context.Background(), stream, &text{s: "Stream"}, out)
	ch.subs[0].Update([]byte("Stream1"))
	ch.subs[0].Update([]byte("Stream2"))
	s.Finish()
	loop.Process()
	if out.s != "Stream2" {
		t.Fatalf("expect latest update, got %q", out.s)
	}
}

func TestRoundRobinOverChannels(t *testing.T) {
	c, first, _ := newClient()
	second := &fakeChannel{loop: c.Loop()}
	c.AttachChannel(second)
	if len(c.Channels()) != 2 {
		t.Fatalf("expect 2 channels, got %d", len(c.Channels()))
	}

	for i := 0; i < 4; i++ {
		c.Call(context.Background(), unary, &text{s: "x"}, nil)
	}
	if first.count() != 2 || second.count() != 2 {
		t.Fatalf("calls not spread: %d/%d", first.count(), second.count())
	}

	c.DetachChannel(second)
	if len(c.Channels()) != 1 {
		t.Fatal("detach should remove the channel")
	}
	if !second.Attach(new(int)) {
		t.Fatal("detached channel should be free")
	}
}

func TestAttachChannelMisuse(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: expect panic", name)
			}
		}()
		fn()
	}

	c, ch, _ := newClient()
	other := New("test.Other", WithLoop(c.Loop()))
	mustPanic("second owner", func() { other.AttachChannel(ch) })

	elsewhere := New("test.Echo", WithLoop(dispatch.NewLoop("elsewhere")))
	mustPanic("foreign loop", func() { elsewhere.AttachChannel(&fakeChannel{loop: c.Loop()}) })
}

type Echo struct{}

func (e *Echo) Say(ctx context.Context, req *text, reply *text) error {
	reply.s = req.s
	return nil
}

func (e *Echo) Count(ctx context.Context, req *text, st *server.Stream) error {
	for _, s := range []string{"1", "2", "3"} {
		if err := st.Send(&text{s: req.s + s}); err != nil {
			return err
		}
	}
	return nil
}

func TestClientOverFramedChannel(t *testing.T) {
	svr := server.NewServer()
	if err := svr.RegisterName("test.Echo", &Echo{}); err != nil {
		t.Fatal(err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve(lis)
	defer svr.Shutdown(time.Second)

	loop := dispatch.NewLoop("test")
	ch := channel.NewFramed(lis.Addr().String(), channel.WithLoop(loop))
	defer ch.Close()
	c := New("test.Echo", WithLoop(loop))
	c.AttachChannel(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := &text{}
	if st := c.Call(ctx, unary, &text{s: "Hello beach!"}, out); !st.OK() || out.s != "Hello beach!" {
		t.Fatalf("unexpected result %q, %v", out.s, st)
	}

	latest := &text{}
	s := c.SubscribeInto(ctx, stream, &text{s: "Stream"}, latest)
	if st := s.Wait(ctx); !st.OK() {
		t.Fatal(st)
	}
	loop.Process()
	if latest.s != "Stream3" {
		t.Fatalf("expect last update, got %q", latest.s)
	}
}

func TestSharedSubscriptionOutlivesFirstHolder(t *testing.T) {
	c, ch, _ := newClient()

	ctxA, cancelA := context.WithCancel(context.Background())
	a := c.Subscribe(ctxA, stream, &text{s: "Stream"})
	b := c.Subscribe(context.Background(), stream, &text{s: "Stream"})
	if a != b {
		t.Fatal("identical subscriptions should share one handle")
	}

	cancelA()
	time.Sleep(50 * time.Millisecond)
	if b.State() != call.Active || b.Canceled() {
		t.Fatalf("remaining holder lost the stream: %s canceled=%v", b.State(), b.Canceled())
	}
	if ch.count() != 1 {
		t.Fatalf("expect one stream, got %d", ch.count())
	}

	b.Release()
	if b.State() != call.Finished || !b.Canceled() {
		t.Fatalf("last holder gone, want canceled, got %s", b.State())
	}
}

func TestSubscriptionEndsWithLastHolderContext(t *testing.T) {
	c, _, _ := newClient()

	ctx, cancel := context.WithCancel(context.Background())
	s := c.Subscribe(ctx, stream, &text{s: "Stream"})
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription outlived its only holder")
	}
	if !s.Canceled() {
		t.Fatalf("want canceled, got %s", s.State())
	}
}

func TestSubscribeSharesOnlyWithinLoop(t *testing.T) {
	c, ch, _ := newClient()
	other := dispatch.NewLoop("other")

	a := c.Subscribe(context.Background(), stream, &text{s: "Stream"})
	b := c.Subscribe(dispatch.WithLoop(context.Background(), other), stream, &text{s: "Stream"})
	if a == b {
		t.Fatal("holders on different loops must not share a handle")
	}
	if b.Loop() != other {
		t.Fatal("handle should deliver on the caller's loop")
	}
	if ch.count() != 2 {
		t.Fatalf("expect 2 streams, got %d", ch.count())
	}
}

func TestReleasedSubscriptionIsNotShared(t *testing.T) {
	c, ch, _ := newClient()

	a := c.Subscribe(context.Background(), stream, &text{s: "Stream"})
	a.Release()
	b := c.Subscribe(context.Background(), stream, &text{s: "Stream"})
	if a == b {
		t.Fatal("a subscription whose holders are gone must not be handed out")
	}
	if b.State() != call.Active || ch.count() != 2 {
		t.Fatalf("want a fresh stream, got %s after %d streams", b.State(), ch.count())
	}
}
