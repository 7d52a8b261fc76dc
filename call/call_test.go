package call

import (
	"context"
	"testing"
	"time"

	"mini-grpc/dispatch"
	"mini-grpc/status"
)

type text struct{ s string }

func (t *text) Unmarshal(b []byte) error {
	t.s = string(b)
	return nil
}

var (
	unary  = Method{Service: "test.Echo", Name: "Echo", Request: "Text", Response: "Text", Kind: Unary}
	stream = Method{Service: "test.Echo", Name: "Stream", Request: "Text", Response: "Text", Kind: ServerStream}
)

func TestMethodPathAndIdentity(t *testing.T) {
	if unary.Path() != "/test.Echo/Echo" {
		t.Fatalf("unexpected path %s", unary.Path())
	}
	a := IdentityOf(stream, []byte("x"))
	b := IdentityOf(stream, []byte("x"))
	c := IdentityOf(stream, []byte("y"))
	d := IdentityOf(unary, []byte("x"))
	if a != b {
		t.Fatal("same method and request must share identity")
	}
	if a == c || a == d {
		t.Fatal("different request or method must not share identity")
	}
}

func TestReplyCompleteDeliversOnLoop(t *testing.T) {
	l := dispatch.NewLoop("test")
	r := NewReply(l, unary, nil)

	finished := 0
	r.OnFinished(func() { finished++ })
	r.OnError(func(status.Status) { t.Error("unexpected error callback") })

	if !r.Complete([]byte("hello")) {
		t.Fatal("Complete lost on an Active reply")
	}
	if finished != 0 {
		t.Fatal("callback ran before the loop processed it")
	}
	l.Process()
	if finished != 1 {
		t.Fatalf("expect one finished callback, got %d", finished)
	}

	var out text
	if err := r.Read(&out); err != nil || out.s != "hello" {
		t.Fatalf("unexpected read %q, %v", out.s, err)
	}
	if r.State() != Finished || !r.Status().OK() {
		t.Fatalf("unexpected state %s / %s", r.State(), r.Status())
	}
}

func TestReplyAbortBeforeResult(t *testing.T) {
	l := dispatch.NewLoop("test")
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReply(l, unary, cancel)

	var got status.Status
	r.OnError(func(st status.Status) { got = st })
	r.Abort()

	if ctx.Err() == nil {
		t.Fatal("abort did not cancel the call context")
	}
	if r.Complete([]byte("late")) {
		t.Fatal("completion after abort must lose")
	}
	l.Process()
	if got.Code != status.Aborted {
		t.Fatalf("expect Aborted, got %s", got)
	}
	if r.State() != Aborted {
		t.Fatalf("expect Aborted state, got %s", r.State())
	}
}

func TestReplyAbortAfterResultIsNoop(t *testing.T) {
	l := dispatch.NewLoop("test")
	r := NewReply(l, unary, nil)
	r.Complete([]byte("kept"))
	r.Abort()
	l.Process()

	var out text
	if err := r.Read(&out); err != nil || out.s != "kept" {
		t.Fatalf("result lost after abort: %q, %v", out.s, err)
	}
	if r.State() != Finished {
		t.Fatalf("expect Finished, got %s", r.State())
	}
}

func TestReplyReadBeforeFinishPanics(t *testing.T) {
	r := NewReply(dispatch.NewLoop("test"), unary, nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expect panic on early read")
		}
	}()
	var out text
	_ = r.Read(&out)
}

func TestReplyLateCallbackIsPosted(t *testing.T) {
	l := dispatch.NewLoop("test")
	r := FailedReply(l, unary, status.New(status.Unknown, "boom"))
	l.Process()

	var got status.Status
	r.OnError(func(st status.Status) { got = st })
	l.Process()
	if got.Message != "boom" {
		t.Fatalf("late error callback got %s", got)
	}
}

func TestReplyReleaseAborts(t *testing.T) {
	l := dispatch.NewLoop("test")
	r := NewReply(l, unary, nil)
	r.Retain()
	r.Release()
	if r.State() != Active {
		t.Fatal("release with another holder must keep the call")
	}
	r.Release()
	if r.State() != Aborted {
		t.Fatalf("expect Aborted after last release, got %s", r.State())
	}
}

func TestReplyWait(t *testing.T) {
	r := NewReply(dispatch.NewLoop("test"), unary, nil)
	go r.Complete([]byte("x"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if st := r.Wait(ctx); !st.OK() {
		t.Fatalf("unexpected status %s", st)
	}

	pending := NewReply(dispatch.NewLoop("test"), unary, nil)
	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	if st := pending.Wait(short); st.Code != status.DeadlineExceeded {
		t.Fatalf("expect DeadlineExceeded, got %s", st)
	}
}

func TestSubscriptionUpdatesCoalesce(t *testing.T) {
	l := dispatch.NewLoop("test")
	s := NewSubscription(l, stream, nil)

	var seen []string
	s.OnUpdated(func() {
		var v text
		_ = s.Read(&v)
		seen = append(seen, v.s)
	})

	s.Update([]byte("1"))
	s.Update([]byte("2"))
	s.Update([]byte("3"))
	l.Process()
	s.Update([]byte("4"))
	l.Process()

	if len(seen) != 2 || seen[0] != "3" || seen[1] != "4" {
		t.Fatalf("expect latest-value delivery [3 4], got %v", seen)
	}
}

func TestSubscriptionFinishDeliversQueuedUpdates(t *testing.T) {
	l := dispatch.NewLoop("test")
	s := NewSubscription(l, stream, nil)

	var order []string
	s.OnUpdated(func() { order = append(order, "updated") })
	s.OnFinished(func() { order = append(order, "finished") })

	s.Update([]byte("a"))
	s.Finish()
	if s.Update([]byte("b")) {
		t.Fatal("update after finish must be dropped")
	}
	l.Process()

	if len(order) != 2 || order[0] != "updated" || order[1] != "finished" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestSubscriptionCancelSuppressesQueuedUpdates(t *testing.T) {
	l := dispatch.NewLoop("test")
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSubscription(l, stream, cancel)

	updates, finished := 0, 0
	s.OnUpdated(func() { updates++ })
	s.OnFinished(func() { finished++ })
	s.OnFinished(func() { finished++ })

	s.Update([]byte("in flight"))
	s.Cancel()
	s.Cancel()
	if ctx.Err() == nil {
		t.Fatal("cancel did not stop the stream context")
	}
	l.Process()

	if updates != 0 {
		t.Fatalf("expect no updates after cancel, got %d", updates)
	}
	if finished != 2 {
		t.Fatalf("expect finished on every holder callback, got %d", finished)
	}
	if s.State() != Finished || !s.Canceled() {
		t.Fatalf("unexpected state %s canceled=%v", s.State(), s.Canceled())
	}
	if s.Fail(status.New(status.Unavailable, "late")) {
		t.Fatal("failure after cancel must lose")
	}
}

func TestSubscriptionFail(t *testing.T) {
	l := dispatch.NewLoop("test")
	s := NewSubscription(l, stream, nil)
	var got status.Status
	s.OnError(func(st status.Status) { got = st })
	s.Update([]byte("x"))
	s.Fail(status.New(status.Unavailable, "connection lost"))
	l.Process()
	if got.Code != status.Unavailable {
		t.Fatalf("expect Unavailable, got %s", got)
	}
	if s.State() != Error {
		t.Fatalf("expect Error state, got %s", s.State())
	}
}

func TestSubscriptionReleaseCancels(t *testing.T) {
	l := dispatch.NewLoop("test")
	s := NewSubscription(l, stream, nil)
	s.Release()
	if s.State() != Finished || !s.Canceled() {
		t.Fatalf("expect canceled subscription, got %s", s.State())
	}
}

func TestHandlesDeliverOnLoopGoroutine(t *testing.T) {
	l := dispatch.NewLoop("worker")
	l.Start()
	defer l.Quit()

	owner := make(chan bool, 1)
	marker := make(chan struct{})
	l.Post(func() { close(marker) })
	<-marker

	inLoop := make(chan struct{}, 1)
	r := NewReply(l, unary, nil)
	r.OnFinished(func() {
		// Posting from inside a callback and seeing it run proves we are on the loop.
		l.Post(func() { inLoop <- struct{}{} })
		owner <- true
	})
	go r.Complete(nil)

	select {
	case <-owner:
	case <-time.After(time.Second):
		t.Fatal("finished not delivered")
	}
	select {
	case <-inLoop:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after callback")
	}
}

func TestTryRetain(t *testing.T) {
	s := NewSubscription(dispatch.NewLoop("test"), stream, nil)
	if !s.TryRetain() {
		t.Fatal("an active held subscription should accept a new holder")
	}
	s.Release()
	if s.State() != Active {
		t.Fatal("one holder left, subscription should stay active")
	}

	s.Release()
	if s.TryRetain() {
		t.Fatalf("retained a subscription after its last holder left (%s)", s.State())
	}

	done := NewSubscription(dispatch.NewLoop("test"), stream, nil)
	done.Finish()
	if done.TryRetain() {
		t.Fatal("retained a finished subscription")
	}
}
