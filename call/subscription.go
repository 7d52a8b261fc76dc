package call

import (
	"context"

	"mini-grpc/dispatch"
	"mini-grpc/status"
)

// Subscription is the handle of a server stream. Each update replaces the
// latest value; while one update notification is queued further updates only
// swap the value, so slow consumers see the newest data and skip the rest.
type Subscription struct {
	handle
	latest   []byte
	pending  bool // an update notification is queued on the loop
	canceled bool
	updated  []func()
}

func NewSubscription(loop *dispatch.Loop, m Method, cancel context.CancelFunc) *Subscription {
	s := &Subscription{}
	s.init(loop, m, cancel, s.Cancel)
	return s
}

// FailedSubscription returns a subscription already in Error with st.
func FailedSubscription(loop *dispatch.Loop, m Method, st status.Status) *Subscription {
	s := NewSubscription(loop, m, nil)
	s.Fail(st)
	return s
}

// Update records one inbound message.
func (s *Subscription) Update(data []byte) bool {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return false
	}
	s.latest = data
	if s.pending {
		s.mu.Unlock()
		return true
	}
	s.pending = true
	s.mu.Unlock()

	s.loop.Post(s.deliverUpdate)
	return true
}

func (s *Subscription) deliverUpdate() {
	s.mu.Lock()
	s.pending = false
	if s.canceled {
		s.mu.Unlock()
		return
	}
	fns := s.updated
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Finish ends the stream normally. Updates already queued are delivered first.
func (s *Subscription) Finish() bool {
	return s.transition(Finished, status.New(status.OK, ""), nil)
}

// Fail ends the stream with a non-OK status.
func (s *Subscription) Fail(st status.Status) bool {
	if st.OK() {
		return s.Finish()
	}
	return s.transition(Error, st, nil)
}

// Cancel stops the stream and finishes the subscription for every holder.
// Updates not yet delivered are dropped. Calling it again does nothing.
func (s *Subscription) Cancel() {
	s.transition(Finished, status.New(status.OK, ""), func() {
		s.canceled = true
	})
}

// Canceled reports whether the subscription ended through Cancel.
func (s *Subscription) Canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// OnUpdated registers fn for every delivered update.
func (s *Subscription) OnUpdated(fn func()) {
	s.mu.Lock()
	s.updated = append(s.updated, fn)
	s.mu.Unlock()
}

// Data returns the latest value, or nil before the first update.
func (s *Subscription) Data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Read decodes the latest value into out.
func (s *Subscription) Read(out Unmarshaler) error {
	return out.Unmarshal(s.Data())
}

// Wait blocks until the subscription is terminal or ctx is done.
func (s *Subscription) Wait(ctx context.Context) status.Status {
	return s.wait(ctx)
}
