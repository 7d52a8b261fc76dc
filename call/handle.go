package call

import (
	"context"
	"fmt"
	"sync"

	uuid "github.com/satori/go.uuid"

	"mini-grpc/dispatch"
	"mini-grpc/status"
)

// State of a handle. Everything but Active is terminal.
type State int32

const (
	Active State = iota
	Finished
	Error
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Finished:
		return "finished"
	case Error:
		return "error"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// handle is the part shared by Reply and Subscription.
type handle struct {
	id     uuid.UUID
	method Method
	loop   *dispatch.Loop

	mu        sync.Mutex
	state     State
	status    status.Status
	cancel    context.CancelFunc
	refs      int
	delivered bool // terminal notification has run on the loop
	finished  []func()
	errored   []func(status.Status)
	done      chan struct{}

	// lastRelease runs when Release drops the count to zero on an Active handle.
	lastRelease func()
}

func (h *handle) init(loop *dispatch.Loop, m Method, cancel context.CancelFunc, lastRelease func()) {
	if loop == nil {
		loop = dispatch.Default()
	}
	h.id, _ = uuid.NewV4()
	h.method = m
	h.loop = loop
	h.cancel = cancel
	h.refs = 1
	h.done = make(chan struct{})
	h.lastRelease = lastRelease
}

func (h *handle) ID() uuid.UUID {
	return h.id
}

func (h *handle) Method() Method {
	return h.method
}

// Loop is where the handle's callbacks run.
func (h *handle) Loop() *dispatch.Loop {
	return h.loop
}

func (h *handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Status is the final status, or OK while Active.
func (h *handle) Status() status.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed on the terminal transition, before callbacks are delivered.
func (h *handle) Done() <-chan struct{} {
	return h.done
}

// OnFinished registers fn for the Finished transition. Registering after the
// notification was delivered posts fn right away.
func (h *handle) OnFinished(fn func()) {
	h.mu.Lock()
	late := h.delivered && h.state == Finished
	if !late {
		h.finished = append(h.finished, fn)
	}
	h.mu.Unlock()
	if late {
		h.loop.Post(fn)
	}
}

// OnError registers fn for the Error and Aborted transitions.
func (h *handle) OnError(fn func(status.Status)) {
	h.mu.Lock()
	late := h.delivered && (h.state == Error || h.state == Aborted)
	st := h.status
	if !late {
		h.errored = append(h.errored, fn)
	}
	h.mu.Unlock()
	if late {
		h.loop.Post(func() { fn(st) })
	}
}

// Retain adds a holder.
func (h *handle) Retain() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// TryRetain adds a holder only while the handle is Active and still held. It
// reports whether the caller now holds the handle.
func (h *handle) TryRetain() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 || h.state != Active {
		return false
	}
	h.refs++
	return true
}

// Release drops a holder. Dropping the last one while Active terminates the call.
func (h *handle) Release() {
	h.mu.Lock()
	if h.refs > 0 {
		h.refs--
	}
	last := h.refs == 0 && h.state == Active
	h.mu.Unlock()
	if last && h.lastRelease != nil {
		h.lastRelease()
	}
}

// transition moves the handle from Active to state. set runs under the lock
// when the transition wins. It reports whether it won.
func (h *handle) transition(state State, st status.Status, set func()) bool {
	h.mu.Lock()
	if h.state != Active {
		h.mu.Unlock()
		return false
	}
	h.state = state
	h.status = st
	if set != nil {
		set()
	}
	cancel := h.cancel
	h.cancel = nil
	// queued before done closes, so a waiter that then drains the loop sees it
	h.loop.Post(h.deliverTerminal)
	close(h.done)
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

func (h *handle) deliverTerminal() {
	h.mu.Lock()
	h.delivered = true
	state, st := h.state, h.status
	finished, errored := h.finished, h.errored
	h.finished, h.errored = nil, nil
	h.mu.Unlock()

	if state == Finished {
		for _, fn := range finished {
			fn()
		}
		return
	}
	for _, fn := range errored {
		fn(st)
	}
}

func (h *handle) wait(ctx context.Context) status.Status {
	select {
	case <-h.done:
		return h.Status()
	case <-ctx.Done():
		return status.FromError(ctx.Err())
	}
}
