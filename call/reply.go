package call

import (
	"context"
	"fmt"

	"mini-grpc/dispatch"
	"mini-grpc/status"
)

// Reply is the handle of a unary call. It moves once from Active to
// Finished, Error or Aborted.
type Reply struct {
	handle
	data []byte
}

// NewReply returns an Active reply delivering on loop. cancel, if set, stops
// the underlying I/O and is called on any terminal transition.
func NewReply(loop *dispatch.Loop, m Method, cancel context.CancelFunc) *Reply {
	r := &Reply{}
	r.init(loop, m, cancel, r.Abort)
	return r
}

// FailedReply returns a reply already in Error with st.
func FailedReply(loop *dispatch.Loop, m Method, st status.Status) *Reply {
	r := NewReply(loop, m, nil)
	r.Fail(st)
	return r
}

// Complete stores the response and finishes the reply.
func (r *Reply) Complete(data []byte) bool {
	return r.transition(Finished, status.New(status.OK, ""), func() {
		r.data = data
	})
}

// Fail ends the reply with a non-OK status.
func (r *Reply) Fail(st status.Status) bool {
	if st.OK() {
		st = status.New(status.Unknown, "call failed without status")
	}
	return r.transition(Error, st, nil)
}

// Abort cancels the call if no result has arrived yet. Error callbacks then
// receive Aborted. After a result Abort does nothing.
func (r *Reply) Abort() {
	r.transition(Aborted, status.New(status.Aborted, "Call aborted by user or timeout"), nil)
}

// Data returns the raw response. It panics unless the reply is Finished.
func (r *Reply) Data() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Finished {
		panic(fmt.Sprintf("call: read of %s reply %s", r.state, r.method.Path()))
	}
	return r.data
}

// Read decodes the response into out. It panics unless the reply is Finished.
func (r *Reply) Read(out Unmarshaler) error {
	return out.Unmarshal(r.Data())
}

// Subscribe registers both terminal callbacks at once.
func (r *Reply) Subscribe(onFinished func(), onError func(status.Status)) {
	if onFinished != nil {
		r.OnFinished(onFinished)
	}
	if onError != nil {
		r.OnError(onError)
	}
}

// Wait blocks until the reply is terminal or ctx is done.
func (r *Reply) Wait(ctx context.Context) status.Status {
	return r.wait(ctx)
}
