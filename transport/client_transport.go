// Package transport implements the client side of the framed protocol with
// multiplexing, server streams, cancellation and heartbeat.
//
// ClientTransport runs many concurrent calls over a single TCP connection.
// Each call gets a unique sequence ID, and one background goroutine (recvLoop)
// reads every frame and routes it to the call's pending channel.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── stream-data(seq=2) → pending[2] ← ... ← stream-end(seq=2) → pending[2] removed
package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-grpc/codec"
	"mini-grpc/message"
	"mini-grpc/protocol"
	"mini-grpc/status"
)

// ErrClosed is returned by Send once the connection is gone.
var ErrClosed = errors.New("transport: connection closed")

// Inbound is one frame delivered to a call.
type Inbound struct {
	Type  protocol.MsgType
	Final bool // no more frames follow for this call
	Msg   *message.RPCMessage
}

// pendingCall is the receiving end of one call.
type pendingCall struct {
	ch   chan *Inbound
	done chan struct{} // closed when the caller stops listening
	once sync.Once
}

func (p *pendingCall) stop() {
	p.once.Do(func() { close(p.done) })
}

type Option func(*ClientTransport)

// WithHeartbeat sets the heartbeat interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(t *ClientTransport) {
		t.heartbeat = d
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *ClientTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn      net.Conn
	codec     codec.CodecType
	logger    *zap.Logger
	heartbeat time.Duration

	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]*pendingCall
	sending sync.Mutex // serializes frame writes so frames never interleave

	closed    chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewClientTransport takes ownership of conn and starts recvLoop and, unless
// disabled, heartbeatLoop.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:      conn,
		codec:     codecType,
		logger:    zap.NewNop(),
		heartbeat: 30 * time.Second,
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Send writes msg as a frame of type msgType (Request or StreamRequest) and
// returns the call's sequence number with the channel its frames arrive on.
// The channel yields a Final frame exactly once, unless the call is canceled.
func (t *ClientTransport) Send(msgType protocol.MsgType, msg *message.RPCMessage) (uint32, <-chan *Inbound, error) {
	if err := t.Err(); err != nil {
		return 0, nil, err
	}

	body, err := codec.GetCodec(t.codec).Encode(msg)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	// Register before writing so recvLoop never sees a reply for an unknown seq
	p := &pendingCall{ch: make(chan *Inbound, 16), done: make(chan struct{})}
	t.pending.Store(seq, p)
	// fail sets err before sweeping pending, so one of the two sees this call
	if err := t.Err(); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, p.ch, nil
}

// Cancel stops delivery for seq and tells the server to abandon the call.
func (t *ClientTransport) Cancel(seq uint32) error {
	v, ok := t.pending.LoadAndDelete(seq)
	if !ok {
		return nil
	}
	v.(*pendingCall).stop()

	if t.Err() != nil {
		return nil
	}
	t.sending.Lock()
	defer t.sending.Unlock()
	return protocol.Encode(t.conn, &protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeCancel,
		Seq:       seq,
	}, nil)
}

// recvLoop is the only reader of the connection; frame boundaries on a byte
// stream can only be parsed sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		in := &Inbound{Type: header.MsgType, Final: header.MsgType.Terminal(), Msg: &message.RPCMessage{}}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, in.Msg); err != nil {
			t.logger.Warn("transport: undecodable frame",
				zap.Uint32("seq", header.Seq), zap.Stringer("type", header.MsgType), zap.Error(err))
			in = &Inbound{Type: header.MsgType, Final: true, Msg: &message.RPCMessage{
				Code:  uint32(status.Internal),
				Error: err.Error(),
			}}
		}

		var v any
		var ok bool
		if in.Final {
			v, ok = t.pending.LoadAndDelete(header.Seq)
		} else {
			v, ok = t.pending.Load(header.Seq)
		}
		if !ok {
			continue
		}
		p := v.(*pendingCall)
		select {
		case p.ch <- in:
		case <-p.done:
		}
	}
}

// fail records the first error, closes the connection and ends every pending
// call with Unavailable so no caller waits forever.
func (t *ClientTransport) fail(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
	t.closeOnce.Do(func() {
		close(t.closed)
		t.conn.Close()
	})
	t.logger.Debug("transport: connection ended", zap.String("remote", t.remoteAddr()), zap.Error(err))
	t.closeAllPending(t.Err())
}

func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		t.pending.Delete(key)
		p := value.(*pendingCall)
		select {
		case p.ch <- &Inbound{Type: protocol.MsgTypeResponse, Final: true, Msg: &message.RPCMessage{
			Code:  uint32(status.Unavailable),
			Error: err.Error(),
		}}:
		case <-p.done:
		}
		return true
	})
}

// Err is nil while the connection is usable.
func (t *ClientTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close shuts the connection down; pending calls fail with ErrClosed.
func (t *ClientTransport) Close() error {
	t.errMu.Lock()
	if t.err == nil {
		t.err = ErrClosed
	}
	t.errMu.Unlock()
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

func (t *ClientTransport) remoteAddr() string {
	if a := t.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// heartbeatLoop keeps idle connections from being dropped by the server.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	header := &protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeHeartbeat}
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
