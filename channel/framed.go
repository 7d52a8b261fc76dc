package channel

import (
	"context"
	"crypto/tls"
	"net"
	"strings"

	"go.uber.org/zap"

	"mini-grpc/call"
	"mini-grpc/message"
	"mini-grpc/protocol"
	"mini-grpc/status"
	"mini-grpc/transport"
)

// Framed is a Channel over the framed TCP protocol. Connections are dialed on
// the first call and redialed after they fail.
type Framed struct {
	base
	addr string
	pool *transport.Pool
}

var _ Channel = (*Framed)(nil)

// NewFramed returns a channel to addr. Nothing is dialed yet.
func NewFramed(addr string, opts ...Option) *Framed {
	f := &Framed{base: newBase(opts), addr: addr}
	f.pool = transport.NewPool(f.opts.poolSize, f.opts.codec, f.dial, f.opts.dialTimeout,
		transport.WithHeartbeat(f.opts.heartbeat),
		transport.WithLogger(f.opts.logger),
	)
	return f
}

func (f *Framed) dial(ctx context.Context) (net.Conn, error) {
	addr := f.addr
	if f.opts.resolver != nil {
		var err error
		if addr, err = f.opts.resolver(ctx); err != nil {
			return nil, err
		}
	}

	var conn net.Conn
	var err error
	if f.opts.dialer != nil {
		conn, err = f.opts.dialer(ctx, addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	cfg := f.opts.creds.Channel().TLSConfig()
	if cfg == nil {
		f.opts.logger.Debug("dialed", zap.String("addr", addr))
		return conn, nil
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		host := addr
		if h, _, err := net.SplitHostPort(addr); err == nil {
			host = h
		}
		cfg.ServerName = strings.Trim(host, "[]")
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	f.opts.logger.Debug("dialed", zap.String("addr", addr), zap.Bool("tls", true))
	return tc, nil
}

// start sends the request frame and returns where its answer arrives.
func (f *Framed) start(ctx context.Context, msgType protocol.MsgType, m call.Method, req []byte) (*transport.ClientTransport, uint32, <-chan *transport.Inbound, status.Status) {
	if st := f.limit(ctx); !st.OK() {
		return nil, 0, nil, st
	}
	md, err := f.opts.creds.Metadata(ctx)
	if err != nil {
		return nil, 0, nil, status.New(status.Unauthenticated, err.Error())
	}
	t, err := f.pool.Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, nil, status.FromError(ctx.Err())
		}
		f.opts.logger.Warn("connect failed", zap.String("method", m.Path()), zap.Error(err))
		return nil, 0, nil, status.New(status.Unavailable, err.Error())
	}
	seq, ch, err := t.Send(msgType, &message.RPCMessage{
		ServiceMethod: m.Path(),
		Metadata:      md,
		Payload:       req,
	})
	if err != nil {
		f.opts.logger.Warn("send failed", zap.String("method", m.Path()), zap.Error(err))
		return nil, 0, nil, status.New(status.Unavailable, err.Error())
	}
	return t, seq, ch, status.Status{}
}

func statusOf(msg *message.RPCMessage) status.Status {
	return status.New(status.Code(msg.Code), msg.Error)
}

func (f *Framed) Call(ctx context.Context, m call.Method, req []byte) ([]byte, status.Status) {
	t, seq, ch, st := f.start(ctx, protocol.MsgTypeRequest, m, req)
	if !st.OK() {
		return nil, st
	}
	select {
	case in := <-ch:
		if st := statusOf(in.Msg); !st.OK() {
			return nil, st
		}
		return in.Msg.Payload, status.Status{}
	case <-ctx.Done():
		t.Cancel(seq)
		return nil, status.FromError(ctx.Err())
	}
}

func (f *Framed) CallAsync(ctx context.Context, m call.Method, req []byte) *call.Reply {
	return f.callAsync(ctx, m, req, f.Call)
}

func (f *Framed) Subscribe(ctx context.Context, m call.Method, req []byte) *call.Subscription {
	return f.subscribe(ctx, m, req, f.stream)
}

func (f *Framed) stream(ctx context.Context, m call.Method, req []byte, s *call.Subscription) status.Status {
	t, seq, ch, st := f.start(ctx, protocol.MsgTypeStreamRequest, m, req)
	if !st.OK() {
		return st
	}
	for {
		select {
		case in := <-ch:
			if in.Final {
				return statusOf(in.Msg)
			}
			s.Update(in.Msg.Payload)
		case <-ctx.Done():
			t.Cancel(seq)
			return status.FromError(ctx.Err())
		}
	}
}

// Live reports how many connections are currently up.
func (f *Framed) Live() int {
	return f.pool.Len()
}

// Close closes every connection; calls in flight fail with Unavailable.
func (f *Framed) Close() error {
	return f.pool.Close()
}
