package channel

import (
	"context"
	"errors"
	"io"
	"net"

	"google.golang.org/grpc"
	grpccreds "google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"mini-grpc/call"
	"mini-grpc/codec"
	"mini-grpc/credentials"
	"mini-grpc/status"
)

// GRPC is a Channel over HTTP/2 gRPC. Requests and responses cross grpc-go
// as opaque bytes.
type GRPC struct {
	base
	target string
	cc     *grpc.ClientConn
}

var _ Channel = (*GRPC)(nil)

// NewGRPC returns a channel to target (any grpc-go target string). grpc-go
// connects lazily on the first call.
func NewGRPC(target string, opts ...Option) (*GRPC, error) {
	g := &GRPC{base: newBase(opts), target: target}

	dialOpts := []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.ForceCodec(codec.RawCodec{}))}
	if cfg := g.opts.creds.Channel().TLSConfig(); cfg != nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(grpccreds.NewTLS(cfg)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if len(g.opts.creds.Calls()) > 0 {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(perRPC{g.opts.creds}))
	}
	if d := g.opts.dialer; d != nil {
		dialOpts = append(dialOpts, grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return d(ctx, addr)
		}))
	}
	dialOpts = append(dialOpts, g.opts.grpcOpts...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	g.cc = cc
	return g, nil
}

// perRPC adapts call credentials to grpc.
type perRPC struct {
	creds credentials.Credentials
}

func (p perRPC) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	return p.creds.Metadata(ctx)
}

func (p perRPC) RequireTransportSecurity() bool {
	for _, c := range p.creds.Calls() {
		if c.RequireTransportSecurity() {
			return true
		}
	}
	return false
}

func (g *GRPC) Call(ctx context.Context, m call.Method, req []byte) ([]byte, status.Status) {
	if st := g.limit(ctx); !st.OK() {
		return nil, st
	}
	var out []byte
	if err := g.cc.Invoke(ctx, m.Path(), req, &out); err != nil {
		return nil, status.FromError(err)
	}
	return out, status.Status{}
}

func (g *GRPC) CallAsync(ctx context.Context, m call.Method, req []byte) *call.Reply {
	return g.callAsync(ctx, m, req, g.Call)
}

func (g *GRPC) Subscribe(ctx context.Context, m call.Method, req []byte) *call.Subscription {
	return g.subscribe(ctx, m, req, g.stream)
}

func (g *GRPC) stream(ctx context.Context, m call.Method, req []byte, s *call.Subscription) status.Status {
	if st := g.limit(ctx); !st.OK() {
		return st
	}
	stream, err := g.cc.NewStream(ctx, &grpc.StreamDesc{StreamName: m.Name, ServerStreams: true}, m.Path())
	if err != nil {
		return status.FromError(err)
	}
	if err := stream.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		return status.FromError(err)
	}
	if err := stream.CloseSend(); err != nil {
		return status.FromError(err)
	}
	for {
		var b []byte
		err := stream.RecvMsg(&b)
		if errors.Is(err, io.EOF) {
			return status.Status{}
		}
		if err != nil {
			return status.FromError(err)
		}
		s.Update(b)
	}
}

// Target returns the grpc target the channel was created with.
func (g *GRPC) Target() string {
	return g.target
}

func (g *GRPC) Close() error {
	return g.cc.Close()
}
