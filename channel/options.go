package channel

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"mini-grpc/codec"
	"mini-grpc/credentials"
	"mini-grpc/dispatch"
)

type options struct {
	loop        *dispatch.Loop
	logger      *zap.Logger
	creds       credentials.Credentials
	limiter     *rate.Limiter
	dialer      func(ctx context.Context, addr string) (net.Conn, error)
	dialTimeout time.Duration

	// framed only
	codec     codec.CodecType
	resolver  func(ctx context.Context) (string, error)
	heartbeat time.Duration
	poolSize  int

	// grpc only
	grpcOpts []grpc.DialOption
}

func defaultOptions() options {
	return options{
		logger:      zap.NewNop(),
		creds:       credentials.Combine(credentials.InsecureChannel(), credentials.InsecureCall()),
		dialTimeout: 5 * time.Second,
		codec:       codec.CodecTypeJSON,
		heartbeat:   30 * time.Second,
		poolSize:    1,
	}
}

type Option func(*options)

// WithLoop records the loop the channel belongs to. Without it the channel
// uses dispatch.Default().
func WithLoop(l *dispatch.Loop) Option {
	return func(o *options) { o.loop = l }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCredentials sets channel and call credentials.
func WithCredentials(c credentials.Credentials) Option {
	return func(o *options) { o.creds = c }
}

// WithRateLimit caps outgoing calls at r per second with the given burst.
// Calls wait for a token or fail when their context ends first.
func WithRateLimit(r float64, burst int) Option {
	return func(o *options) { o.limiter = limiterFor(r, burst) }
}

// WithDialer replaces the TCP dialer, e.g. for in-memory listeners in tests.
func WithDialer(d func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(o *options) { o.dialer = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithCodec picks the envelope codec of a Framed channel.
func WithCodec(c codec.CodecType) Option {
	return func(o *options) { o.codec = c }
}

// WithResolver makes a Framed channel ask resolve for the address on every
// dial instead of using a fixed one (see loadbalance.Resolver).
func WithResolver(resolve func(ctx context.Context) (string, error)) Option {
	return func(o *options) { o.resolver = resolve }
}

// WithHeartbeat sets the heartbeat interval of a Framed channel; zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithPoolSize sets how many connections a Framed channel spreads calls over.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

// WithGRPCDialOptions appends raw grpc dial options to a GRPC channel.
func WithGRPCDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.grpcOpts = append(o.grpcOpts, opts...) }
}
