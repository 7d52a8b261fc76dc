// Package server serves registered services over the framed protocol and,
// through GRPCHandler, over real gRPC.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → Request:       go handleCall → middleware chain → unary method  → Response frame
//	  → StreamRequest: go handleCall → middleware chain → stream method → StreamData* → StreamEnd
//	  → Cancel:        cancel the context of the call with the same seq
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-grpc/call"
	"mini-grpc/codec"
	"mini-grpc/message"
	"mini-grpc/middleware"
	"mini-grpc/protocol"
	"mini-grpc/registry"
	"mini-grpc/status"
)

// Server registers services and handles incoming calls.
type Server struct {
	serviceMap  map[string]*service // "pkg.Service" → *service
	middlewares []middleware.Middleware
	unary       middleware.HandlerFunc
	stream      middleware.HandlerFunc
	logger      *zap.Logger
	tlsConfig   *tls.Config

	registry registry.Registry // nil when not using discovery
	instance registry.ServiceInstance
	ttl      int64

	mu        sync.Mutex
	listener  net.Listener
	conns     map[net.Conn]struct{}
	regCancel context.CancelFunc

	baseCtx    context.Context // parent of every call; canceled when Shutdown gives up
	baseCancel context.CancelFunc
	wg         sync.WaitGroup // in-flight calls
	shutdown   atomic.Bool
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTLS makes ListenAndServe accept TLS connections.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// WithRegistry announces every registered service as instance while serving,
// with a lease of ttl seconds.
func WithRegistry(reg registry.Registry, instance registry.ServiceInstance, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.instance = instance
		s.ttl = ttl
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		logger:     zap.NewNop(),
		conns:      make(map[net.Conn]struct{}),
		ttl:        10,
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	s.buildChains()
	return s
}

// Register registers rcvr under its type name.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName registers rcvr under name, the fully qualified service name
// clients put in the method path.
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("server: service %s already registered", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use appends a middleware. Middlewares run in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	svr.middlewares = append(svr.middlewares, mw)
	svr.mu.Unlock()
	svr.buildChains()
}

func (svr *Server) buildChains() {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	chain := middleware.Chain(svr.middlewares...)
	svr.unary = chain(svr.unaryHandler)
	svr.stream = chain(svr.streamHandler)
}

func (svr *Server) chains() (unary, stream middleware.HandlerFunc) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return svr.unary, svr.stream
}

// ListenAndServe listens on address (TLS when configured) and serves.
func (svr *Server) ListenAndServe(network, address string) error {
	lis, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	if svr.tlsConfig != nil {
		lis = tls.NewListener(lis, svr.tlsConfig)
	}
	return svr.Serve(lis)
}

// Serve accepts connections on lis until Shutdown. Services are announced to
// the registry first, if one is configured.
func (svr *Server) Serve(lis net.Listener) error {
	svr.mu.Lock()
	svr.listener = lis
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	svr.mu.Unlock()

	if svr.registry != nil {
		ctx, cancel := context.WithCancel(context.Background())
		svr.mu.Lock()
		svr.regCancel = cancel
		svr.mu.Unlock()
		for _, name := range names {
			if err := svr.registry.Register(ctx, name, svr.instance, svr.ttl); err != nil {
				cancel()
				return fmt.Errorf("server: register %s: %w", name, err)
			}
		}
	}

	svr.logger.Info("serving", zap.String("addr", lis.Addr().String()), zap.Strings("services", names))
	for {
		conn, err := lis.Accept()
		if err != nil {
			// Accept fails once Shutdown closes the listener
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.mu.Lock()
		svr.conns[conn] = struct{}{}
		svr.mu.Unlock()
		go svr.handleConn(conn)
	}
}

// serverConn is the per-connection state shared by the calls on it.
type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex // responses from many goroutines must not interleave

	mu    sync.Mutex
	calls map[uint32]context.CancelFunc
}

func (c *serverConn) write(h *protocol.Header, resp *message.RPCMessage) error {
	body, err := codec.GetCodec(codec.CodecType(h.CodecType)).Encode(resp)
	if err != nil {
		return err
	}
	h.BodyLen = uint32(len(body))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.Encode(c.conn, h, body)
}

func (c *serverConn) track(seq uint32, cancel context.CancelFunc) {
	c.mu.Lock()
	c.calls[seq] = cancel
	c.mu.Unlock()
}

func (c *serverConn) cancel(seq uint32) {
	c.mu.Lock()
	cancel := c.calls[seq]
	delete(c.calls, seq)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *serverConn) cancelAll() {
	c.mu.Lock()
	calls := c.calls
	c.calls = make(map[uint32]context.CancelFunc)
	c.mu.Unlock()
	for _, cancel := range calls {
		cancel()
	}
}

// handleConn is the only reader of conn; each call runs on its own goroutine
// so a slow handler never blocks the rest of the connection.
func (svr *Server) handleConn(conn net.Conn) {
	sc := &serverConn{conn: conn, calls: make(map[uint32]context.CancelFunc)}
	defer func() {
		sc.cancelAll()
		conn.Close()
		svr.mu.Lock()
		delete(svr.conns, conn)
		svr.mu.Unlock()
	}()

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
		case protocol.MsgTypeCancel:
			sc.cancel(header.Seq)
		case protocol.MsgTypeRequest, protocol.MsgTypeStreamRequest:
			if !svr.admit() {
				svr.reject(sc, header)
				continue
			}
			ctx, cancel := context.WithCancel(svr.baseCtx)
			sc.track(header.Seq, cancel)
			go svr.handleCall(ctx, sc, header, body)
		default:
			svr.logger.Warn("unexpected frame", zap.Stringer("type", header.MsgType), zap.Uint32("seq", header.Seq))
		}
	}
}

// admit counts a new call unless Shutdown has begun. The flag is read under
// svr.mu, which Shutdown holds while setting it, so no Add races the Wait.
func (svr *Server) admit() bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) reject(sc *serverConn, header *protocol.Header) {
	endType := protocol.MsgTypeResponse
	if header.MsgType == protocol.MsgTypeStreamRequest {
		endType = protocol.MsgTypeStreamEnd
	}
	resp := middleware.Reply("", status.New(status.Unavailable, "server is shutting down"))
	if err := sc.write(&protocol.Header{CodecType: header.CodecType, MsgType: endType, Seq: header.Seq}, resp); err != nil {
		svr.logger.Debug("failed to reject call", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

func (svr *Server) handleCall(ctx context.Context, sc *serverConn, header *protocol.Header, body []byte) {
	defer svr.wg.Done()
	defer sc.cancel(header.Seq)

	req := &message.RPCMessage{}
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, req); err != nil {
		req = nil
		svr.logger.Warn("undecodable request", zap.Uint32("seq", header.Seq), zap.Error(err))
	}

	unary, stream := svr.chains()
	var resp *message.RPCMessage
	endType := protocol.MsgTypeResponse

	switch {
	case req == nil:
		resp = middleware.Reply("", status.New(status.Internal, "undecodable request"))
	case header.MsgType == protocol.MsgTypeStreamRequest:
		endType = protocol.MsgTypeStreamEnd
		s := &Stream{send: func(payload []byte) error {
			return sc.write(&protocol.Header{
				CodecType: header.CodecType,
				MsgType:   protocol.MsgTypeStreamData,
				Seq:       header.Seq,
			}, &message.RPCMessage{Payload: payload})
		}}
		resp = stream(withStream(ctx, s), req)
	default:
		resp = unary(ctx, req)
	}

	err := sc.write(&protocol.Header{CodecType: header.CodecType, MsgType: endType, Seq: header.Seq}, resp)
	if err != nil && ctx.Err() == nil {
		svr.logger.Error("failed to write reply", zap.String("method", resp.ServiceMethod), zap.Error(err))
	}
}

// lookup resolves "/pkg.Service/Method" (the leading slash is optional).
func (svr *Server) lookup(path string) (*service, *methodType, status.Status) {
	path = strings.TrimPrefix(path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return nil, nil, status.Newf(status.Unimplemented, "malformed method name %q", path)
	}
	svr.mu.Lock()
	svc := svr.serviceMap[path[:i]]
	svr.mu.Unlock()
	if svc == nil {
		return nil, nil, status.Newf(status.Unimplemented, "unknown service %s", path[:i])
	}
	m := svc.method[path[i+1:]]
	if m == nil {
		return nil, nil, status.Newf(status.Unimplemented, "unknown method %s for service %s", path[i+1:], path[:i])
	}
	return svc, m, status.Status{}
}

// unaryHandler is the innermost handler of the unary chain.
func (svr *Server) unaryHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	svc, m, st := svr.lookup(req.ServiceMethod)
	if !st.OK() {
		return middleware.Reply(req.ServiceMethod, st)
	}
	if m.stream {
		return middleware.Reply(req.ServiceMethod, status.Newf(status.Unimplemented, "%s is a server stream", req.ServiceMethod))
	}

	argv, err := m.decodeArg(req.Payload)
	if err != nil {
		return middleware.Reply(req.ServiceMethod, status.Newf(status.InvalidArgument, "decode request: %v", err))
	}
	replyv := reflect.New(m.ReplyType)

	if err := svc.Call(withMetadata(ctx, req.Metadata), m, argv, replyv); err != nil {
		return middleware.Reply(req.ServiceMethod, status.FromError(err))
	}

	payload, err := replyv.Interface().(call.Marshaler).Marshal()
	if err != nil {
		return middleware.Reply(req.ServiceMethod, status.Newf(status.Internal, "encode reply: %v", err))
	}
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: payload}
}

// streamHandler is the innermost handler of the stream chain. Its result is
// the final status carried by StreamEnd.
func (svr *Server) streamHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	svc, m, st := svr.lookup(req.ServiceMethod)
	if !st.OK() {
		return middleware.Reply(req.ServiceMethod, st)
	}
	s := streamFrom(ctx)
	if !m.stream || s == nil {
		return middleware.Reply(req.ServiceMethod, status.Newf(status.Unimplemented, "%s is not a server stream", req.ServiceMethod))
	}

	argv, err := m.decodeArg(req.Payload)
	if err != nil {
		return middleware.Reply(req.ServiceMethod, status.Newf(status.InvalidArgument, "decode request: %v", err))
	}
	ctx = withMetadata(ctx, req.Metadata)
	s.ctx = ctx
	if err := svc.Call(ctx, m, argv, reflect.ValueOf(s)); err != nil {
		return middleware.Reply(req.ServiceMethod, status.FromError(err))
	}
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod}
}

// Addr returns the listener address once Serve has started.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Shutdown stops the server:
//  1. deregister from the registry so clients stop routing here
//  2. close the listener
//  3. wait for in-flight calls, canceling them when timeout expires
//  4. close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	lis := svr.listener
	regCancel := svr.regCancel
	svr.mu.Unlock()

	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, name := range names {
			if err := svr.registry.Deregister(ctx, name, svr.instance.Addr); err != nil {
				svr.logger.Warn("deregister failed", zap.String("service", name), zap.Error(err))
			}
		}
		cancel()
	}
	if regCancel != nil {
		regCancel()
	}

	// Flag first so Serve reports the Accept error as a clean stop
	svr.mu.Lock()
	svr.shutdown.Store(true)
	svr.mu.Unlock()
	if lis != nil {
		lis.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		svr.baseCancel()
		err = fmt.Errorf("server: timeout waiting for ongoing calls to finish")
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	svr.baseCancel()
	return err
}
