package server

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"

	"mini-grpc/codec"
	"mini-grpc/message"
)

// GRPCHandler serves every registered service through grpc-go without
// generated descriptors. Install it with grpc.UnknownServiceHandler next to a
// codec.RawCodec, or use NewGRPCServer which does both.
func (svr *Server) GRPCHandler() grpc.StreamHandler {
	return func(_ any, stream grpc.ServerStream) error {
		path, ok := grpc.MethodFromServerStream(stream)
		if !ok {
			return grpcstatus.Error(codes.Internal, "no method in stream")
		}
		_, m, st := svr.lookup(path)
		if !st.OK() {
			return grpcstatus.Error(st.Code, st.Message)
		}

		var payload []byte
		if err := stream.RecvMsg(&payload); err != nil {
			return err
		}
		req := &message.RPCMessage{
			ServiceMethod: path,
			Metadata:      flattenMetadata(stream.Context()),
			Payload:       payload,
		}

		svr.wg.Add(1)
		defer svr.wg.Done()

		unary, streamChain := svr.chains()
		if m.stream {
			s := &Stream{send: func(b []byte) error { return stream.SendMsg(b) }}
			resp := streamChain(withStream(stream.Context(), s), req)
			if resp.Code != 0 {
				return grpcstatus.Error(codes.Code(resp.Code), resp.Error)
			}
			return nil
		}

		resp := unary(stream.Context(), req)
		if resp.Code != 0 {
			return grpcstatus.Error(codes.Code(resp.Code), resp.Error)
		}
		return stream.SendMsg(resp.Payload)
	}
}

// NewGRPCServer returns a grpc.Server routing every call to svr.
func (svr *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.UnknownServiceHandler(svr.GRPCHandler()),
		grpc.ForceServerCodec(codec.RawCodec{}),
	)
	return grpc.NewServer(opts...)
}

var transportHeaders = map[string]bool{"content-type": true, "user-agent": true}

// flattenMetadata keeps the first value of each user key; pseudo headers and
// grpc-internal keys are dropped.
func flattenMetadata(ctx context.Context) map[string]string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	var out map[string]string
	for k, vs := range md {
		if len(vs) == 0 || strings.HasPrefix(k, ":") || strings.HasPrefix(k, "grpc-") || transportHeaders[k] {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(md))
		}
		out[k] = vs[0]
	}
	return out
}
