package echo

import (
	"context"
	"net"
	"testing"
	"time"

	"mini-grpc/channel"
	"mini-grpc/client"
	"mini-grpc/codec"
	"mini-grpc/dispatch"
	"mini-grpc/message"
	"mini-grpc/server"
)

func setupBench(b *testing.B, codecType codec.CodecType, poolSize int) *TestServiceClient {
	svr := server.NewServer()
	if err := NewService().Register(svr); err != nil {
		b.Fatal(err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	go svr.Serve(lis)
	b.Cleanup(func() { svr.Shutdown(3 * time.Second) })

	loop := dispatch.NewLoop("bench")
	ch := channel.NewFramed(lis.Addr().String(),
		channel.WithLoop(loop),
		channel.WithCodec(codecType),
		channel.WithPoolSize(poolSize),
	)
	b.Cleanup(func() { ch.Close() })
	cli := NewTestServiceClient(client.WithLoop(loop))
	cli.AttachChannel(ch)
	return cli
}

func BenchmarkSerialCall(b *testing.B) {
	cli := setupBench(b, codec.CodecTypeJSON, 1)
	ctx := context.Background()
	req := &SimpleStringMessage{TestFieldString: "Hello beach!"}
	out := &SimpleStringMessage{}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if st := cli.TestMethod(ctx, req, out); !st.OK() {
			b.Fatal(st)
		}
	}
}

// many goroutines share the multiplexed connections
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupBench(b, codec.CodecTypeBinary, 4)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		req := &SimpleStringMessage{TestFieldString: "Hello beach!"}
		out := &SimpleStringMessage{}
		for pb.Next() {
			if st := cli.TestMethod(ctx, req, out); !st.OK() {
				b.Error(st)
				return
			}
		}
	})
}

func BenchmarkAsyncCall(b *testing.B) {
	cli := setupBench(b, codec.CodecTypeBinary, 1)
	ctx := context.Background()
	req := &SimpleStringMessage{TestFieldString: "Hello beach!"}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		r := cli.TestMethodAsync(ctx, req)
		if st := r.Wait(ctx); !st.OK() {
			b.Fatal(st)
		}
		r.Release()
	}
}

func benchmarkCodec(b *testing.B, codecType codec.CodecType) {
	cdc := codec.GetCodec(codecType)
	payload, _ := (&SimpleStringMessage{TestFieldString: "Hello beach!"}).Marshal()
	msg := &message.RPCMessage{
		ServiceMethod: testMethod.Path(),
		Payload:       payload,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(msg)
		var out message.RPCMessage
		cdc.Decode(data, &out)
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, codec.CodecTypeJSON)
}

func BenchmarkCodecBinary(b *testing.B) {
	benchmarkCodec(b, codec.CodecTypeBinary)
}

func BenchmarkMessageMarshal(b *testing.B) {
	m := &SimpleStringMessage{TestFieldString: "Hello beach!"}
	for i := 0; i < b.N; i++ {
		data, _ := m.Marshal()
		var out SimpleStringMessage
		out.Unmarshal(data)
	}
}
