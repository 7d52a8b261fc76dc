package echo

import (
	"context"

	"mini-grpc/call"
	"mini-grpc/client"
	"mini-grpc/status"
)

var (
	testMethod = call.Method{
		Service: ServiceName, Name: "TestMethod",
		Request: pkg + "SimpleStringMessage", Response: pkg + "SimpleStringMessage",
	}
	testMethodServerStream = call.Method{
		Service: ServiceName, Name: "TestMethodServerStream", Kind: call.ServerStream,
		Request: pkg + "SimpleStringMessage", Response: pkg + "SimpleStringMessage",
	}
	testMethodBlobServerStream = call.Method{
		Service: ServiceName, Name: "TestMethodBlobServerStream", Kind: call.ServerStream,
		Request: pkg + "BlobMessage", Response: pkg + "BlobMessage",
	}
	testMethodStatusMessage = call.Method{
		Service: ServiceName, Name: "TestMethodStatusMessage",
		Request: pkg + "SimpleStringMessage", Response: pkg + "SimpleStringMessage",
	}
	testMethodNonCompatibleArgRet = call.Method{
		Service: ServiceName, Name: "TestMethodNonCompatibleArgRet",
		Request: pkg + "SimpleIntMessage", Response: pkg + "SimpleStringMessage",
	}
)

// TestServiceClient is the typed client of TestService.
type TestServiceClient struct {
	*client.Client
}

func NewTestServiceClient(opts ...client.Option) *TestServiceClient {
	return &TestServiceClient{Client: client.New(ServiceName, opts...)}
}

func (c *TestServiceClient) TestMethod(ctx context.Context, req *SimpleStringMessage, out *SimpleStringMessage) status.Status {
	return c.Call(ctx, testMethod, req, out)
}

func (c *TestServiceClient) TestMethodAsync(ctx context.Context, req *SimpleStringMessage) *call.Reply {
	return c.CallAsync(ctx, testMethod, req)
}

func (c *TestServiceClient) TestMethodFunc(ctx context.Context, req *SimpleStringMessage, fn func(*call.Reply)) {
	c.CallFunc(ctx, testMethod, req, fn)
}

func (c *TestServiceClient) SubscribeTestMethodServerStreamUpdates(ctx context.Context, req *SimpleStringMessage) *call.Subscription {
	return c.Subscribe(ctx, testMethodServerStream, req)
}

// SubscribeTestMethodServerStreamUpdatesInto keeps out set to the latest update.
func (c *TestServiceClient) SubscribeTestMethodServerStreamUpdatesInto(ctx context.Context, req *SimpleStringMessage, out *SimpleStringMessage) *call.Subscription {
	return c.SubscribeInto(ctx, testMethodServerStream, req, out)
}

func (c *TestServiceClient) SubscribeTestMethodBlobServerStreamUpdates(ctx context.Context, req *BlobMessage) *call.Subscription {
	return c.Subscribe(ctx, testMethodBlobServerStream, req)
}

func (c *TestServiceClient) TestMethodStatusMessage(ctx context.Context, req *SimpleStringMessage, out *SimpleStringMessage) status.Status {
	return c.Call(ctx, testMethodStatusMessage, req, out)
}

func (c *TestServiceClient) TestMethodStatusMessageAsync(ctx context.Context, req *SimpleStringMessage) *call.Reply {
	return c.CallAsync(ctx, testMethodStatusMessage, req)
}

func (c *TestServiceClient) TestMethodNonCompatibleArgRet(ctx context.Context, req *SimpleIntMessage, out *SimpleStringMessage) status.Status {
	return c.Call(ctx, testMethodNonCompatibleArgRet, req, out)
}
