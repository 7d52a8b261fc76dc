package echo

import (
	"context"
	"fmt"
	"time"

	"mini-grpc/server"
	"mini-grpc/status"
)

const ServiceName = pkg + "TestService"

// Service answers the echo requests. Interval paces server streams.
type Service struct {
	Interval time.Duration
	// Delay is how long a "sleep" request waits before answering.
	Delay time.Duration
}

func NewService() *Service {
	return &Service{Interval: 200 * time.Millisecond, Delay: 2 * time.Second}
}

// Register installs s on svr under ServiceName.
func (s *Service) Register(svr *server.Server) error {
	return svr.RegisterName(ServiceName, s)
}

func (s *Service) TestMethod(ctx context.Context, req *SimpleStringMessage, reply *SimpleStringMessage) error {
	if req.TestFieldString == "sleep" {
		if err := sleep(ctx, s.Delay); err != nil {
			return err
		}
	}
	reply.TestFieldString = req.TestFieldString
	return nil
}

// TestMethodServerStream sends the request text suffixed with 1 to 4.
func (s *Service) TestMethodServerStream(ctx context.Context, req *SimpleStringMessage, stream *server.Stream) error {
	for i := 1; i <= 4; i++ {
		if err := sleep(ctx, s.Interval); err != nil {
			return err
		}
		if err := stream.Send(&SimpleStringMessage{TestFieldString: fmt.Sprintf("%s%d", req.TestFieldString, i)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) TestMethodBlobServerStream(ctx context.Context, req *BlobMessage, stream *server.Stream) error {
	return stream.Send(&BlobMessage{TestBytes: req.TestBytes})
}

// TestMethodStatusMessage always fails; the status message is the request text.
func (s *Service) TestMethodStatusMessage(ctx context.Context, req *SimpleStringMessage, reply *SimpleStringMessage) error {
	return status.Errorf(status.Internal, "%s", req.TestFieldString)
}

func (s *Service) TestMethodNonCompatibleArgRet(ctx context.Context, req *SimpleIntMessage, reply *SimpleStringMessage) error {
	reply.TestFieldString = req.String()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
