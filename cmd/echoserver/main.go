// Command echoserver serves the echo test service over the framed protocol
// and over gRPC, optionally registering itself in etcd.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"mini-grpc/echo"
	"mini-grpc/middleware"
	"mini-grpc/registry"
	"mini-grpc/server"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "framed protocol listen address, empty to disable")
	grpcAddr := flag.String("grpc-addr", "127.0.0.1:50052", "gRPC listen address, empty to disable")
	etcd := flag.String("etcd", "", "comma separated etcd endpoints to register with")
	advertise := flag.String("advertise", "", "address published in the registry, defaults to -addr")
	version := flag.String("version", "1.0.0", "service version published in the registry")
	interval := flag.Duration("stream-interval", 200*time.Millisecond, "delay between server stream messages")
	rps := flag.Float64("rate", 0, "per-server request rate limit, 0 for none")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger, *addr, *grpcAddr, *etcd, *advertise, *version, *interval, *rps); err != nil {
		logger.Fatal("echoserver stopped", zap.Error(err))
	}
}

func run(logger *zap.Logger, addr, grpcAddr, etcd, advertise, version string, interval time.Duration, rps float64) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{server.WithLogger(logger)}
	if etcd != "" && addr != "" {
		reg, err := registry.NewEtcdRegistry(strings.Split(etcd, ","), registry.WithLogger(logger))
		if err != nil {
			return err
		}
		defer reg.Close()
		if advertise == "" {
			advertise = addr
		}
		opts = append(opts, server.WithRegistry(reg, registry.ServiceInstance{Addr: advertise, Weight: 1, Version: version}, 10))
	}

	svr := server.NewServer(opts...)
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.TimeoutMiddleware(30 * time.Second))
	if rps > 0 {
		svr.Use(middleware.RateLimitMiddleware(rps, int(rps)+1))
	}
	svc := echo.NewService()
	svc.Interval = interval
	if err := svc.Register(svr); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	var gs *grpc.Server
	if addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		logger.Info("serving framed", zap.String("addr", lis.Addr().String()))
		g.Go(func() error { return svr.Serve(lis) })
	}
	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return err
		}
		gs = svr.NewGRPCServer()
		logger.Info("serving grpc", zap.String("addr", lis.Addr().String()))
		g.Go(func() error { return gs.Serve(lis) })
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		if gs != nil {
			gs.GracefulStop()
		}
		return svr.Shutdown(5 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
