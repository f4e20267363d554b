package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/ota-agent/internal/logger"
)

// ServiceName is the health service name reported next to the overall status.
const ServiceName = "ota-agent"

// defaultRefresh is how often the status is recomputed when no interval is given.
const defaultRefresh = 10 * time.Second

// ErrNoListenAddress indicates missing endpoint configuration.
var ErrNoListenAddress = errors.New("no listen address configured")

// Options controls the health endpoint.
type Options struct {
	// ListenAddress is host:port or :port.
	ListenAddress string
	// Healthy reports whether the agent can update the device unattended.
	Healthy func(ctx context.Context) bool
	// Refresh is the pause between status recomputations.
	Refresh time.Duration
}

// Run listens on opts.ListenAddress and serves until ctx is cancelled.
func Run(ctx context.Context, opts *Options) error {
	listenAddress, err := resolveListenAddress(opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}

	// Setup TCP listener for gRPC server.
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddress, err)
	}

	return Serve(ctx, lis, opts)
}

// Serve serves the health protocol on lis and blocks until ctx is cancelled.
func Serve(ctx context.Context, lis net.Listener, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "health-server")

	refresh := opts.Refresh
	if refresh <= 0 {
		refresh = defaultRefresh
	}

	status := health.NewServer()
	publish(ctx, status, opts.Healthy)

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, status)

	logger.InfoKV(ctx, "Health endpoint listening", "listen_address", lis.Addr().String())

	// Done channel is closed after GracefulStop finishes to ensure we block
	// until the server fully stops before returning.
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				status.Shutdown()
				grpcServer.GracefulStop()
				close(done)

				return
			case <-ticker.C:
				publish(ctx, status, opts.Healthy)
			}
		}
	}()

	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}

	<-done
	logger.Info(ctx, "Health endpoint stopped")

	return nil
}

// publish sets the overall and the named status from the health callback.
func publish(ctx context.Context, status *health.Server, healthy func(context.Context) bool) {
	serving := healthpb.HealthCheckResponse_SERVING
	if healthy != nil && !healthy(ctx) {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}

	status.SetServingStatus("", serving)
	status.SetServingStatus(ServiceName, serving)
}

// resolveListenAddress validates the listen address.
// A bare port such as "9090" binds on all interfaces.
func resolveListenAddress(address string) (string, error) {
	if address == "" {
		return "", ErrNoListenAddress
	}

	if _, _, err := net.SplitHostPort(address); err == nil {
		return address, nil
	}

	if _, _, err := net.SplitHostPort(":" + address); err != nil {
		return "", fmt.Errorf("invalid listen address format %q: %w", address, err)
	}

	return ":" + address, nil
}
