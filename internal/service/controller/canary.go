package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/ota-agent/internal/version"
)

var (
	// errNotServing is returned when a gRPC health endpoint reports anything but SERVING.
	errNotServing = errors.New("grpc health status is not serving")
	// errBadCanaryStatus is returned when an HTTP canary answers outside 2xx.
	errBadCanaryStatus = errors.New("unexpected canary http status")
)

// Canary is an application-level check that complements process liveness.
type Canary interface {
	Check(ctx context.Context) error
}

// GRPCCanary calls grpc.health.v1.Health/Check on a service endpoint.
type GRPCCanary struct {
	// Address is the host:port of the service.
	Address string
	// Service is the health service name; empty checks the whole server.
	Service string
}

// Check implements Canary.
// Note: this uses insecure transport credentials; canaries target local endpoints.
func (c GRPCCanary) Check(ctx context.Context) error {
	conn, err := grpc.NewClient(c.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.Address, err)
	}

	defer conn.Close() //nolint:errcheck // Check connection.

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: c.Service})
	if err != nil {
		return fmt.Errorf("health check %s: %w", c.Address, err)
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}

	return nil
}

// HTTPCanary expects a 2xx answer from a URL.
type HTTPCanary struct {
	// URL is the health endpoint.
	URL string
	// Client performs the request; nil uses http.DefaultClient.
	Client *http.Client
}

// Check implements Canary.
func (c HTTPCanary) Check(ctx context.Context) error {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, http.NoBody)
	if err != nil {
		return fmt.Errorf("build canary request: %w", err)
	}

	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("canary %s: %w", c.URL, err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %s", errBadCanaryStatus, resp.Status)
	}

	return nil
}
