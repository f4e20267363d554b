package server

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/ota-agent/internal/service/controller"
)

// TestServe_ReportsAgentHealth flips between SERVING and NOT_SERVING with the agent health.
func TestServe_ReportsAgentHealth(t *testing.T) {
	t.Parallel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var healthy atomic.Bool
	healthy.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- Serve(ctx, lis, &Options{
			Healthy: func(context.Context) bool { return healthy.Load() },
			Refresh: 20 * time.Millisecond,
		})
	}()

	canary := controller.GRPCCanary{Address: lis.Addr().String(), Service: ServiceName}

	require.Eventually(t, func() bool {
		return canary.Check(context.Background()) == nil
	}, 5*time.Second, 20*time.Millisecond)

	healthy.Store(false)

	require.Eventually(t, func() bool {
		return canary.Check(context.Background()) != nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

// TestResolveListenAddress accepts host:port and bare ports.
func TestResolveListenAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		address string
		want    string
		wantErr bool
	}{
		{name: "host and port", address: "127.0.0.1:9090", want: "127.0.0.1:9090"},
		{name: "port only", address: ":9090", want: ":9090"},
		{name: "bare port", address: "9090", want: ":9090"},
		{name: "empty", address: "", wantErr: true},
		{name: "garbage", address: "a:b:c", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := resolveListenAddress(tt.address)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
