package server

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/hostbridge/pkg/types"
)

type fakeBridge struct {
	running atomic.Bool
}

func (f *fakeBridge) IsRunning() bool    { return f.running.Load() }
func (f *fakeBridge) Stats() types.Stats { return types.Stats{Queued: 2} }

func startServer(t *testing.T, src StatusSource) (*Server, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(src, zerolog.Nop())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return srv, lis.Addr().String()
}

func checkCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHealthFollowsBridge(t *testing.T) {
	src := &fakeBridge{}
	srv, addr := startServer(t, src)

	resp, err := CheckHealth(checkCtx(t), addr, BridgeService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	src.running.Store(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, srv.Sync())

	resp, err = CheckHealth(checkCtx(t), addr, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestUnknownServiceIsNotFound(t *testing.T) {
	_, addr := startServer(t, &fakeBridge{})

	_, err := CheckHealth(checkCtx(t), addr, "no.such.Service")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestWatchSyncsPeriodically(t *testing.T) {
	src := &fakeBridge{}
	srv, addr := startServer(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Watch(ctx, 5*time.Millisecond)

	src.running.Store(true)
	require.Eventually(t, func() bool {
		resp, err := CheckHealth(checkCtx(t), addr, BridgeService)
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
