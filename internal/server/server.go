// ============================================================================
// hostbridge gRPC Server - health reporting
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Exposes the bridge's liveness over the standard gRPC health
//          protocol so orchestrators and `hostbridge status --grpc` can
//          probe a running daemon.
//
// Services:
//   grpc.health.v1.Health   ""                 overall daemon status
//                           "hostbridge.Bridge" bridge accepting work
//   grpc.reflection.v1      for grpcurl and similar tools
//
// Status mapping:
//   bridge running          → SERVING
//   bridge not initialized  → NOT_SERVING
//   bridge shut down        → NOT_SERVING, then Shutdown() on stop
//
// ============================================================================

package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ChuLiYu/hostbridge/pkg/types"
)

// BridgeService is the health service name reported for the bridge
const BridgeService = "hostbridge.Bridge"

// StatusSource reports the bridge state
type StatusSource interface {
	IsRunning() bool
	Stats() types.Stats
}

// Server serves gRPC health for one bridge
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	src        StatusSource
	log        zerolog.Logger

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

// NewServer creates the gRPC server with health and reflection registered.
func NewServer(src StatusSource, log zerolog.Logger) *Server {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	s := &Server{
		grpcServer: gs,
		health:     hs,
		src:        src,
		log:        log.With().Str("component", "grpc").Logger(),
		last:       healthpb.HealthCheckResponse_UNKNOWN,
	}
	s.Sync()
	return s
}

// Sync copies the bridge state into the health service and returns the
// status it set.
func (s *Server) Sync() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.src.IsRunning() {
		status = healthpb.HealthCheckResponse_SERVING
	}

	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(BridgeService, status)

	s.mu.Lock()
	changed := s.last != status
	s.last = status
	s.mu.Unlock()

	if changed {
		stats := s.src.Stats()
		s.log.Info().
			Str("status", status.String()).
			Int("active", stats.Active()).
			Msg("health status changed")
	}
	return status
}

// Watch calls Sync every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sync()
		}
	}
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.log.Info().Msg("gRPC server stopped")
}

// CheckHealth queries the health service at addr for service ("" means the
// whole daemon).
func CheckHealth(ctx context.Context, addr, service string) (*healthpb.HealthCheckResponse, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	return resp, nil
}
