package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

// Server exposes the gRPC health protocol. Each named check becomes a service in the health
// registry; the overall ("") status is SERVING only while every check passes.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	checks     map[string]Checker
	interval   time.Duration
	logger     *slog.Logger
}

// NewServer creates a new health Server.
func NewServer(checks map[string]Checker, interval time.Duration, logger *slog.Logger) *Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{
		grpcServer: gs,
		health:     hs,
		checks:     checks,
		interval:   interval,
		logger:     logger.With("component", "grpc_health"),
	}
}

// CheckOnce runs every check and publishes the results.
func (s *Server) CheckOnce(ctx context.Context) bool {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, s.interval)
		err := s.checks[name](checkCtx)
		cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			healthy = false
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.WarnContext(ctx, "Health check failed", "check", name, "error", err)
		}
		s.health.SetServingStatus(name, status)
	}
	if healthy {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	} else {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return healthy
}

// Check answers a health request directly.
func (s *Server) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

// Serve listens on port and keeps the statuses fresh until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d for gRPC health: %w", port, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	s.CheckOnce(ctx)
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpcServer.GracefulStop()
				return
			case <-ticker.C:
				s.CheckOnce(ctx)
			}
		}
	}()

	s.logger.Info("gRPC health server listening", "address", lis.Addr().String())
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC health server failed: %w", err)
	}
	return nil
}
