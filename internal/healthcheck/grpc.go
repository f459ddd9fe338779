// Package healthcheck exposes the standard gRPC health service so
// orchestrators can check the bot without speaking HTTP.
package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Server serves grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	logger *slog.Logger
}

// Listen binds addr and registers the health service. The overall status
// starts as NOT_SERVING until SetServing is called.
func Listen(addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    2 * time.Minute,
		Timeout: 10 * time.Second,
	}))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{grpc: gs, health: hs, lis: lis, logger: logger}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.logger.Info("gRPC health server listening", "addr", s.lis.Addr().String())
	if err := s.grpc.Serve(s.lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// SetServing updates the status of service ("" is the overall status).
func (s *Server) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Watch runs ping every interval and reflects its result on service until
// ctx is done.
func (s *Server) Watch(ctx context.Context, service string, interval time.Duration, ping func(context.Context) error) {
	check := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := ping(checkCtx); err != nil {
			s.logger.Warn("Health check failed", "service", service, "error", err)
			s.SetServing(service, false)
			return
		}
		s.SetServing(service, true)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Shutdown marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	s.logger.Info("gRPC health server stopped")
}

// Check queries a health server and returns the reported status.
func Check(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("create health client for %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("check health: %w", err)
	}
	return resp.GetStatus(), nil
}
