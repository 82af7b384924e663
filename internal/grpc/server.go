package grpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck = func(ctx context.Context) error

// OpsServer exposes the standard gRPC health service and reflection.
// Each check is published under its own service name; the empty name
// reflects all of them together.
type OpsServer struct {
	srv      *grpc.Server
	health   *health.Server
	checks   map[string]HealthCheck
	interval time.Duration
	logger   *slog.Logger
}

func NewOpsServer(checks map[string]HealthCheck, interval time.Duration, logger *slog.Logger) *OpsServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	// Enable reflection for grpcurl/grpcui
	reflection.Register(srv)

	return &OpsServer{
		srv:      srv,
		health:   hs,
		checks:   checks,
		interval: interval,
		logger:   logger,
	}
}

// Refresh runs every check once and publishes the result.
func (s *OpsServer) Refresh(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	for name, check := range s.checks {
		status := healthpb.HealthCheckResponse_SERVING
		if err := check(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
			s.logger.WarnContext(ctx, "health check failed", slog.String("check", name), slog.Any("error", err))
		}
		s.health.SetServingStatus(name, status)
	}
	s.health.SetServingStatus("", overall)
}

// Serve blocks until ctx is cancelled or the listener fails.
func (s *OpsServer) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.Refresh(ctx)
	go s.watch(ctx)
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.srv.GracefulStop()
	}()

	s.logger.Info("gRPC ops server listening", slog.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *OpsServer) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, s.interval)
			s.Refresh(checkCtx)
			cancel()
		}
	}
}
