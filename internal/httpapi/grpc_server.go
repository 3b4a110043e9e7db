package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"qazna.org/adminauth/internal/obs"
)

// GRPCServiceName is the service name reported through grpc.health.v1.
const GRPCServiceName = "adminauth.v1.AdminAuth"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer exposes the standard gRPC health service, driven by the same
// readiness probe as /readyz.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	logger    *zap.Logger
}

// NewGRPCServer creates the health service wrapper. Status starts as
// NOT_SERVING until the first check succeeds.
func NewGRPCServer(r readinessChecker, logger *zap.Logger) *GRPCServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		logger:    logger,
	}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Check evaluates readiness once and publishes the result.
func (s *GRPCServer) Check(ctx context.Context) bool {
	if err := s.readiness.Check(ctx); err != nil {
		s.logger.Warn("not ready", zap.Error(err))
		obs.SetReady(false)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	obs.SetReady(true)
	s.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// WatchReadiness re-checks every interval until ctx is done, then marks the
// service as shutting down.
func (s *GRPCServer) WatchReadiness(ctx context.Context, interval time.Duration) {
	s.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

func (s *GRPCServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(GRPCServiceName, status)
}
