package observability

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth serves the standard grpc.health.v1 service so orchestrators that
// probe over gRPC see the same readiness as the HTTP /ready endpoint.
type GRPCHealth struct {
	server   *grpc.Server
	health   *health.Server
	checks   []DependencyCheck
	interval time.Duration
}

// NewGRPCHealth creates the gRPC health server. Readiness is refreshed from checks
// every interval once Serve is running.
func NewGRPCHealth(interval time.Duration, checks ...DependencyCheck) *GRPCHealth {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &GRPCHealth{server: srv, health: hs, checks: checks, interval: interval}
}

// Serve listens on addr until ctx is cancelled.
func (g *GRPCHealth) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc health listen on %s: %w", addr, err)
	}

	go g.refresh(ctx)
	go func() {
		<-ctx.Done()
		g.health.Shutdown()
		g.server.GracefulStop()
	}()

	if err := g.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc health serve: %w", err)
	}
	return nil
}

// Refresh evaluates the dependency checks once and publishes the result.
func (g *GRPCHealth) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if _, ok := CheckDependencies(checkCtx, g.checks); !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(serviceName, status)
	return status
}

func (g *GRPCHealth) refresh(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Refresh(ctx)
		}
	}
}
