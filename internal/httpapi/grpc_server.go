package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pumpctl.org/internal/obs"
)

// GRPCHealth exposes readiness through the standard grpc.health.v1 service,
// both for the whole server ("") and under the pumpd service name.
type GRPCHealth struct {
	*health.Server
	readiness readinessChecker
}

func NewGRPCHealth(r readinessChecker) *GRPCHealth {
	return &GRPCHealth{Server: health.NewServer(), readiness: r}
}

// Register attaches the health service to srv.
func (h *GRPCHealth) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h.Server)
}

// Refresh evaluates readiness once and publishes the serving status.
func (h *GRPCHealth) Refresh(ctx context.Context) error {
	status := healthpb.HealthCheckResponse_SERVING
	err := h.readiness.Check(ctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Warn("readiness_failed", map[string]any{"error": err})
	}
	obs.SetReady(err == nil)
	h.SetServingStatus("", status)
	h.SetServingStatus(serviceName, status)
	return err
}

// Run refreshes every interval until ctx ends, then marks the server as
// shutting down.
func (h *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	_ = h.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
			cctx, cancel := context.WithTimeout(ctx, interval)
			_ = h.Refresh(cctx)
			cancel()
		}
	}
}
