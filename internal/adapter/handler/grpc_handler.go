package handler

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the checkout API.
const ServiceName = "marketplace.checkout"

type Pinger interface {
	Ping(ctx context.Context) error
}

// GRPCHandler serves the standard gRPC health protocol, driven by periodic
// checks of the backing stores.
type GRPCHandler struct {
	health  *health.Server
	pingers map[string]Pinger
	log     *slog.Logger
}

func NewGRPCHandler(pingers map[string]Pinger, log *slog.Logger) *GRPCHandler {
	return &GRPCHandler{
		health:  health.NewServer(),
		pingers: pingers,
		log:     log.With("component", "grpc"),
	}
}

func (h *GRPCHandler) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
	reflection.Register(s)
}

// Check pings every dependency once and publishes the aggregate status.
func (h *GRPCHandler) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	for name, p := range h.pingers {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			h.log.Warn("dependency unhealthy", "dependency", name, "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
	return status
}

// Watch checks on every tick until ctx is done.
func (h *GRPCHandler) Watch(ctx context.Context, every time.Duration) {
	h.Check(ctx)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Shutdown marks every service as not serving so clients drain.
func (h *GRPCHandler) Shutdown() {
	h.health.Shutdown()
}
