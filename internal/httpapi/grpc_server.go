package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tenantgate.org/internal/obs"
)

// HealthService publishes readiness over the standard grpc.health.v1 service,
// both for the empty service name and for "tenantgate".
type HealthService struct {
	srv       *health.Server
	readiness readinessChecker
	logger    *zap.Logger
}

// NewHealthService starts in NOT_SERVING until the first Refresh.
func NewHealthService(r readinessChecker, logger *zap.Logger) *HealthService {
	if r == nil {
		r = ReadyProbe{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HealthService{srv: health.NewServer(), readiness: r, logger: logger}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *HealthService) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh runs the readiness probe once and publishes the outcome.
func (h *HealthService) Refresh(ctx context.Context) error {
	err := h.readiness.Check(ctx)
	if err != nil {
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run refreshes every interval until ctx is done, then marks the service as
// shutting down so clients drain.
func (h *HealthService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := h.Refresh(pctx); err != nil {
			h.logger.Warn("grpc health probe failed", zap.Error(err))
		}
	}
	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			probe()
		}
	}
}

func (h *HealthService) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
}
