package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the gRPC health service name the gateway reports under, next
// to the overall "" service.
const Service = "voiceagent"

// Reporter runs CheckAll periodically and publishes the outcome to a gRPC
// health server and to readers of Latest.
type Reporter struct {
	check    func(ctx context.Context) HealthStatus
	interval time.Duration
	log      *slog.Logger
	srv      *grpchealth.Server

	mu     sync.RWMutex
	latest HealthStatus
}

func NewReporter(check func(ctx context.Context) HealthStatus, interval time.Duration, lg *slog.Logger) *Reporter {
	if lg == nil {
		lg = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	r := &Reporter{
		check:    check,
		interval: interval,
		log:      lg.With("component", "health"),
		srv:      grpchealth.NewServer(),
	}
	r.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	r.srv.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Register exposes the health service on s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.srv)
}

// Server is the underlying gRPC health server.
func (r *Reporter) Server() *grpchealth.Server { return r.srv }

// Refresh runs the checks once and publishes the result.
func (r *Reporter) Refresh(ctx context.Context) HealthStatus {
	st := r.check(ctx)
	r.mu.Lock()
	prev := r.latest
	r.latest = st
	r.mu.Unlock()

	status := healthpb.HealthCheckResponse_SERVING
	if !st.OK {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.srv.SetServingStatus("", status)
	r.srv.SetServingStatus(Service, status)
	if prev.CheckedAt.IsZero() || prev.OK != st.OK {
		r.log.Info("health changed", "ok", st.OK, "status", st.String())
	}
	return st
}

// Latest returns the last published status.
func (r *Reporter) Latest() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Run refreshes until ctx is done, then marks every service as shut down.
func (r *Reporter) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		r.Refresh(ctx)
		select {
		case <-ctx.Done():
			r.srv.Shutdown()
			return nil
		case <-t.C:
		}
	}
}
