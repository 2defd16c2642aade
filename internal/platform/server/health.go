package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name reported alongside "".
const HealthService = "commandbridge.v1.Actions"

// ReadinessProbe mirrors audit store reachability into the gRPC health server
// and the audit readiness gauge.
type ReadinessProbe struct {
	Health   *health.Server
	Store    Pinger
	Metrics  *Metrics
	Logger   *slog.Logger
	Interval time.Duration

	last healthv1.HealthCheckResponse_ServingStatus
}

// Check pings the store once and publishes the result.
func (p *ReadinessProbe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	err := p.Store.Ping(ctx)
	next := healthv1.HealthCheckResponse_SERVING
	if err != nil {
		next = healthv1.HealthCheckResponse_NOT_SERVING
	}
	if next != p.last && p.Logger != nil {
		attrs := []any{slog.String("status", next.String())}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		p.Logger.Info("health: readiness changed", attrs...)
	}
	p.last = next
	p.Health.SetServingStatus("", next)
	p.Health.SetServingStatus(HealthService, next)
	p.Metrics.SetAuditReady(err == nil)
	return err == nil
}

// Run checks immediately and then every Interval until ctx is cancelled.
func (p *ReadinessProbe) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.Check(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Check(ctx)
		}
	}
}
