package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rxd90/CommandBridge/internal/platform/clock"
)

const readyTimeout = 2 * time.Second

// Pinger reports whether a backing store can serve requests.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler serves the unauthenticated ops endpoints.
type SystemHandler struct {
	Store     Pinger
	Gatherer  prometheus.Gatherer
	Clock     clock.Clock
	StartedAt time.Time
	Version   string
}

func (h SystemHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/readyz", h.ready)
	g := h.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

func (h SystemHandler) health(w http.ResponseWriter, _ *http.Request) {
	clk := h.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "commandbridge",
		"version": h.Version,
		"uptime":  clk.Now().Sub(h.StartedAt).Truncate(time.Second).String(),
	})
}

func (h SystemHandler) ready(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, messageBody{Message: "audit store unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
