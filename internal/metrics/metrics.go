// Package metrics exposes relay counters in the Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nickrelay"

// Metrics holds every collector the relay updates. Each instance has its
// own registry, so tests can create as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	Attempts    prometheus.Counter
	Suppressed  prometheus.Counter
	Intercepted prometheus.Counter
	Active      prometheus.Gauge

	Clients prometheus.Gauge
	Lines   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keepnick",
			Name:      "attempts_total",
			Help:      "NICK requests sent to get the primary nick.",
		}),
		Suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keepnick",
			Name:      "suppressed_total",
			Help:      "Nickname-in-use replies hidden from clients.",
		}),
		Intercepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keepnick",
			Name:      "intercepted_total",
			Help:      "Client NICK requests answered locally.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keepnick",
			Name:      "active",
			Help:      "1 while the relay is trying to get the primary nick.",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downstream_clients",
			Help:      "Connected downstream clients.",
		}),
		Lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_total",
			Help:      "IRC lines seen by the relay.",
		}, []string{"direction", "disposition"}),
	}

	m.Registry.MustRegister(m.Attempts, m.Suppressed, m.Intercepted, m.Active, m.Clients, m.Lines)
	return m
}

// Handler serves the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	return m.serve(ctx, ln)
}

func (m *Metrics) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
