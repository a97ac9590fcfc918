// Package metrics exposes plugin loading measurements to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch cache results.
const (
	ResultHit  = "hit"
	ResultMiss = "miss"
)

// Metrics holds the plugin loading metrics.
type Metrics struct {
	ImportsTotal   *prometheus.CounterVec
	ImportDuration *prometheus.HistogramVec
	FetchCache     *prometheus.CounterVec
	PluginsLoaded  prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the metrics and registers them with registry. A nil registry
// gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		ImportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugload_imports_total",
				Help: "Total number of plugin module imports",
			},
			[]string{"strategy", "outcome"},
		),
		ImportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugload_import_duration_seconds",
				Help:    "Plugin module import duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		FetchCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugload_fetch_cache_total",
				Help: "Module fetch cache lookups",
			},
			[]string{"result"},
		),
		PluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugload_plugins_loaded",
				Help: "Number of plugins currently loaded",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.ImportsTotal,
		m.ImportDuration,
		m.FetchCache,
		m.PluginsLoaded,
	)
	return m
}

// ObserveImport records one plugin module import.
func (m *Metrics) ObserveImport(strategy, outcome string, d time.Duration) {
	m.ImportsTotal.WithLabelValues(strategy, outcome).Inc()
	m.ImportDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// ObserveFetch records one fetch cache lookup.
func (m *Metrics) ObserveFetch(hit bool) {
	result := ResultMiss
	if hit {
		result = ResultHit
	}
	m.FetchCache.WithLabelValues(result).Inc()
}

// SetPluginsLoaded sets the loaded plugin gauge.
func (m *Metrics) SetPluginsLoaded(n int) {
	m.PluginsLoaded.Set(float64(n))
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterEndpoint registers the /metrics endpoint on mux.
func (m *Metrics) RegisterEndpoint(mux *http.ServeMux) {
	mux.Handle("/metrics", m.Handler())
}

// Serve serves /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	m.RegisterEndpoint(mux)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
