// Package metrics exposes Prometheus metrics on a dedicated listener.
package metrics

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves /metrics from its own registry, so several servers
// can live in one process (and in tests) without colliding.
type MetricsServer struct {
	namespace string
	registry  *prometheus.Registry
	srv       *http.Server
}

// New creates a metrics server for the namespace. Nothing listens until
// ListenAndServe is called.
func New(namespace, addr string) (*MetricsServer, error) {
	namespace = sanitizeNamespace(namespace)
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace})); err != nil {
		return nil, err
	}

	m := &MetricsServer{
		namespace: namespace,
		registry:  registry,
	}
	m.srv = &http.Server{
		Addr:    addr,
		Handler: m.Router(),
	}
	return m, nil
}

// Namespace is the metric name prefix used by this server.
func (m *MetricsServer) Namespace() string {
	return m.namespace
}

// Registerer is where collectors served by this server are registered.
func (m *MetricsServer) Registerer() prometheus.Registerer {
	return m.registry
}

// Router returns the /metrics handler tree.
func (m *MetricsServer) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	return mux
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
