// Package metrics exposes Prometheus instrumentation for the signer agent
// and a standalone metrics server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// DeviceCommandsTotal counts device commands served, by operation and
	// result code.
	DeviceCommandsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "signer_device_commands_total",
		Help: "Device commands served, by operation and result code",
	}, []string{"op", "code"})

	// DeviceCommandDuration observes device command latency by operation.
	DeviceCommandDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signer_device_command_duration_seconds",
		Help:    "Device command latency, by operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// EnvelopesBuiltTotal counts envelopes constructed by the builder CLI or
	// library callers reporting through this package.
	EnvelopesBuiltTotal = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "signer_envelopes_built_total",
		Help: "Signed-data envelopes constructed",
	})
)

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// MetricsServer serves the Prometheus registry over HTTP.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr. The namespace argument is
// kept for operator-facing identification in the landing page.
func New(namespace, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("metrics for " + namespace + "\n"))
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving metrics until shutdown.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
