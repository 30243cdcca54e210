// Package metrics exports round lifecycle metrics to Prometheus and serves
// them on a dedicated HTTP listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/flashbots/secagg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RoundMetrics implements protocol.Observer on top of Prometheus collectors.
type RoundMetrics struct {
	opened     prometheus.Counter
	completed  prometheus.Counter
	aborted    *prometheus.CounterVec
	dropouts   prometheus.Counter
	submitted  prometheus.Counter
	active     prometheus.Gauge
	recovery   prometheus.Histogram
	contribute prometheus.Histogram
}

var _ protocol.Observer = (*RoundMetrics)(nil)

// NewRoundMetrics creates the round collectors and registers them with reg.
func NewRoundMetrics(namespace string, reg prometheus.Registerer) (*RoundMetrics, error) {
	m := &RoundMetrics{
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_opened_total",
			Help:      "Rounds opened by the coordinator.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_completed_total",
			Help:      "Rounds that published an aggregate.",
		}),
		aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_aborted_total",
			Help:      "Rounds aborted, by error code.",
		}, []string{"code"}),
		dropouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropouts_total",
			Help:      "Admitted participants marked dropped.",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Masked vectors accepted.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rounds",
			Help:      "Rounds not yet complete or aborted.",
		}),
		recovery: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Time from recovery request to reconstructed masks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		contribute: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_contributors",
			Help:      "Contributors per completed round.",
			Buckets:   prometheus.ExponentialBuckets(2, 2, 8),
		}),
	}

	for _, c := range []prometheus.Collector{
		m.opened, m.completed, m.aborted, m.dropouts, m.submitted, m.active, m.recovery, m.contribute,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *RoundMetrics) RoundOpened() {
	m.opened.Inc()
	m.active.Inc()
}

func (m *RoundMetrics) RoundCompleted(contributors int) {
	m.completed.Inc()
	m.active.Dec()
	m.contribute.Observe(float64(contributors))
}

func (m *RoundMetrics) RoundAborted(code string) {
	m.aborted.WithLabelValues(code).Inc()
	m.active.Dec()
}

func (m *RoundMetrics) ParticipantDropped() { m.dropouts.Inc() }

func (m *RoundMetrics) VectorSubmitted() { m.submitted.Inc() }

func (m *RoundMetrics) RecoveryFinished(elapsed time.Duration) {
	m.recovery.Observe(elapsed.Seconds())
}

// MetricsServer serves a private registry holding the round metrics and the
// Go runtime collectors.
type MetricsServer struct {
	registry *prometheus.Registry
	rounds   *RoundMetrics
	srv      *http.Server
}

// New creates a metrics server for addr. The server is not started; an empty
// addr still yields usable collectors.
func New(namespace, addr string) (*MetricsServer, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	rounds, err := NewRoundMetrics(namespace, reg)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &MetricsServer{
		registry: reg,
		rounds:   rounds,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Rounds returns the observer to hand to protocol.NewCoordinator.
func (s *MetricsServer) Rounds() *RoundMetrics { return s.rounds }

// Registry exposes the underlying registry, mostly for tests.
func (s *MetricsServer) Registry() *prometheus.Registry { return s.registry }

// Handler returns the /metrics handler.
func (s *MetricsServer) Handler() http.Handler { return s.srv.Handler }

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
