package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// StatusSuccess labels a completed write.
	StatusSuccess = "success"
	// StatusFailure labels a failed write.
	StatusFailure = "failure"

	// OutcomeProjected labels a projection that wrote metadata.
	OutcomeProjected = "projected"
	// OutcomeSkipped labels a projection skipped for empty content.
	OutcomeSkipped = "skipped"
	// OutcomeFailed labels a projection whose store write failed.
	OutcomeFailed = "failed"
)

// Collector holds the Prometheus metrics of the collaboration service. All
// methods are safe on a nil receiver so components may run without metrics.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	peersConnected  prometheus.Gauge
	framesRelayed   prometheus.Counter
	updatesRejected prometheus.Counter
	snapshotWrites  *prometheus.CounterVec
	projections     *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	collector := &Collector{
		registry: registry,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of resident document sessions",
		}),
		peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of connected collaboration peers",
		}),
		framesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_relayed_total",
			Help:      "Total number of update frames relayed to peers",
		}),
		updatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_rejected_total",
			Help:      "Total number of malformed updates dropped",
		}),
		snapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Total number of snapshot writes by status",
		}, []string{"status"}),
		projections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projections_total",
			Help:      "Total number of metadata projections by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		collector.sessionsActive,
		collector.peersConnected,
		collector.framesRelayed,
		collector.updatesRejected,
		collector.snapshotWrites,
		collector.projections,
	)
	return collector
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) SessionOpened() {
	if c != nil {
		c.sessionsActive.Inc()
	}
}

func (c *Collector) SessionClosed() {
	if c != nil {
		c.sessionsActive.Dec()
	}
}

func (c *Collector) PeerJoined() {
	if c != nil {
		c.peersConnected.Inc()
	}
}

func (c *Collector) PeerLeft() {
	if c != nil {
		c.peersConnected.Dec()
	}
}

func (c *Collector) FramesRelayed(count int) {
	if c != nil && count > 0 {
		c.framesRelayed.Add(float64(count))
	}
}

func (c *Collector) UpdateRejected() {
	if c != nil {
		c.updatesRejected.Inc()
	}
}

func (c *Collector) SnapshotWrite(status string) {
	if c != nil {
		c.snapshotWrites.WithLabelValues(status).Inc()
	}
}

func (c *Collector) Projection(outcome string) {
	if c != nil {
		c.projections.WithLabelValues(outcome).Inc()
	}
}
