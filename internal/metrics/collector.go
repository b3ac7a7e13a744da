// Package metrics exposes Prometheus instrumentation for the simulated
// DICOM endpoint.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// Collector owns the Prometheus registry and the event-pipeline metrics.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	activeAssociations prometheus.Gauge
	maxConcurrent      prometheus.Gauge
	associationCounter prometheus.Counter
	objectCounter      *prometheus.CounterVec
	unmatchedCloses    prometheus.Counter
	recoveredEvents    *prometheus.CounterVec
	snapshotDuration   prometheus.Histogram
}

// NewCollector creates a metrics collector. A disabled collector is a
// valid no-op sink.
func NewCollector(config Config) (*Collector, error) {
	if config.Namespace == "" {
		config.Namespace = "dicomsim"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	c := &Collector{config: config}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

func (c *Collector) initMetrics() {
	c.activeAssociations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Name:      "active_associations",
		Help:      "Number of currently open DICOM associations",
	})
	c.maxConcurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Name:      "max_concurrent_associations",
		Help:      "Historical maximum of concurrently open associations",
	})
	c.associationCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Name:      "associations_total",
		Help:      "Total number of associations ever opened",
	})
	c.objectCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Name:      "objects_received_total",
		Help:      "Total number of C-STORE objects received",
	}, []string{"modality"})
	c.unmatchedCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Name:      "unmatched_closes_total",
		Help:      "Close events that could not be correlated with an open session",
	})
	c.recoveredEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Name:      "recovered_events_total",
		Help:      "Event handler panics recovered without terminating the listener",
	}, []string{"event"})
	c.snapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: c.config.Namespace,
		Name:      "snapshot_build_duration_seconds",
		Help:      "Time spent building registry snapshots under the lock",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
	})
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.activeAssociations,
		c.maxConcurrent,
		c.associationCounter,
		c.objectCounter,
		c.unmatchedCloses,
		c.recoveredEvents,
		c.snapshotDuration,
	}
	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the /metrics HTTP handler, or nil when disabled.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return nil
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Path returns the configured metrics endpoint path.
func (c *Collector) Path() string {
	return c.config.Path
}

// AssociationOpened records a new association.
func (c *Collector) AssociationOpened() {
	if !c.config.Enabled {
		return
	}
	c.associationCounter.Inc()
	c.activeAssociations.Inc()
}

// AssociationClosed records an association ending. The gauge mirrors the
// registry's clamped active counter, so it moves exactly when the counter
// did; unmatched closes are counted separately.
func (c *Collector) AssociationClosed(matched, decremented bool) {
	if !c.config.Enabled {
		return
	}
	if decremented {
		c.activeAssociations.Dec()
	}
	if !matched {
		c.unmatchedCloses.Inc()
	}
}

// ObjectReceived records a stored object.
func (c *Collector) ObjectReceived(modality string) {
	if !c.config.Enabled {
		return
	}
	if modality == "" {
		modality = "unknown"
	}
	c.objectCounter.With(prometheus.Labels{"modality": modality}).Inc()
}

// EventRecovered records a recovered event-handler panic.
func (c *Collector) EventRecovered(event string) {
	if !c.config.Enabled {
		return
	}
	c.recoveredEvents.With(prometheus.Labels{"event": event}).Inc()
}

// UpdateMaxConcurrent publishes the registry's high-water mark.
func (c *Collector) UpdateMaxConcurrent(max int) {
	if !c.config.Enabled {
		return
	}
	c.maxConcurrent.Set(float64(max))
}

// ObserveSnapshotDuration records how long a snapshot took to build.
func (c *Collector) ObserveSnapshotDuration(seconds float64) {
	if !c.config.Enabled {
		return
	}
	c.snapshotDuration.Observe(seconds)
}
