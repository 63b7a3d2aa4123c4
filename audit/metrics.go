package audit

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds the run counters. The pipeline is offline, so instead of
// serving an endpoint the counters are written as a textfile snapshot into
// the run directory, in the node-exporter textfile-collector format.
type Metrics struct {
	registry *prometheus.Registry

	ModulesProcessed   prometheus.Counter
	Promotions         *prometheus.CounterVec
	Suggestions        prometheus.Counter
	ValidationFailures prometheus.Counter
	GateFailures       *prometheus.CounterVec
}

// NewMetrics creates and registers the run counters.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ModulesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starmap_modules_processed_total",
			Help: "Modules classified during the run.",
		}),
		Promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "starmap_promotions_total",
			Help: "Category promotions applied, by category.",
		}, []string{"category"}),
		Suggestions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starmap_suggestions_total",
			Help: "Below-threshold category suggestions recorded.",
		}),
		ValidationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starmap_validation_failures_total",
			Help: "Records that failed schema validation.",
		}),
		GateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "starmap_gate_failures_total",
			Help: "Safety-gate failures, by gate.",
		}, []string{"gate"}),
	}
	m.registry.MustRegister(
		m.ModulesProcessed,
		m.Promotions,
		m.Suggestions,
		m.ValidationFailures,
		m.GateFailures,
	)
	return m
}

// WriteTextfile dumps all counters in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}

	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	defer f.Close()

	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(f, family); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}
