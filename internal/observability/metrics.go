package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the pipeline's prometheus collectors. A single instance
// is created at startup and threaded into the orchestrator.
type Metrics struct {
	ItemsProcessed *prometheus.CounterVec
	ItemFailures   *prometheus.CounterVec
	FramesIndexed  prometheus.Counter
	ScansStarted   prometheus.Counter
	BatchState     prometheus.Gauge
	WorklistSize   prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		ItemsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediadex",
			Name:      "items_processed_total",
			Help:      "Items that completed an inference pass, by kind.",
		}, []string{"kind"}),
		ItemFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediadex",
			Name:      "item_failures_total",
			Help:      "Per-item inference failures recorded as error markers, by kind.",
		}, []string{"kind"}),
		FramesIndexed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadex",
			Name:      "frames_indexed_total",
			Help:      "Video frames extracted and persisted.",
		}),
		ScansStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadex",
			Name:      "scans_started_total",
			Help:      "Media source scans started.",
		}),
		BatchState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediadex",
			Name:      "pipeline_state",
			Help:      "Orchestrator state: 0 idle, 1 scanning, 2 processing, 3 paused.",
		}),
		WorklistSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediadex",
			Name:      "worklist_size",
			Help:      "Items remaining in the active worklist.",
		}),
	}
}

// Nop returns metrics backed by a throwaway registry, for tests.
func Nop() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		ItemsProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{Name: "items_processed_total"}, []string{"kind"}),
		ItemFailures:   promauto.With(reg).NewCounterVec(prometheus.CounterOpts{Name: "item_failures_total"}, []string{"kind"}),
		FramesIndexed:  promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "frames_indexed_total"}),
		ScansStarted:   promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "scans_started_total"}),
		BatchState:     promauto.With(reg).NewGauge(prometheus.GaugeOpts{Name: "pipeline_state"}),
		WorklistSize:   promauto.With(reg).NewGauge(prometheus.GaugeOpts{Name: "worklist_size"}),
	}
}
