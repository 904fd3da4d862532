// Package observability wires the engine's Prometheus metrics and
// OpenTelemetry tracing. Both are optional bootstrap stages: a failure here
// degrades /metrics or span export, never the engine itself.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"transcribeengine/internal/domain"
)

// EngineStats is the snapshot the metrics collector reads on every scrape.
// All figures are read-path aggregates; nothing is pushed from the hot path.
type EngineStats struct {
	QueueDepth    int
	BusyWorkers   int
	TasksByStatus map[domain.TaskStatus]int
	ModelLoaded   bool
	ModelSize     domain.ModelSize
}

// StatsFunc produces the current EngineStats. Called on every scrape.
type StatsFunc func() EngineStats

// Metrics owns the engine's Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry
}

// NewMetrics builds a registry with the engine collector plus the standard
// Go and process collectors.
func NewMetrics(stats StatsFunc) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		newEngineCollector(stats),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return &Metrics{registry: registry}, nil
}

// Handler returns the /metrics scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var (
	descQueueDepth = prometheus.NewDesc(
		"transcribe_queue_depth",
		"Number of task handles currently waiting in the in-memory queue.",
		nil, nil)
	descWorkersBusy = prometheus.NewDesc(
		"transcribe_workers_busy",
		"Number of workers currently holding a claimed task.",
		nil, nil)
	descTasks = prometheus.NewDesc(
		"transcribe_tasks",
		"Number of tasks on record, by status.",
		[]string{"status"}, nil)
	descModelLoaded = prometheus.NewDesc(
		"transcribe_model_loaded",
		"Whether a model is currently loaded (1) and which size.",
		[]string{"size"}, nil)
)

// engineCollector derives every engine gauge from one EngineStats snapshot
// at scrape time, so the queue, pool, store, and model manager never carry
// metrics plumbing of their own.
type engineCollector struct {
	stats StatsFunc
}

func newEngineCollector(stats StatsFunc) *engineCollector {
	return &engineCollector{stats: stats}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descQueueDepth
	ch <- descWorkersBusy
	ch <- descTasks
	ch <- descModelLoaded
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(descQueueDepth, prometheus.GaugeValue, float64(s.QueueDepth))
	ch <- prometheus.MustNewConstMetric(descWorkersBusy, prometheus.GaugeValue, float64(s.BusyWorkers))
	for status, count := range s.TasksByStatus {
		ch <- prometheus.MustNewConstMetric(descTasks, prometheus.GaugeValue, float64(count), string(status))
	}
	if s.ModelLoaded {
		ch <- prometheus.MustNewConstMetric(descModelLoaded, prometheus.GaugeValue, 1, string(s.ModelSize))
	}
}
