package jobqueue

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	jobs *prometheus.CounterVec
}

// NewMetrics registers the job counters and a depth gauge that reads the
// queue on every scrape.
func NewMetrics(registry prometheus.Registerer, queue Queue) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aadsync",
			Subsystem: "jobqueue",
			Name:      "jobs_total",
			Help:      "Jobs handled by the worker pool by outcome.",
		}, []string{"outcome"}),
	}
	collectors := []prometheus.Collector{m.jobs}
	if queue != nil {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "aadsync",
				Subsystem: "jobqueue",
				Name:      "depth",
				Help:      "Jobs in the queue, including claimed and delayed ones.",
			}, func() float64 { return float64(queue.Depth()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "aadsync",
				Subsystem: "jobqueue",
				Name:      "capacity",
				Help:      "Maximum number of queued jobs.",
			}, func() float64 { return float64(queue.Capacity()) }),
		)
	}
	if registry != nil {
		registry.MustRegister(collectors...)
	}
	return m
}

func (m *Metrics) jobFinished(outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
}
