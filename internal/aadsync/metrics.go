package aadsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sync counters. A nil *Metrics records nothing.
type Metrics struct {
	runs         *prometheus.CounterVec
	users        *prometheus.CounterVec
	pages        prometheus.Counter
	fetchRetries prometheus.Counter
	cursorResets prometheus.Counter
	runDuration  prometheus.Histogram
}

// NewMetrics creates the sync metrics and registers them with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aadsync",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Completed sync runs by stop reason",
		}, []string{"stop_reason"}),
		users: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aadsync",
			Subsystem: "sync",
			Name:      "users_total",
			Help:      "Directory records reconciled by outcome",
		}, []string{"outcome"}),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aadsync",
			Subsystem: "sync",
			Name:      "pages_fetched_total",
			Help:      "Directory pages fetched successfully",
		}),
		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aadsync",
			Subsystem: "sync",
			Name:      "fetch_retries_total",
			Help:      "Failed page fetches that were retried or ended the run",
		}),
		cursorResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aadsync",
			Subsystem: "sync",
			Name:      "cursor_resets_total",
			Help:      "Full resyncs caused by an expired delta link",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aadsync",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	if registry != nil {
		registry.MustRegister(m.runs, m.users, m.pages, m.fetchRetries, m.cursorResets, m.runDuration)
	}
	return m
}

func (m *Metrics) observeRun(report Report) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(report.StopReason)).Inc()
	m.runDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
}

func (m *Metrics) observeBatch(result BatchResult) {
	if m == nil {
		return
	}
	m.users.WithLabelValues("created").Add(float64(len(result.Created)))
	m.users.WithLabelValues("updated").Add(float64(len(result.Updated)))
	m.users.WithLabelValues("skipped").Add(float64(len(result.Skipped)))
	m.users.WithLabelValues("failed").Add(float64(result.Failed))
}

func (m *Metrics) pageFetched() {
	if m == nil {
		return
	}
	m.pages.Inc()
}

func (m *Metrics) fetchFailed() {
	if m == nil {
		return
	}
	m.fetchRetries.Inc()
}

func (m *Metrics) cursorReset() {
	if m == nil {
		return
	}
	m.cursorResets.Inc()
}
