package metrics

import (
	"context"
	"net/http"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a reporter that counts finished runs and jobs. It owns its
// registry so tests and embedders do not share global state.
type Metrics struct {
	reg *prometheus.Registry

	runs       *prometheus.CounterVec
	jobs       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	fetchRetry *prometheus.CounterVec
	superseded prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ci_runs_total",
			Help: "Finished runs by pipeline and terminal status.",
		}, []string{"pipeline", "status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ci_jobs_total",
			Help: "Finished jobs by pipeline, job and status.",
		}, []string{"pipeline", "job", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ci_run_duration_seconds",
			Help:    "Wall time from run start to its result.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"pipeline"}),
		fetchRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ci_fetch_retries_total",
			Help: "Source fetch attempts that failed and were retried.",
		}, []string{"repo"}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ci_runs_superseded_total",
			Help: "Runs cancelled because a newer run took their group.",
		}),
	}

	m.reg.MustRegister(
		m.runs, m.jobs, m.duration, m.fetchRetry, m.superseded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Report(_ context.Context, r domain.RunResult) error {
	m.runs.WithLabelValues(r.Definition, string(r.Status)).Inc()
	if r.SupersededBy != "" {
		m.superseded.Inc()
	}
	for _, j := range r.Jobs {
		m.jobs.WithLabelValues(r.Definition, j.Name, string(j.Status)).Inc()
	}
	if d := r.Duration(); d > 0 {
		m.duration.WithLabelValues(r.Definition).Observe(d.Seconds())
	}
	return nil
}

// FetchRetried is the assembler's retry hook.
func (m *Metrics) FetchRetried(repo string) {
	m.fetchRetry.WithLabelValues(repo).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
