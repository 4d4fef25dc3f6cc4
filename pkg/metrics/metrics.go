// Package metrics exposes Prometheus collectors for the job engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/renderq/renderq/pkg/models"
	"github.com/renderq/renderq/pkg/store"
)

// Metrics holds the engine's collectors. A nil *Metrics is valid and
// records nothing, so tests can pass nil.
type Metrics struct {
	JobsByState     *prometheus.GaugeVec
	ClaimsTotal     prometheus.Counter
	CompletionsOK   prometheus.Counter
	FailuresByCode  *prometheus.CounterVec
	EncodeDuration  prometheus.Histogram
	RecoveredOnBoot prometheus.Counter
}

// New registers the collectors on a fresh registry and returns them
// with an HTTP handler for /metrics.
func New() (*Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		JobsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "renderq_jobs",
			Help: "Number of jobs per state",
		}, []string{"state"}),
		ClaimsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderq_claims_total",
			Help: "Total jobs claimed by this worker",
		}),
		CompletionsOK: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderq_completions_total",
			Help: "Total jobs completed successfully",
		}),
		FailuresByCode: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "renderq_failures_total",
			Help: "Total failed jobs by error code",
		}, []string{"code"}),
		EncodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "renderq_encode_duration_seconds",
			Help:    "Wall-clock duration of the encode stage",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		RecoveredOnBoot: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderq_recovered_jobs_total",
			Help: "Orphaned jobs failed during startup recovery",
		}),
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveQueue refreshes the per-state gauge from the store.
func (m *Metrics) ObserveQueue(s store.Store) {
	if m == nil {
		return
	}
	counts, err := s.CountByState()
	if err != nil {
		return
	}
	for _, state := range []models.JobState{
		models.JobStateQueued, models.JobStatePreparing, models.JobStateDownloading,
		models.JobStateEncoding, models.JobStateFinalizing, models.JobStateDone,
		models.JobStateFailed,
	} {
		m.JobsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// Claimed records a successful claim.
func (m *Metrics) Claimed() {
	if m == nil {
		return
	}
	m.ClaimsTotal.Inc()
}

// Completed records a successful render.
func (m *Metrics) Completed() {
	if m == nil {
		return
	}
	m.CompletionsOK.Inc()
}

// Failed records a failed job under its error code.
func (m *Metrics) Failed(code string) {
	if m == nil {
		return
	}
	m.FailuresByCode.WithLabelValues(code).Inc()
}

// EncodeSeconds records the encode stage duration.
func (m *Metrics) EncodeSeconds(seconds float64) {
	if m == nil {
		return
	}
	m.EncodeDuration.Observe(seconds)
}

// Recovered records jobs failed by startup orphan recovery.
func (m *Metrics) Recovered(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.RecoveredOnBoot.Add(float64(count))
}
