package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/sink"
)

// Metrics exports pipeline counters to Prometheus.
type Metrics struct {
	mu sync.Mutex

	stagesTotal    *prometheus.CounterVec
	outcomesTotal  *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	artifactsTotal *prometheus.CounterVec
	alertsTotal    *prometheus.CounterVec
	pollErrors     prometheus.Counter
	duration       *prometheus.HistogramVec
	backlog        prometheus.Gauge
	lastSuccess    prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// newCounterVec creates a counter vec in the stmtflow/pipeline namespace.
func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stmtflow",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stmtflow",
		Subsystem: "pipeline",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the collectors. A nil registerer means the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:     registerer,
		stagesTotal:    newCounterVec("stage_transitions_total", "Statements entering each processing stage", []string{"stage"}),
		outcomesTotal:  newCounterVec("outcomes_total", "Terminal outcomes by error class", []string{"outcome", "class"}),
		retriesTotal:   newCounterVec("retries_total", "Stage retries after transient failures", []string{"stage", "class"}),
		artifactsTotal: newCounterVec("artifacts_total", "Artifacts written or found already stored", []string{"result"}),
		alertsTotal:    newCounterVec("alerts_total", "Alerts raised", []string{"severity", "class"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stmtflow",
			Subsystem: "source",
			Name:      "poll_errors_total",
			Help:      "Failed polls of the source connector",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stmtflow",
			Subsystem: "pipeline",
			Name:      "processing_seconds",
			Help:      "Time from receipt to terminal outcome",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		backlog:     newGauge("backlog", "Payloads queued or in flight"),
		lastSuccess: newGauge("last_success_timestamp_seconds", "Unix time of the last successful statement"),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.stagesTotal,
		m.outcomesTotal,
		m.retriesTotal,
		m.artifactsTotal,
		m.alertsTotal,
		m.pollErrors,
		m.duration,
		m.backlog,
		m.lastSuccess,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// The recorders below accept a nil receiver so the pipeline can run without
// metrics.

func (m *Metrics) RecordStage(stage Stage) {
	if m == nil {
		return
	}
	m.stagesTotal.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) RecordRetry(stage Stage, class errspkg.Class) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(string(stage), string(class)).Inc()
}

func (m *Metrics) RecordOutcome(out Outcome, at time.Time) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(string(out.Kind), string(out.Class)).Inc()
	m.duration.WithLabelValues(string(out.Kind)).Observe(out.Duration.Seconds())
	if out.Kind == OutcomeSuccess {
		m.lastSuccess.Set(float64(at.Unix()))
	}
}

func (m *Metrics) RecordArtifact(ref sink.ArtifactRef) {
	if m == nil {
		return
	}
	result := "stored"
	switch {
	case ref.Deduplicated:
		result = "deduplicated"
	case ref.Supersedes != "":
		result = "superseded"
	}
	m.artifactsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAlert(a Alert) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(string(a.Severity), string(a.Class)).Inc()
}

func (m *Metrics) RecordPollError() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

func (m *Metrics) SetBacklog(n int64) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}
