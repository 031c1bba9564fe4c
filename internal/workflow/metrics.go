package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Rough averages used for the savings estimate in daily rollups.
const (
	minutesSavedPerRun  = 12.0
	minutesSavedPerItem = 1.5
	hourlyRate          = 60.0
)

// Metrics exports live counters to Prometheus. The daily rollups persisted in
// the store are rebuilt from runs and decisions, never from these counters.
type Metrics struct {
	runs      *prometheus.CounterVec
	steps     *prometheus.CounterVec
	decisions *prometheus.CounterVec
	overrides prometheus.Counter
	duration  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_runs_total",
			Help: "Workflow runs by definition and final status.",
		}, []string{"definition", "status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_steps_total",
			Help: "Workflow steps by definition and outcome.",
		}, []string{"definition", "outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_ai_decisions_total",
			Help: "AI decisions persisted, by decision type.",
		}, []string{"decision_type"}),
		overrides: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_ai_decision_overrides_total",
			Help: "Human overrides of AI decisions.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_run_duration_seconds",
			Help:    "Wall time of finished workflow runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
		}, []string{"definition"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.steps, m.decisions, m.overrides, m.duration)
	}
	return m
}

func (m *Metrics) RunFinished(definitionID string, status Status, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(definitionID, string(status)).Inc()
	m.duration.WithLabelValues(definitionID).Observe(d.Seconds())
}

func (m *Metrics) StepRecorded(definitionID string, success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.steps.WithLabelValues(definitionID, outcome).Inc()
}

func (m *Metrics) DecisionMade(decisionType string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decisionType).Inc()
}

func (m *Metrics) DecisionOverridden() {
	if m == nil {
		return
	}
	m.overrides.Inc()
}

// RebuildDailyMetrics recomputes the per-definition rollup for one day
// (YYYY-MM-DD, UTC) from the stored runs and decisions, and upserts the
// result. Safe to run repeatedly.
func RebuildDailyMetrics(store Store, day string, now time.Time) ([]Metric, error) {
	runs, err := store.ListRuns("", "", 0)
	if err != nil {
		return nil, err
	}
	rollups := map[string]*Metric{}
	get := func(defID string) *Metric {
		m, ok := rollups[defID]
		if !ok {
			m = &Metric{Day: day, DefinitionID: defID, BuiltAt: now.UTC()}
			rollups[defID] = m
		}
		return m
	}

	byRun := map[string]string{}
	for _, r := range runs {
		if r.CreatedAt.UTC().Format("2006-01-02") != day {
			continue
		}
		byRun[r.ID] = r.DefinitionID
		m := get(r.DefinitionID)
		switch r.Status {
		case StatusCompleted:
			m.RunsCompleted++
			m.EstimatedMinsSaved += minutesSavedPerRun + minutesSavedPerItem*float64(r.ItemsProcessed)
		case StatusFailed:
			m.RunsFailed++
		case StatusAwaitingApproval:
			m.RunsAwaiting++
		}
		m.ItemsProcessed += r.ItemsProcessed
		m.TotalValue += r.TotalValue
	}

	decisions, err := store.ListDecisions("", 0)
	if err != nil {
		return nil, err
	}
	for _, d := range decisions {
		defID, ok := byRun[d.RunID]
		if !ok {
			continue
		}
		m := get(defID)
		m.AIDecisions++
		m.TokensUsed += d.TokensUsed
		if d.Override != nil {
			m.AIOverrides++
		}
	}

	out := make([]Metric, 0, len(rollups))
	for _, m := range rollups {
		m.EstimatedCostSaved = m.EstimatedMinsSaved / 60 * hourlyRate
		if err := store.UpsertMetric(*m); err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}
