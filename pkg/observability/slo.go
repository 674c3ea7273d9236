package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/settld-labs/settld/pkg/artifact"
	"github.com/settld-labs/settld/pkg/fault"
)

// Operations tracked against SLO targets.
const (
	OpAppend  = "append"
	OpVerify  = "verify"
	OpDeliver = "deliver"
	OpConform = "conform"
)

// Target is one service level objective.
type Target struct {
	SLOID       string        `json:"sloId"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latencyP99"`
	SuccessRate float64       `json:"successRate"`
	WindowHours int           `json:"windowHours"`
}

// Observation is one data point.
type Observation struct {
	Operation string
	Latency   time.Duration
	Success   bool
	At        time.Time
}

// Status is the computed compliance of one operation.
type Status struct {
	SLOID            string  `json:"sloId"`
	Operation        string  `json:"operation"`
	CurrentP99Millis float64 `json:"currentP99Millis"`
	CurrentSuccess   float64 `json:"currentSuccessRate"`
	InCompliance     bool    `json:"inCompliance"`
	BurnRate         float64 `json:"burnRate"`
	ErrorBudgetLeft  float64 `json:"errorBudgetLeftPct"`
	ObservationCount int     `json:"observationCount"`
}

// Tracker accumulates observations and evaluates them per target window.
type Tracker struct {
	mu           sync.Mutex
	targets      map[string]Target
	observations map[string][]Observation
	clock        func() time.Time
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		targets:      make(map[string]Target),
		observations: make(map[string][]Observation),
		clock:        time.Now,
	}
}

// WithClock fixes the tracker clock.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// SetTarget registers or replaces the target for one operation.
func (t *Tracker) SetTarget(target Target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record adds one observation, stamping the clock when At is zero.
func (t *Tracker) Record(obs Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if obs.At.IsZero() {
		obs.At = t.clock()
	}
	t.observations[obs.Operation] = append(t.observations[obs.Operation], obs)
}

// Status evaluates one operation over its target window. An operation with
// no observations is in compliance with a full error budget.
func (t *Tracker) Status(operation string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return Status{}, fault.Newf(fault.CodeSchemaInvalid, "no slo target for operation %q", operation)
	}

	windowStart := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
	var windowed []Observation
	for _, obs := range t.observations[operation] {
		if obs.At.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}
	if len(windowed) == 0 {
		return Status{
			SLOID:           target.SLOID,
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successes := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successes++
		}
		latencies[i] = float64(obs.Latency.Microseconds()) / 1000.0
	}
	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]
	successRate := float64(successes) / float64(len(windowed))

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate, budgetLeft float64
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
		if budgetLeft < 0 {
			budgetLeft = 0
		}
	}

	return Status{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99Millis: p99,
		CurrentSuccess:   successRate,
		InCompliance:     p99 <= float64(target.LatencyP99.Microseconds())/1000.0 && successRate >= target.SuccessRate,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}

// GateReportCore is the hashed payload of an SLOGateReport.
type GateReportCore struct {
	Statuses []Status `json:"statuses"`
	Pass     bool     `json:"pass"`
}

// GateReport is the sealed SLO compliance artifact. Pass is true only when
// every tracked operation is in compliance.
type GateReport struct {
	SchemaVersion string         `json:"schemaVersion"`
	GeneratedAt   string         `json:"generatedAt"`
	ReportCore    GateReportCore `json:"reportCore"`
	ReportHash    string         `json:"reportHash"`
}

// BuildGateReport evaluates every registered target and seals the result.
func (t *Tracker) BuildGateReport(generatedAt string) (GateReport, error) {
	t.mu.Lock()
	operations := make([]string, 0, len(t.targets))
	for op := range t.targets {
		operations = append(operations, op)
	}
	t.mu.Unlock()
	sort.Strings(operations)

	core := GateReportCore{Statuses: []Status{}, Pass: true}
	for _, op := range operations {
		st, err := t.Status(op)
		if err != nil {
			return GateReport{}, err
		}
		core.Statuses = append(core.Statuses, st)
		if !st.InCompliance {
			core.Pass = false
		}
	}
	hash, err := artifact.Seal(core)
	if err != nil {
		return GateReport{}, err
	}
	return GateReport{
		SchemaVersion: artifact.SchemaSLOGateReport,
		GeneratedAt:   generatedAt,
		ReportCore:    core,
		ReportHash:    hash,
	}, nil
}

// VerifyGateReport rechecks the seal and the pass flag against the statuses.
func VerifyGateReport(rep GateReport) *fault.Report {
	r := fault.NewReport()
	artifact.CheckVersion(r, "schemaVersion", rep.SchemaVersion, artifact.SchemaSLOGateReport)
	artifact.CheckSeal(r, "reportHash", rep.ReportCore, rep.ReportHash)

	pass := true
	for _, st := range rep.ReportCore.Statuses {
		if !st.InCompliance {
			pass = false
		}
	}
	if pass != rep.ReportCore.Pass {
		r.AddError(fault.CodeCrossArtifactBindingMismatch, "reportCore.pass",
			"pass flag does not match statuses")
	}
	return r
}
