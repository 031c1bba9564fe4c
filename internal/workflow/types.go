package workflow

import (
	"encoding/json"
	"time"
)

type TriggerKind string

const (
	TriggerScheduled  TriggerKind = "scheduled"
	TriggerEvent      TriggerKind = "event"
	TriggerThreshold  TriggerKind = "threshold"
	TriggerManual     TriggerKind = "manual"
	TriggerContinuous TriggerKind = "continuous"
	TriggerPipeline   TriggerKind = "pipeline"
)

type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCancelled        Status = "cancelled"
)

// DeadLetterMarker prefixes the error message of a run that exhausted its
// retries and needs manual replay.
const DeadLetterMarker = "dead-letter:"

type StepType string

const (
	StepDataFetch        StepType = "data_fetch"
	StepCalculation      StepType = "calculation"
	StepAIAnalysis       StepType = "ai_analysis"
	StepAIDecision       StepType = "ai_decision"
	StepCreateRecord     StepType = "create_record"
	StepUpdateRecord     StepType = "update_record"
	StepSendEmail        StepType = "send_email"
	StepSendNotification StepType = "send_notification"
	StepAPICall          StepType = "api_call"
	StepWaitApproval     StepType = "wait_approval"
)

// TriggerParams carries the parameters for one trigger kind. Schedule is a
// cron expression or a plain duration ("15m"); EventTypes lists bus event
// types; Threshold is a record-count condition.
type TriggerParams struct {
	Schedule   string              `json:"schedule,omitempty"`
	EventTypes []string            `json:"event_types,omitempty"`
	Threshold  *ThresholdCondition `json:"threshold,omitempty"`
}

type ThresholdCondition struct {
	RecordKind string `json:"record_kind"`
	Operator   string `json:"operator"` // count_below | count_above
	Value      int    `json:"value"`
}

type ExecutionConfig struct {
	MaxRetries   int           `json:"max_retries,omitempty"`
	RetryBackoff time.Duration `json:"retry_backoff,omitempty"`
	StepTimeout  time.Duration `json:"step_timeout,omitempty"`
}

// Definition is a reusable multi-step business process. Definitions are never
// deleted, only deactivated.
type Definition struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Category           string          `json:"category,omitempty"`
	TriggerKind        TriggerKind     `json:"trigger_kind"`
	Trigger            TriggerParams   `json:"trigger,omitempty"`
	Processor          string          `json:"processor"`
	Execution          ExecutionConfig `json:"execution,omitempty"`
	RequiresApproval   bool            `json:"requires_approval,omitempty"`
	AutoApproveCeiling float64         `json:"auto_approve_ceiling,omitempty"`
	ApproverRoles      []string        `json:"approver_roles,omitempty"`
	EscalationInterval time.Duration   `json:"escalation_interval,omitempty"`
	Active             bool            `json:"active"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Run is one execution instance of a definition. Steps and decisions
// reference it by id only.
type Run struct {
	ID              string         `json:"id"`
	DefinitionID    string         `json:"definition_id"`
	TriggerKind     TriggerKind    `json:"trigger_kind"`
	Status          Status         `json:"status"`
	Attempt         int            `json:"attempt"`
	DeadLetter      bool           `json:"dead_letter,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	ItemsProcessed  int            `json:"items_processed"`
	ItemsSucceeded  int            `json:"items_succeeded"`
	ItemsFailed     int            `json:"items_failed"`
	StepsRun        int            `json:"steps_run"`
	StepsFailed     int            `json:"steps_failed"`
	TotalValue      float64        `json:"total_value"`
	Error           string         `json:"error,omitempty"`
	RequestedBy     string         `json:"requested_by,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	Duration        time.Duration  `json:"duration,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Resumable reports whether an explicit call can bring the run back to life:
// awaiting_approval via an approval decision, dead-lettered runs via manual
// replay. Everything else in a final status stays final.
func (r Run) Resumable() bool {
	if r.Status == StatusAwaitingApproval {
		return true
	}
	return r.Status == StatusFailed && r.DeadLetter
}

// Step is an append-only record of one unit of work inside a run. Immutable
// once written.
type Step struct {
	RunID      string          `json:"run_id"`
	StepNumber int             `json:"step_number"`
	Name       string          `json:"name"`
	StepType   StepType        `json:"step_type"`
	Success    bool            `json:"success"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Decision is one AI-assisted choice made inside a step, with the audit
// trail needed to trust or distrust the automation.
type Decision struct {
	ID           string            `json:"id"`
	RunID        string            `json:"run_id"`
	DecisionType string            `json:"decision_type"`
	Chosen       string            `json:"chosen"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Confidence   int               `json:"confidence"`
	Reasoning    string            `json:"reasoning,omitempty"`
	TokensUsed   int               `json:"tokens_used,omitempty"`
	Override     *DecisionOverride `json:"override,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

type DecisionOverride struct {
	By          string    `json:"by"`
	Reason      string    `json:"reason"`
	Replacement string    `json:"replacement"`
	At          time.Time `json:"at"`
}

// Pipeline chains definitions into a directed sequence.
type Pipeline struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Stages    []string  `json:"stages"`
	CreatedAt time.Time `json:"created_at"`
}

type PipelineRun struct {
	ID          string         `json:"id"`
	PipelineID  string         `json:"pipeline_id"`
	Status      Status         `json:"status"`
	StageIndex  int            `json:"stage_index"`
	StagesTotal int            `json:"stages_total"`
	StageRunIDs []string       `json:"stage_run_ids,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	RequestedBy string         `json:"requested_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Metric is a per-day, per-definition rollup. Derived and rebuildable, never
// authoritative.
type Metric struct {
	Day                string    `json:"day"` // YYYY-MM-DD
	DefinitionID       string    `json:"definition_id"`
	RunsCompleted      int       `json:"runs_completed"`
	RunsFailed         int       `json:"runs_failed"`
	RunsAwaiting       int       `json:"runs_awaiting"`
	ItemsProcessed     int       `json:"items_processed"`
	TotalValue         float64   `json:"total_value"`
	AIDecisions        int       `json:"ai_decisions"`
	AIOverrides        int       `json:"ai_overrides"`
	TokensUsed         int       `json:"tokens_used"`
	EstimatedMinsSaved float64   `json:"estimated_minutes_saved"`
	EstimatedCostSaved float64   `json:"estimated_cost_saved"`
	BuiltAt            time.Time `json:"built_at"`
}
