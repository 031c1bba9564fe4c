package exception

import (
	"encoding/json"
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type RecordStatus string

const (
	StatusOpen      RecordStatus = "open"
	StatusResolved  RecordStatus = "resolved"
	StatusEscalated RecordStatus = "escalated"
)

type ResolutionType string

const (
	ResolutionRule       ResolutionType = "rule_resolved"
	ResolutionAI         ResolutionType = "ai_resolved"
	ResolutionHuman      ResolutionType = "human_resolved"
	ResolutionUnresolved ResolutionType = "unresolved"
)

// Record is one detected anomaly and how it was (or was not) resolved.
type Record struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Severity         Severity        `json:"severity"`
	Status           RecordStatus    `json:"status"`
	Data             json.RawMessage `json:"data,omitempty"`
	RunID            string          `json:"run_id,omitempty"`
	RelatedKind      string          `json:"related_kind,omitempty"`
	RelatedID        string          `json:"related_id,omitempty"`
	MatchedRuleID    string          `json:"matched_rule_id,omitempty"`
	ResolutionType   ResolutionType  `json:"resolution_type"`
	ResolutionAction string          `json:"resolution_action,omitempty"`
	Notes            string          `json:"notes,omitempty"`
	ResolvedBy       string          `json:"resolved_by,omitempty"`
	DetectedAt       time.Time       `json:"detected_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	EscalatedAt      *time.Time      `json:"escalated_at,omitempty"`
}

type Strategy string

const (
	StrategyAuto  Strategy = "auto"
	StrategyAI    Strategy = "ai"
	StrategyHuman Strategy = "human"
)

// Rule is an admin-configured classification rule. A rule matches on
// exception type; when VariancePct is set, the exception's variance_pct must
// fall within it.
type Rule struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	VariancePct float64  `json:"variance_pct,omitempty"`
	Strategy    Strategy `json:"strategy"`
	Action      string   `json:"action,omitempty"` // notify_ops | retry | adjust_inventory | ...
	Severity    Severity `json:"severity,omitempty"`
	Active      bool     `json:"active"`
}
