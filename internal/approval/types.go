package approval

import "time"

type TicketStatus string

const (
	StatusPending   TicketStatus = "pending"
	StatusEscalated TicketStatus = "escalated"
	StatusApproved  TicketStatus = "approved"
	StatusRejected  TicketStatus = "rejected"
)

// Ticket is a pending human decision. Transitions are one-directional except
// for re-escalation.
type Ticket struct {
	ID                 string        `json:"id"`
	RunID              string        `json:"run_id,omitempty"`
	SubjectKind        string        `json:"subject_kind"`
	Title              string        `json:"title"`
	Description        string        `json:"description,omitempty"`
	Amount             float64       `json:"amount"`
	RelatedKind        string        `json:"related_kind,omitempty"`
	RelatedID          string        `json:"related_id,omitempty"`
	AIReasoning        string        `json:"ai_reasoning,omitempty"`
	Confidence         int           `json:"confidence,omitempty"`
	Status             TicketStatus  `json:"status"`
	EscalationLevel    int           `json:"escalation_level"`
	ApproverRoles      []string      `json:"approver_roles"`
	EscalationInterval time.Duration `json:"escalation_interval,omitempty"`
	RequestedAt        time.Time     `json:"requested_at"`
	LastEscalatedAt    *time.Time    `json:"last_escalated_at,omitempty"`
	ResolvedBy         string        `json:"resolved_by,omitempty"`
	Notes              string        `json:"notes,omitempty"`
	ResolvedAt         *time.Time    `json:"resolved_at,omitempty"`
}

func (t Ticket) Open() bool {
	return t.Status == StatusPending || t.Status == StatusEscalated
}

// Threshold is one rung of the approval ladder. Ceiling 0 means no upper
// bound (the exec tier). Admin-managed only.
type Threshold struct {
	Tier    int      `json:"tier"`
	Ceiling float64  `json:"ceiling"`
	Roles   []string `json:"roles"`
}

// Request describes a proposed action needing a value-based approval check.
type Request struct {
	RunID              string
	SubjectKind        string
	Title              string
	Description        string
	Amount             float64
	RelatedKind        string
	RelatedID          string
	AIReasoning        string
	Confidence         int
	AutoApproveCeiling float64
	ApproverRoles      []string
	EscalationInterval time.Duration
}

// Outcome is the synchronous answer to a Request. Exactly one of
// AutoApproved/Approved/Rejected/Pending describes the state; Approved also
// covers a ticket a human already approved on a re-run.
type Outcome struct {
	AutoApproved bool   `json:"auto_approved"`
	Approved     bool   `json:"approved"`
	Rejected     bool   `json:"rejected"`
	Pending      bool   `json:"pending"`
	TicketID     string `json:"ticket_id,omitempty"`
}
