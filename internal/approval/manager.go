package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apexerp/orchestrator/internal/bus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResolveHook is called synchronously when a ticket is closed, so a paused
// run or pipeline can resume or abort without polling.
type ResolveHook func(t Ticket, approved bool)

type Manager struct {
	store  Store
	bus    *bus.Bus
	logger *zap.Logger
	clock  func() time.Time

	defaultLadder     []Threshold
	defaultEscalation time.Duration

	mu    sync.Mutex
	hooks []ResolveHook
}

func NewManager(store Store, b *bus.Bus, logger *zap.Logger, ladder []Threshold, escalation time.Duration, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	if escalation <= 0 {
		escalation = 4 * time.Hour
	}
	return &Manager{
		store:             store,
		bus:               b,
		logger:            logger.Named("approval"),
		clock:             clock,
		defaultLadder:     ladder,
		defaultEscalation: escalation,
	}
}

func (m *Manager) OnResolved(hook ResolveHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// RequestApproval evaluates a proposed action against the threshold ladder.
// Amounts at or under the auto-approve ceiling pass without a ticket; larger
// amounts open a ticket at the lowest tier whose ceiling covers the amount.
// Re-requests from a resumed run find their earlier ticket instead of
// opening a duplicate.
func (m *Manager) RequestApproval(ctx context.Context, req Request) (Outcome, error) {
	if req.RunID != "" {
		if existing, err := m.store.FindTicket(req.RunID, req.SubjectKind); err == nil {
			switch existing.Status {
			case StatusApproved:
				return Outcome{Approved: true, TicketID: existing.ID}, nil
			case StatusRejected:
				return Outcome{Rejected: true, TicketID: existing.ID}, nil
			default:
				return Outcome{Pending: true, TicketID: existing.ID}, nil
			}
		}
	}

	ladder := m.ladder()
	ceiling := req.AutoApproveCeiling
	if ceiling <= 0 && len(ladder) > 0 {
		ceiling = ladder[0].Ceiling
	}
	if req.Amount <= ceiling {
		m.emit(ctx, "approval.auto_approved", "low", req, "")
		return Outcome{AutoApproved: true, Approved: true}, nil
	}
	if len(ladder) == 0 {
		return Outcome{}, fmt.Errorf("amount %.2f needs a ticket but no threshold ladder is configured", req.Amount)
	}

	tier := tierFor(ladder, req.Amount)
	roles := append([]string(nil), ladder[tier].Roles...)
	if len(req.ApproverRoles) > 0 {
		roles = req.ApproverRoles
	}
	interval := req.EscalationInterval
	if interval <= 0 {
		interval = m.defaultEscalation
	}

	t := Ticket{
		ID:                 "apt_" + uuid.NewString(),
		RunID:              req.RunID,
		SubjectKind:        req.SubjectKind,
		Title:              req.Title,
		Description:        req.Description,
		Amount:             req.Amount,
		RelatedKind:        req.RelatedKind,
		RelatedID:          req.RelatedID,
		AIReasoning:        req.AIReasoning,
		Confidence:         req.Confidence,
		Status:             StatusPending,
		EscalationLevel:    tier,
		ApproverRoles:      roles,
		EscalationInterval: interval,
		RequestedAt:        m.clock().UTC(),
	}
	t, err := m.store.CreateTicket(t)
	if err != nil {
		return Outcome{}, err
	}
	m.logger.Info("approval ticket opened",
		zap.String("ticket_id", t.ID),
		zap.Float64("amount", t.Amount),
		zap.Int("tier", tier))
	m.emit(ctx, "approval.requested", "medium", req, t.ID)
	return Outcome{Pending: true, TicketID: t.ID}, nil
}

// ProcessApprovalDecision is the only legal way to close a ticket.
func (m *Manager) ProcessApprovalDecision(ctx context.Context, ticketID string, approved bool, approverID, notes string) (Ticket, error) {
	t, err := m.store.GetTicket(ticketID)
	if err != nil {
		return Ticket{}, err
	}
	if !t.Open() {
		return t, fmt.Errorf("ticket %s already %s", ticketID, t.Status)
	}
	now := m.clock().UTC()
	if approved {
		t.Status = StatusApproved
	} else {
		t.Status = StatusRejected
	}
	t.ResolvedBy = approverID
	t.Notes = notes
	t.ResolvedAt = &now
	if err := m.store.UpdateTicket(t); err != nil {
		return Ticket{}, err
	}

	eventType := "approval.rejected"
	if approved {
		eventType = "approval.approved"
	}
	if m.bus != nil {
		_, _ = m.bus.Emit(ctx, eventType, "medium", "approval", t.SubjectKind, t.ID, t)
	}

	m.mu.Lock()
	hooks := append([]ResolveHook(nil), m.hooks...)
	m.mu.Unlock()
	for _, hook := range hooks {
		hook(t, approved)
	}
	return t, nil
}

// BulkDecide applies ProcessApprovalDecision to each id independently.
// Failures do not stop the batch.
func (m *Manager) BulkDecide(ctx context.Context, ticketIDs []string, approved bool, approverID, notes string) (int, []error) {
	var errs []error
	done := 0
	for _, id := range ticketIDs {
		if _, err := m.ProcessApprovalDecision(ctx, id, approved, approverID, notes); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		done++
	}
	return done, errs
}

// EscalateOverdue bumps every open ticket past its escalation interval to
// exactly the next tier, widening the visible role set. Never skips a tier.
func (m *Manager) EscalateOverdue(ctx context.Context) ([]Ticket, error) {
	open, err := m.openTickets()
	if err != nil {
		return nil, err
	}
	ladder := m.ladder()
	now := m.clock().UTC()
	var escalated []Ticket
	for _, t := range open {
		if t.EscalationLevel >= len(ladder)-1 {
			continue
		}
		since := t.RequestedAt
		if t.LastEscalatedAt != nil {
			since = *t.LastEscalatedAt
		}
		interval := t.EscalationInterval
		if interval <= 0 {
			interval = m.defaultEscalation
		}
		if now.Sub(since) < interval {
			continue
		}
		t.EscalationLevel++
		t.Status = StatusEscalated
		t.ApproverRoles = unionRoles(t.ApproverRoles, ladder[t.EscalationLevel].Roles)
		t.LastEscalatedAt = &now
		if err := m.store.UpdateTicket(t); err != nil {
			m.logger.Warn("escalation update failed", zap.String("ticket_id", t.ID), zap.Error(err))
			continue
		}
		m.logger.Info("approval ticket escalated",
			zap.String("ticket_id", t.ID),
			zap.Int("level", t.EscalationLevel))
		if m.bus != nil {
			_, _ = m.bus.Emit(ctx, "approval.escalated", "high", "approval", t.SubjectKind, t.ID, t)
		}
		escalated = append(escalated, t)
	}
	return escalated, nil
}

func (m *Manager) GetTicket(id string) (Ticket, error) {
	return m.store.GetTicket(id)
}

func (m *Manager) ListTickets(status TicketStatus) ([]Ticket, error) {
	return m.store.ListTickets(status)
}

func (m *Manager) PendingCount() int {
	open, err := m.openTickets()
	if err != nil {
		return 0
	}
	return len(open)
}

func (m *Manager) SetThresholds(ladder []Threshold) error {
	return m.store.SaveThresholds(ladder)
}

func (m *Manager) Thresholds() []Threshold {
	return m.ladder()
}

func (m *Manager) openTickets() ([]Ticket, error) {
	pending, err := m.store.ListTickets(StatusPending)
	if err != nil {
		return nil, err
	}
	escalated, err := m.store.ListTickets(StatusEscalated)
	if err != nil {
		return nil, err
	}
	return append(pending, escalated...), nil
}

// ladder prefers admin-configured thresholds from the store and falls back
// to the config defaults.
func (m *Manager) ladder() []Threshold {
	stored, err := m.store.ListThresholds()
	if err == nil && len(stored) > 0 {
		return stored
	}
	return m.defaultLadder
}

func (m *Manager) emit(ctx context.Context, eventType, severity string, req Request, ticketID string) {
	if m.bus == nil {
		return
	}
	_, _ = m.bus.Emit(ctx, eventType, severity, "approval", req.SubjectKind, ticketID, map[string]any{
		"run_id":    req.RunID,
		"amount":    req.Amount,
		"title":     req.Title,
		"ticket_id": ticketID,
	})
}

// tierFor returns the lowest tier whose ceiling covers the amount. A zero
// ceiling means unbounded. Callers guarantee a non-empty ladder.
func tierFor(ladder []Threshold, amount float64) int {
	for i, th := range ladder {
		if th.Ceiling <= 0 || amount <= th.Ceiling {
			return i
		}
	}
	return len(ladder) - 1
}

func unionRoles(a, b []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
