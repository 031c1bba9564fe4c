package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLadder() []Threshold {
	return []Threshold{
		{Tier: 0, Ceiling: 1000, Roles: []string{"supervisor"}},
		{Tier: 1, Ceiling: 10000, Roles: []string{"manager"}},
		{Tier: 2, Ceiling: 100000, Roles: []string{"director"}},
		{Tier: 3, Ceiling: 0, Roles: []string{"executive"}},
	}
}

func newTestManager(clock func() time.Time) (*Manager, *MemoryStore) {
	store := NewMemoryStore()
	m := NewManager(store, nil, zap.NewNop(), testLadder(), 4*time.Hour, clock)
	return m, store
}

func TestAutoApproveUnderCeiling(t *testing.T) {
	m, store := newTestManager(nil)

	out, err := m.RequestApproval(context.Background(), Request{
		RunID:       "run_1",
		SubjectKind: "purchase_orders",
		Amount:      450,
	})
	require.NoError(t, err)
	assert.True(t, out.AutoApproved)
	assert.True(t, out.Approved)

	tickets, err := store.ListTickets("")
	require.NoError(t, err)
	assert.Empty(t, tickets, "auto-approval must not open a ticket")
}

func TestEmptyLadderRefusesTicketWithError(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, nil, zap.NewNop(), nil, 4*time.Hour, nil)

	_, err := m.RequestApproval(context.Background(), Request{
		RunID:       "run_1",
		SubjectKind: "purchase_orders",
		Amount:      100,
	})
	require.Error(t, err, "no ladder means no tier can host the ticket")

	tickets, err := store.ListTickets("")
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestTicketOpensAtLowestCoveringTier(t *testing.T) {
	m, _ := newTestManager(nil)

	out, err := m.RequestApproval(context.Background(), Request{
		RunID:       "run_1",
		SubjectKind: "purchase_orders",
		Amount:      2300,
	})
	require.NoError(t, err)
	assert.True(t, out.Pending)
	require.NotEmpty(t, out.TicketID)

	ticket, err := m.GetTicket(out.TicketID)
	require.NoError(t, err)
	assert.Equal(t, 1, ticket.EscalationLevel, "2300 sits in the manager tier")
	assert.Equal(t, []string{"manager"}, ticket.ApproverRoles)
}

func TestDefinitionCeilingOverridesLadder(t *testing.T) {
	m, store := newTestManager(nil)

	out, err := m.RequestApproval(context.Background(), Request{
		RunID:              "run_1",
		SubjectKind:        "purchase_orders",
		Amount:             4500,
		AutoApproveCeiling: 5000,
	})
	require.NoError(t, err)
	assert.True(t, out.AutoApproved)

	tickets, _ := store.ListTickets("")
	assert.Empty(t, tickets)
}

func TestReRequestFindsExistingTicket(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()

	first, err := m.RequestApproval(ctx, Request{RunID: "run_1", SubjectKind: "purchase_orders", Amount: 2300})
	require.NoError(t, err)
	require.True(t, first.Pending)

	again, err := m.RequestApproval(ctx, Request{RunID: "run_1", SubjectKind: "purchase_orders", Amount: 2300})
	require.NoError(t, err)
	assert.True(t, again.Pending)
	assert.Equal(t, first.TicketID, again.TicketID, "no duplicate ticket for the same run")

	_, err = m.ProcessApprovalDecision(ctx, first.TicketID, true, "mgr-7", "")
	require.NoError(t, err)

	resumed, err := m.RequestApproval(ctx, Request{RunID: "run_1", SubjectKind: "purchase_orders", Amount: 2300})
	require.NoError(t, err)
	assert.True(t, resumed.Approved)
	assert.False(t, resumed.Pending)
}

func TestProcessApprovalDecisionClosesOnce(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()

	out, err := m.RequestApproval(ctx, Request{RunID: "run_1", SubjectKind: "purchase_orders", Amount: 2300})
	require.NoError(t, err)

	ticket, err := m.ProcessApprovalDecision(ctx, out.TicketID, false, "mgr-7", "too expensive")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, ticket.Status)
	assert.Equal(t, "mgr-7", ticket.ResolvedBy)
	require.NotNil(t, ticket.ResolvedAt)

	_, err = m.ProcessApprovalDecision(ctx, out.TicketID, true, "mgr-8", "")
	assert.Error(t, err, "a closed ticket stays closed")
}

func TestResolveHooksFire(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()

	var gotTicket Ticket
	var gotApproved bool
	m.OnResolved(func(tk Ticket, approved bool) {
		gotTicket = tk
		gotApproved = approved
	})

	out, err := m.RequestApproval(ctx, Request{RunID: "run_1", SubjectKind: "purchase_orders", Amount: 2300})
	require.NoError(t, err)
	_, err = m.ProcessApprovalDecision(ctx, out.TicketID, true, "mgr-7", "")
	require.NoError(t, err)

	assert.Equal(t, out.TicketID, gotTicket.ID)
	assert.True(t, gotApproved)
}

func TestEscalateOverdueBumpsExactlyOneTier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	clock := func() time.Time { return now }
	m, _ := newTestManager(clock)
	ctx := context.Background()

	_, err := m.RequestApproval(ctx, Request{RunID: "run_1", SubjectKind: "purchase_orders", Amount: 2300})
	require.NoError(t, err)

	// Not yet overdue.
	escalated, err := m.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, escalated)

	// Overdue by a wide margin; still only one tier per sweep.
	now = now.Add(20 * time.Hour)
	escalated, err = m.EscalateOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, 2, escalated[0].EscalationLevel)
	assert.Equal(t, StatusEscalated, escalated[0].Status)
	assert.ElementsMatch(t, []string{"manager", "director"}, escalated[0].ApproverRoles,
		"escalation widens, never replaces, the visible roles")

	// A second immediate sweep does nothing: the escalation clock restarted.
	escalated, err = m.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, escalated)

	now = now.Add(5 * time.Hour)
	escalated, err = m.EscalateOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, 3, escalated[0].EscalationLevel)

	// Top of the ladder: no further escalation.
	now = now.Add(5 * time.Hour)
	escalated, err = m.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, escalated)
}

func TestBulkDecideIsIndependentPerTicket(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()

	a, err := m.RequestApproval(ctx, Request{RunID: "run_1", SubjectKind: "purchase_orders", Amount: 2300})
	require.NoError(t, err)
	b, err := m.RequestApproval(ctx, Request{RunID: "run_2", SubjectKind: "purchase_orders", Amount: 3300})
	require.NoError(t, err)

	_, err = m.ProcessApprovalDecision(ctx, b.TicketID, false, "mgr-7", "")
	require.NoError(t, err)

	done, errs := m.BulkDecide(ctx, []string{a.TicketID, b.TicketID}, true, "mgr-7", "")
	assert.Equal(t, 1, done)
	assert.Len(t, errs, 1)
}

func TestStoredThresholdsOverrideDefaults(t *testing.T) {
	m, _ := newTestManager(nil)

	require.NoError(t, m.SetThresholds([]Threshold{
		{Tier: 0, Ceiling: 100, Roles: []string{"lead"}},
		{Tier: 1, Ceiling: 0, Roles: []string{"cfo"}},
	}))

	out, err := m.RequestApproval(context.Background(), Request{RunID: "run_1", SubjectKind: "purchase_orders", Amount: 450})
	require.NoError(t, err)
	assert.True(t, out.Pending, "450 is over the stored 100 ceiling")

	ticket, err := m.GetTicket(out.TicketID)
	require.NoError(t, err)
	assert.Equal(t, []string{"cfo"}, ticket.ApproverRoles)
}
