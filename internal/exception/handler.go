package exception

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apexerp/orchestrator/internal/bus"
	"github.com/apexerp/orchestrator/internal/decision"
	"github.com/apexerp/orchestrator/internal/notify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// triageShape is the strict output shape the triage decision must satisfy.
var triageShape = json.RawMessage(`{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {"type": "string", "enum": ["resolve", "escalate"]},
		"severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
		"resolution": {"type": "string"}
	}
}`)

type triageDecision struct {
	Action     string `json:"action"`
	Severity   string `json:"severity"`
	Resolution string `json:"resolution"`
}

// Input carries one anomaly into the handler.
type Input struct {
	Type        string
	Title       string
	Description string
	Data        map[string]any
	RunID       string
	RelatedKind string
	RelatedID   string
}

type Handler struct {
	store   Store
	invoker decision.Invoker
	bus     *bus.Bus
	notify  notify.Sender
	logger  *zap.Logger
	cutoff  int
	clock   func() time.Time
}

func NewHandler(store Store, invoker decision.Invoker, b *bus.Bus, sender notify.Sender, logger *zap.Logger, confidenceCutoff int, clock func() time.Time) *Handler {
	if clock == nil {
		clock = time.Now
	}
	if confidenceCutoff <= 0 {
		confidenceCutoff = 80
	}
	return &Handler{
		store:   store,
		invoker: invoker,
		bus:     b,
		notify:  sender,
		logger:  logger.Named("exception"),
		cutoff:  confidenceCutoff,
		clock:   clock,
	}
}

// HandleException classifies the anomaly. Order: matching rule with an
// automatic strategy, then AI triage, then the human queue. high/critical
// records are surfaced to the bus immediately.
func (h *Handler) HandleException(ctx context.Context, in Input) (Record, error) {
	data, _ := json.Marshal(in.Data)
	rec := Record{
		ID:             "exc_" + uuid.NewString(),
		Type:           in.Type,
		Title:          in.Title,
		Description:    in.Description,
		Severity:       SeverityMedium,
		Status:         StatusOpen,
		Data:           data,
		RunID:          in.RunID,
		RelatedKind:    in.RelatedKind,
		RelatedID:      in.RelatedID,
		ResolutionType: ResolutionUnresolved,
		DetectedAt:     h.clock().UTC(),
	}

	rule, matched := h.matchRule(in)
	if matched {
		rec.MatchedRuleID = rule.ID
		if rule.Severity != "" {
			rec.Severity = rule.Severity
		}
	}

	switch {
	case matched && rule.Strategy == StrategyAuto:
		h.applyAction(ctx, rule.Action, &rec)
		now := h.clock().UTC()
		rec.Status = StatusResolved
		rec.ResolutionType = ResolutionRule
		rec.ResolutionAction = rule.Action
		rec.ResolvedAt = &now
	case matched && rule.Strategy == StrategyHuman:
		h.escalate(&rec, "rule requires human review")
	default:
		h.triage(ctx, &rec, in)
	}

	if _, err := h.store.CreateRecord(rec); err != nil {
		return Record{}, err
	}
	h.logger.Info("exception handled",
		zap.String("exception_id", rec.ID),
		zap.String("type", rec.Type),
		zap.String("status", string(rec.Status)),
		zap.String("resolution", string(rec.ResolutionType)))

	if h.bus != nil {
		eventType := "exception.recorded"
		if rec.Status == StatusEscalated {
			eventType = "exception.escalated"
		}
		if rec.Severity == SeverityHigh || rec.Severity == SeverityCritical || rec.Status == StatusEscalated {
			_, _ = h.bus.Emit(ctx, eventType, string(rec.Severity), "exception", in.RelatedKind, rec.ID, rec)
		}
	}
	return rec, nil
}

// ResolveException closes an escalated or open record from the human queue.
func (h *Handler) ResolveException(ctx context.Context, id, resolvedBy, action, notes string) (Record, error) {
	rec, err := h.store.GetRecord(id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusResolved {
		return rec, fmt.Errorf("exception %s already resolved", id)
	}
	now := h.clock().UTC()
	rec.Status = StatusResolved
	rec.ResolutionType = ResolutionHuman
	rec.ResolutionAction = action
	rec.Notes = notes
	rec.ResolvedBy = resolvedBy
	rec.ResolvedAt = &now
	if err := h.store.UpdateRecord(rec); err != nil {
		return Record{}, err
	}
	if h.bus != nil {
		_, _ = h.bus.Emit(ctx, "exception.resolved", string(rec.Severity), "exception", rec.RelatedKind, rec.ID, rec)
	}
	return rec, nil
}

func (h *Handler) GetRecord(id string) (Record, error)          { return h.store.GetRecord(id) }
func (h *Handler) ListRecords(s RecordStatus) ([]Record, error) { return h.store.ListRecords(s) }
func (h *Handler) SaveRule(r Rule) (Rule, error)                { return h.store.SaveRule(r) }
func (h *Handler) ListRules() ([]Rule, error)                   { return h.store.ListRules() }

func (h *Handler) EscalatedCount() int {
	records, err := h.store.ListRecords(StatusEscalated)
	if err != nil {
		return 0
	}
	return len(records)
}

// matchRule returns the first active rule for the exception type whose
// variance bound (if any) covers the reported variance_pct.
func (h *Handler) matchRule(in Input) (Rule, bool) {
	rules, err := h.store.ListRules()
	if err != nil {
		return Rule{}, false
	}
	for _, rule := range rules {
		if !rule.Active || rule.Type != in.Type {
			continue
		}
		if rule.VariancePct > 0 {
			variance, ok := floatField(in.Data, "variance_pct")
			if !ok || variance > rule.VariancePct {
				continue
			}
		}
		return rule, true
	}
	return Rule{}, false
}

func (h *Handler) triage(ctx context.Context, rec *Record, in Input) {
	if h.invoker == nil {
		h.escalate(rec, "no triage available")
		return
	}
	prompt := fmt.Sprintf(
		"Operational exception %q (%s): %s. Data: %s. Decide whether it can be resolved automatically or must escalate to a human.",
		in.Title, in.Type, in.Description, string(rec.Data))
	res, err := h.invoker.Decide(ctx, decision.Request{
		DecisionType: "exception_triage",
		Prompt:       prompt,
		Options:      []string{"resolve", "escalate"},
		OutputShape:  triageShape,
	})
	if err != nil {
		h.logger.Warn("triage failed, escalating", zap.String("type", in.Type), zap.Error(err))
		h.escalate(rec, "triage unavailable: "+err.Error())
		return
	}

	var td triageDecision
	if err := json.Unmarshal(res.Decision, &td); err != nil {
		h.escalate(rec, "triage decision unreadable")
		return
	}
	if td.Severity != "" {
		rec.Severity = Severity(td.Severity)
	}
	if td.Action == "resolve" && res.Confidence >= h.cutoff {
		now := h.clock().UTC()
		rec.Status = StatusResolved
		rec.ResolutionType = ResolutionAI
		rec.ResolutionAction = td.Resolution
		rec.Notes = res.Reasoning
		rec.ResolvedAt = &now
		return
	}
	h.escalate(rec, res.Reasoning)
}

func (h *Handler) escalate(rec *Record, note string) {
	now := h.clock().UTC()
	rec.Status = StatusEscalated
	rec.ResolutionType = ResolutionUnresolved
	rec.Notes = note
	rec.EscalatedAt = &now
}

func (h *Handler) applyAction(ctx context.Context, action string, rec *Record) {
	switch action {
	case "notify_ops":
		if h.notify != nil {
			result := h.notify.Send(ctx, "ops", rec.Title, rec.Description)
			if !result.Success {
				h.logger.Warn("ops notification failed", zap.String("error", result.Error))
			}
		}
	case "retry":
		// The engine's retry policy picks the run back up; nothing extra here.
	default:
		h.logger.Info("rule action recorded", zap.String("action", action))
	}
}

func floatField(data map[string]any, key string) (float64, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
