package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/apexerp/orchestrator/internal/approval"
	"github.com/apexerp/orchestrator/internal/decision"
	"github.com/apexerp/orchestrator/internal/exception"
)

// ErrAwaitingApproval parks the current run until a human closes the ticket.
// Processors return it after an approval request comes back pending.
var ErrAwaitingApproval = errors.New("awaiting approval")

// ErrApprovalRejected aborts the run without retries. Business rejection is
// not a technical failure and does not feed the breaker.
var ErrApprovalRejected = errors.New("approval rejected")

// ErrCancelled aborts the run after an operator requested cancellation.
var ErrCancelled = errors.New("run cancelled")

// ExecContext is the surface a processor works through for one run attempt.
// Every unit of work goes through RecordStep so the run leaves an audit trail
// even when it fails halfway.
type ExecContext struct {
	engine *Engine
	def    Definition
	run    *Run
	stepNo int
	lastAt time.Time
}

func (ec *ExecContext) Run() Run               { return *ec.run }
func (ec *ExecContext) Definition() Definition { return ec.def }
func (ec *ExecContext) Input() map[string]any  { return ec.run.Input }

// RecordStep appends one immutable step to the run's audit trail. It checks
// for a cancellation request first, so long processors stop between steps.
// Failed steps are counted and forwarded to the exception handler; the
// returned error is only ErrCancelled or a persistence failure, the caller
// decides whether its own stepErr is fatal.
func (ec *ExecContext) RecordStep(ctx context.Context, name string, stepType StepType, input, output any, stepErr error) error {
	fresh, err := ec.engine.store.GetRun(ec.run.ID)
	if err == nil && fresh.CancelRequested {
		ec.run.CancelRequested = true
		return ErrCancelled
	}

	now := ec.engine.clock().UTC()
	ec.stepNo++
	st := Step{
		RunID:      ec.run.ID,
		StepNumber: ec.stepNo,
		Name:       name,
		StepType:   stepType,
		Success:    stepErr == nil,
		Input:      marshalRaw(input),
		Output:     marshalRaw(output),
		Duration:   now.Sub(ec.lastAt),
		CreatedAt:  now,
	}
	if stepErr != nil {
		st.Error = stepErr.Error()
	}
	ec.lastAt = now

	if err := ec.engine.store.AppendStep(st); err != nil {
		return err
	}
	ec.run.StepsRun++
	if stepErr != nil {
		ec.run.StepsFailed++
		if ec.engine.exceptions != nil {
			_, _ = ec.engine.exceptions.HandleException(ctx, exception.Input{
				Type:        "step_failure",
				Title:       ec.def.Name + ": " + name,
				Description: stepErr.Error(),
				Data:        map[string]any{"step_number": ec.stepNo, "step_type": string(stepType)},
				RunID:       ec.run.ID,
			})
		}
	}
	ec.engine.metrics.StepRecorded(ec.def.ID, stepErr == nil)
	return ec.engine.store.UpdateRun(*ec.run)
}

// Step runs fn and records its outcome as one step, so a unit of work cannot
// skip the audit trail on either path. The returned error is fn's own unless
// recording failed or the run was cancelled.
func (ec *ExecContext) Step(ctx context.Context, name string, stepType StepType, input any, fn func(context.Context) (any, error)) (any, error) {
	out, err := fn(ctx)
	if serr := ec.RecordStep(ctx, name, stepType, input, out, err); serr != nil {
		return out, serr
	}
	return out, err
}

// Decide asks the reasoning service for one bounded decision and persists it
// against the run.
func (ec *ExecContext) Decide(ctx context.Context, req decision.Request) (Decision, *decision.Result, error) {
	return ec.engine.MakeAIDecision(ctx, ec.run.ID, req)
}

// RequireApproval checks a proposed amount against the approval ladder,
// filling in the definition's approval settings. Re-runs of a resumed run
// find the earlier ticket, so the call is idempotent per run and kind.
func (ec *ExecContext) RequireApproval(ctx context.Context, subjectKind, title, description string, amount float64, relatedKind, relatedID, reasoning string, confidence int) (approval.Outcome, error) {
	if ec.engine.approvals == nil {
		return approval.Outcome{AutoApproved: true, Approved: true}, nil
	}
	return ec.engine.approvals.RequestApproval(ctx, approval.Request{
		RunID:              ec.run.ID,
		SubjectKind:        subjectKind,
		Title:              title,
		Description:        description,
		Amount:             amount,
		RelatedKind:        relatedKind,
		RelatedID:          relatedID,
		AIReasoning:        reasoning,
		Confidence:         confidence,
		AutoApproveCeiling: ec.def.AutoApproveCeiling,
		ApproverRoles:      ec.def.ApproverRoles,
		EscalationInterval: ec.def.EscalationInterval,
	})
}

// RaiseException routes an anomaly through the exception handler with the run
// attached.
func (ec *ExecContext) RaiseException(ctx context.Context, in exception.Input) (exception.Record, error) {
	if ec.engine.exceptions == nil {
		return exception.Record{}, errors.New("no exception handler configured")
	}
	in.RunID = ec.run.ID
	return ec.engine.exceptions.HandleException(ctx, in)
}

// Emit publishes an event sourced from this workflow run.
func (ec *ExecContext) Emit(ctx context.Context, eventType, severity, entityKind, entityID string, data any) {
	if ec.engine.bus == nil {
		return
	}
	_, _ = ec.engine.bus.Emit(ctx, eventType, severity, "workflow", entityKind, entityID, data)
}

func (ec *ExecContext) SetOutput(key string, value any) {
	if ec.run.Output == nil {
		ec.run.Output = map[string]any{}
	}
	ec.run.Output[key] = value
}

// CountItem tallies one processed business item.
func (ec *ExecContext) CountItem(succeeded bool) {
	ec.run.ItemsProcessed++
	if succeeded {
		ec.run.ItemsSucceeded++
	} else {
		ec.run.ItemsFailed++
	}
}

// AddValue accumulates the business value the run has touched, in currency
// units. Approval thresholds compare against amounts like these.
func (ec *ExecContext) AddValue(amount float64) {
	ec.run.TotalValue += amount
}

func marshalRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
