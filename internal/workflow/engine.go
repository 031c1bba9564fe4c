package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apexerp/orchestrator/internal/approval"
	"github.com/apexerp/orchestrator/internal/bus"
	"github.com/apexerp/orchestrator/internal/decision"
	"github.com/apexerp/orchestrator/internal/exception"
	"go.uber.org/zap"
)

// Processor executes the business logic of one workflow definition through
// the ExecContext. Processors must be idempotent per run: a resumed run
// re-executes from the top, and approval requests find their earlier ticket.
type Processor interface {
	Name() string
	Execute(ctx context.Context, ec *ExecContext) error
}

type EngineParams struct {
	Store      Store
	Breakers   *BreakerSet
	Approvals  *approval.Manager
	Exceptions *exception.Handler
	Bus        *bus.Bus
	Invoker    decision.Invoker
	Metrics    *Metrics
	Logger     *zap.Logger

	MaxAttempts    int
	InitialBackoff time.Duration
	Clock          func() time.Time
	Sleep          func(time.Duration)
}

// Engine owns the run lifecycle: start, retry, park, resume, cancel, replay.
// All status transitions go through it.
type Engine struct {
	store      Store
	breakers   *BreakerSet
	approvals  *approval.Manager
	exceptions *exception.Handler
	bus        *bus.Bus
	invoker    decision.Invoker
	metrics    *Metrics
	logger     *zap.Logger

	maxAttempts    int
	initialBackoff time.Duration
	clock          func() time.Time
	sleep          func(time.Duration)

	mu       sync.Mutex
	procs    map[string]Processor
	finished []func(Run)
}

func NewEngine(p EngineParams) *Engine {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 30 * time.Second
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.Sleep == nil {
		p.Sleep = time.Sleep
	}
	e := &Engine{
		store:          p.Store,
		breakers:       p.Breakers,
		approvals:      p.Approvals,
		exceptions:     p.Exceptions,
		bus:            p.Bus,
		invoker:        p.Invoker,
		metrics:        p.Metrics,
		logger:         p.Logger.Named("engine"),
		maxAttempts:    p.MaxAttempts,
		initialBackoff: p.InitialBackoff,
		clock:          p.Clock,
		sleep:          p.Sleep,
		procs:          map[string]Processor{},
	}
	if e.approvals != nil {
		e.approvals.OnResolved(e.resumeFromApproval)
	}
	return e
}

func (e *Engine) RegisterProcessor(p Processor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.procs[p.Name()] = p
}

func (e *Engine) Processors() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.procs))
	for name := range e.procs {
		out = append(out, name)
	}
	return out
}

// OnRunFinished registers a hook called whenever a run leaves the engine,
// terminal or parked awaiting approval. The pipeline executor chains stages
// through this.
func (e *Engine) OnRunFinished(hook func(Run)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, hook)
}

// CreateDefinition assigns an id and stores the definition, active by
// default. Definitions are never deleted; deactivate via UpdateDefinition.
func (e *Engine) CreateDefinition(d Definition) (Definition, error) {
	now := e.clock().UTC()
	d.ID = newID("wfd")
	d.CreatedAt = now
	d.UpdatedAt = now
	d.Active = true
	if d.Processor == "" {
		return Definition{}, errors.New("definition needs a processor")
	}
	return e.store.CreateDefinition(d)
}

func (e *Engine) UpdateDefinition(d Definition) (Definition, error) {
	existing, err := e.store.GetDefinition(d.ID)
	if err != nil {
		return Definition{}, err
	}
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = e.clock().UTC()
	if err := e.store.UpdateDefinition(d); err != nil {
		return Definition{}, err
	}
	return d, nil
}

// StartWorkflow runs one execution of the definition synchronously. When the
// definition's breaker is open the refusal is immediate and no run row is
// created.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID string, trigger TriggerKind, input map[string]any, requestedBy string) (Run, error) {
	def, err := e.store.GetDefinition(definitionID)
	if err != nil {
		return Run{}, err
	}
	if !def.Active {
		return Run{}, fmt.Errorf("definition %s is inactive", definitionID)
	}
	proc, err := e.processor(def.Processor)
	if err != nil {
		return Run{}, err
	}
	if e.breakers != nil && !e.breakers.Allow(def.ID) {
		e.logger.Warn("breaker refused start", zap.String("definition_id", def.ID))
		return Run{}, ErrBreakerOpen
	}

	now := e.clock().UTC()
	run := Run{
		ID:           newID("run"),
		DefinitionID: def.ID,
		TriggerKind:  trigger,
		Status:       StatusPending,
		Input:        input,
		RequestedBy:  requestedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	run, err = e.store.CreateRun(run)
	if err != nil {
		return Run{}, err
	}

	run.Status = StatusRunning
	run.StartedAt = now
	if err := e.store.UpdateRun(run); err != nil {
		return Run{}, err
	}
	e.emit(ctx, "workflow.run_started", "low", def.ID, run)
	e.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("definition_id", def.ID),
		zap.String("trigger", string(trigger)))

	return e.execute(ctx, def, run, proc)
}

// RetryDeadLetter replays a dead-lettered run through the same processor.
// Manual replay also resets the definition's breaker.
func (e *Engine) RetryDeadLetter(ctx context.Context, runID string) (Run, error) {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return Run{}, err
	}
	if !(run.Status == StatusFailed && run.DeadLetter) {
		return Run{}, fmt.Errorf("run %s is not dead-lettered", runID)
	}
	def, err := e.store.GetDefinition(run.DefinitionID)
	if err != nil {
		return Run{}, err
	}
	proc, err := e.processor(def.Processor)
	if err != nil {
		return Run{}, err
	}
	if e.breakers != nil {
		e.breakers.Reset(def.ID)
	}

	run.Status = StatusRunning
	run.DeadLetter = false
	run.Error = ""
	run.Attempt = 0
	run.EndedAt = nil
	if err := e.store.UpdateRun(run); err != nil {
		return Run{}, err
	}
	e.emit(ctx, "workflow.run_retried", "medium", def.ID, run)
	return e.execute(ctx, def, run, proc)
}

// RequestCancel flags a running run so the runtime stops at the next step
// boundary. Pending and parked runs cancel immediately.
func (e *Engine) RequestCancel(ctx context.Context, runID string) (Run, error) {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return Run{}, err
	}
	switch run.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return Run{}, fmt.Errorf("run %s already %s", runID, run.Status)
	}
	run.CancelRequested = true
	if run.Status == StatusPending || run.Status == StatusAwaitingApproval {
		now := e.clock().UTC()
		run.Status = StatusCancelled
		run.EndedAt = &now
		run.Duration = now.Sub(run.StartedAt)
	}
	if err := e.store.UpdateRun(run); err != nil {
		return Run{}, err
	}
	if run.Status == StatusCancelled {
		e.emit(ctx, "workflow.run_cancelled", "medium", run.DefinitionID, run)
		e.metrics.RunFinished(run.DefinitionID, run.Status, run.Duration)
		e.notifyFinished(run)
	}
	return run, nil
}

// MakeAIDecision routes one bounded decision through the reasoning service
// and persists the audit row. Invoker failures surface as errors; nothing is
// recorded for a decision that failed validation.
func (e *Engine) MakeAIDecision(ctx context.Context, runID string, req decision.Request) (Decision, *decision.Result, error) {
	if e.invoker == nil {
		return Decision{}, nil, errors.New("no decision invoker configured")
	}
	res, err := e.invoker.Decide(ctx, req)
	if err != nil {
		return Decision{}, nil, err
	}
	d := Decision{
		ID:           newID("dec"),
		RunID:        runID,
		DecisionType: req.DecisionType,
		Chosen:       res.Chosen,
		Payload:      res.Decision,
		Confidence:   res.Confidence,
		Reasoning:    res.Reasoning,
		TokensUsed:   res.TokensUsed,
		CreatedAt:    e.clock().UTC(),
	}
	if err := e.store.SaveDecision(d); err != nil {
		return Decision{}, nil, err
	}
	e.metrics.DecisionMade(req.DecisionType)
	e.emit(ctx, "workflow.decision_made", "low", runID, d)
	return d, res, nil
}

// OverrideDecision records a human replacement for an AI decision. The
// original row stays; the override is attached to it.
func (e *Engine) OverrideDecision(ctx context.Context, decisionID, by, reason, replacement string) (Decision, error) {
	d, err := e.store.GetDecision(decisionID)
	if err != nil {
		return Decision{}, err
	}
	if d.Override != nil {
		return Decision{}, fmt.Errorf("decision %s already overridden", decisionID)
	}
	d.Override = &DecisionOverride{
		By:          by,
		Reason:      reason,
		Replacement: replacement,
		At:          e.clock().UTC(),
	}
	if err := e.store.UpdateDecision(d); err != nil {
		return Decision{}, err
	}
	e.metrics.DecisionOverridden()
	e.emit(ctx, "workflow.decision_overridden", "medium", d.RunID, d)
	return d, nil
}

func (e *Engine) BreakerSnapshot() []BreakerStatus {
	if e.breakers == nil {
		return nil
	}
	return e.breakers.Snapshot()
}

func (e *Engine) ResetBreaker(definitionID string) {
	if e.breakers != nil {
		e.breakers.Reset(definitionID)
	}
}

// execute drives the retry loop around the processor. Transient failures
// back off exponentially; exhausting the attempts dead-letters the run and
// feeds the breaker.
func (e *Engine) execute(ctx context.Context, def Definition, run Run, proc Processor) (Run, error) {
	maxAttempts := e.maxAttempts
	if def.Execution.MaxRetries > 0 {
		maxAttempts = def.Execution.MaxRetries
	}
	backoff := e.initialBackoff
	if def.Execution.RetryBackoff > 0 {
		backoff = def.Execution.RetryBackoff
	}

	var lastErr error
	for run.Attempt < maxAttempts {
		run.Attempt++
		run.Status = StatusRunning
		if err := e.store.UpdateRun(run); err != nil {
			return Run{}, err
		}
		ec := &ExecContext{engine: e, def: def, run: &run, stepNo: run.StepsRun, lastAt: e.clock().UTC()}
		err := proc.Execute(ctx, ec)

		switch {
		case err == nil:
			return e.settle(ctx, def, run, StatusCompleted, "")
		case errors.Is(err, ErrAwaitingApproval):
			run.Status = StatusAwaitingApproval
			if uerr := e.store.UpdateRun(run); uerr != nil {
				return Run{}, uerr
			}
			e.emit(ctx, "workflow.run_awaiting_approval", "medium", def.ID, run)
			e.logger.Info("run parked awaiting approval", zap.String("run_id", run.ID))
			e.notifyFinished(run)
			return run, nil
		case errors.Is(err, ErrApprovalRejected):
			return e.settle(ctx, def, run, StatusFailed, "approval rejected")
		case errors.Is(err, ErrCancelled):
			return e.settle(ctx, def, run, StatusCancelled, "")
		}

		lastErr = err
		e.logger.Warn("run attempt failed",
			zap.String("run_id", run.ID),
			zap.Int("attempt", run.Attempt),
			zap.Error(err))
		if run.Attempt < maxAttempts {
			e.sleep(backoff << (run.Attempt - 1))
		}
	}

	run.DeadLetter = true
	if e.breakers != nil {
		e.breakers.RecordFailure(def.ID)
	}
	if e.exceptions != nil {
		_, _ = e.exceptions.HandleException(ctx, exception.Input{
			Type:        "workflow_failure",
			Title:       def.Name + " exhausted retries",
			Description: lastErr.Error(),
			Data:        map[string]any{"attempts": run.Attempt},
			RunID:       run.ID,
		})
	}
	return e.settle(ctx, def, run, StatusFailed, DeadLetterMarker+" "+lastErr.Error())
}

// settle finalizes a run in a terminal status and fans the outcome out to the
// bus, metrics, breaker, and finished hooks.
func (e *Engine) settle(ctx context.Context, def Definition, run Run, status Status, errMsg string) (Run, error) {
	now := e.clock().UTC()
	run.Status = status
	run.Error = errMsg
	run.EndedAt = &now
	run.Duration = now.Sub(run.StartedAt)
	if err := e.store.UpdateRun(run); err != nil {
		return Run{}, err
	}

	eventType, severity := "workflow.run_completed", "low"
	switch status {
	case StatusFailed:
		eventType, severity = "workflow.run_failed", "high"
		if !run.DeadLetter {
			severity = "medium"
		}
	case StatusCancelled:
		eventType, severity = "workflow.run_cancelled", "medium"
	}
	e.emit(ctx, eventType, severity, def.ID, run)

	if status == StatusCompleted && e.breakers != nil {
		e.breakers.RecordSuccess(def.ID)
	}
	e.metrics.RunFinished(def.ID, status, run.Duration)
	e.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Duration("duration", run.Duration))
	e.notifyFinished(run)
	return run, nil
}

// resumeFromApproval is wired into the approval manager so a ticket closing
// wakes its parked run without polling. Approved runs re-execute from the
// top; the processor finds the approved ticket and carries on.
func (e *Engine) resumeFromApproval(t approval.Ticket, approved bool) {
	if t.RunID == "" {
		return
	}
	run, err := e.store.GetRun(t.RunID)
	if err != nil || run.Status != StatusAwaitingApproval {
		return
	}
	ctx := context.Background()
	def, err := e.store.GetDefinition(run.DefinitionID)
	if err != nil {
		e.logger.Warn("resume failed, definition missing", zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	if !approved {
		_, _ = e.settle(ctx, def, run, StatusFailed, "approval rejected")
		return
	}
	proc, err := e.processor(def.Processor)
	if err != nil {
		e.logger.Warn("resume failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	e.logger.Info("resuming run after approval",
		zap.String("run_id", run.ID),
		zap.String("ticket_id", t.ID))
	run.Attempt = 0
	if _, err := e.execute(ctx, def, run, proc); err != nil {
		e.logger.Warn("resumed run errored", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (e *Engine) processor(name string) (Processor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	proc, ok := e.procs[name]
	if !ok {
		return nil, fmt.Errorf("no processor registered as %q", name)
	}
	return proc, nil
}

func (e *Engine) emit(ctx context.Context, eventType, severity, entityID string, data any) {
	if e.bus == nil {
		return
	}
	_, _ = e.bus.Emit(ctx, eventType, severity, "workflow", "workflow_run", entityID, data)
}

func (e *Engine) notifyFinished(run Run) {
	e.mu.Lock()
	hooks := make([]func(Run), len(e.finished))
	copy(hooks, e.finished)
	e.mu.Unlock()
	for _, hook := range hooks {
		hook(run)
	}
}
