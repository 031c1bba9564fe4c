package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apexerp/orchestrator/internal/approval"
	"github.com/apexerp/orchestrator/internal/bus"
	"github.com/apexerp/orchestrator/internal/exception"
	"github.com/apexerp/orchestrator/internal/records"
	"github.com/apexerp/orchestrator/internal/workflow"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// SystemStatus is the coordinator's health snapshot for the admin surface.
type SystemStatus struct {
	Running           bool                     `json:"running"`
	ActiveRuns        int                      `json:"active_runs"`
	MaxConcurrentRuns int                      `json:"max_concurrent_runs"`
	PendingApprovals  int                      `json:"pending_approvals"`
	EscalatedExcepts  int                      `json:"escalated_exceptions"`
	DeadLetters       int                      `json:"dead_letters"`
	Processors        []string                 `json:"processors"`
	Breakers          []workflow.BreakerStatus `json:"breakers"`
	LastTick          time.Time                `json:"last_tick,omitempty"`
}

// Orchestrator evaluates workflow triggers on a fixed beat and launches runs
// under a concurrency cap. Event triggers fire off the bus instead of the
// beat.
type Orchestrator struct {
	engine     *workflow.Engine
	store      workflow.Store
	records    records.Store
	approvals  *approval.Manager
	exceptions *exception.Handler
	bus        *bus.Bus
	logger     *zap.Logger
	clock      func() time.Time

	interval time.Duration
	maxRuns  int64
	sem      *semaphore.Weighted
	active   atomic.Int64

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	wg        sync.WaitGroup
	lastFired map[string]time.Time
	lastTick  time.Time
}

type Params struct {
	Engine     *workflow.Engine
	Store      workflow.Store
	Records    records.Store
	Approvals  *approval.Manager
	Exceptions *exception.Handler
	Bus        *bus.Bus
	Logger     *zap.Logger
	Interval   time.Duration
	MaxRuns    int
	Clock      func() time.Time
}

func New(p Params) *Orchestrator {
	if p.Interval <= 0 {
		p.Interval = 60 * time.Second
	}
	if p.MaxRuns <= 0 {
		p.MaxRuns = 5
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	o := &Orchestrator{
		engine:     p.Engine,
		store:      p.Store,
		records:    p.Records,
		approvals:  p.Approvals,
		exceptions: p.Exceptions,
		bus:        p.Bus,
		logger:     p.Logger.Named("orchestrator"),
		clock:      p.Clock,
		interval:   p.Interval,
		maxRuns:    int64(p.MaxRuns),
		sem:        semaphore.NewWeighted(int64(p.MaxRuns)),
		lastFired:  map[string]time.Time{},
	}
	// One subscription for the orchestrator's lifetime. onEvent drops events
	// while stopped, so stop/start cycles never stack consumers.
	if o.bus != nil {
		o.bus.Subscribe("orchestrator-triggers", nil, o.onEvent)
	}
	return o
}

// Start begins the trigger loop. Calling it on a running orchestrator is a
// logged no-op.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		o.logger.Info("orchestrator already running, start ignored")
		return
	}
	o.running = true
	o.stop = make(chan struct{})
	stop := o.stop
	o.mu.Unlock()

	o.wg.Add(1)
	go o.loop(stop)
	o.logger.Info("orchestrator started", zap.Duration("interval", o.interval))
}

func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stop)
	o.mu.Unlock()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Tick evaluates every active definition's trigger once. The loop calls this
// on the beat; tests call it directly.
func (o *Orchestrator) Tick(ctx context.Context) {
	now := o.clock().UTC()
	o.mu.Lock()
	o.lastTick = now
	o.mu.Unlock()

	defs, err := o.store.ListDefinitions()
	if err != nil {
		o.logger.Warn("trigger sweep failed", zap.Error(err))
		return
	}
	for _, def := range defs {
		if !def.Active {
			continue
		}
		switch def.TriggerKind {
		case workflow.TriggerScheduled:
			if o.scheduleDue(def, now) {
				o.fire(def, workflow.TriggerScheduled, nil, now)
			}
		case workflow.TriggerContinuous:
			if !o.hasActiveRun(def.ID) {
				o.fire(def, workflow.TriggerContinuous, nil, now)
			}
		case workflow.TriggerThreshold:
			if o.thresholdMet(ctx, def) && !o.hasActiveRun(def.ID) {
				o.fire(def, workflow.TriggerThreshold, nil, now)
			}
		}
	}

	if o.approvals != nil {
		if _, err := o.approvals.EscalateOverdue(ctx); err != nil {
			o.logger.Warn("escalation sweep failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) GetSystemStatus() SystemStatus {
	o.mu.Lock()
	running, lastTick := o.running, o.lastTick
	o.mu.Unlock()
	st := SystemStatus{
		Running:           running,
		ActiveRuns:        int(o.active.Load()),
		MaxConcurrentRuns: int(o.maxRuns),
		Processors:        o.engine.Processors(),
		Breakers:          o.engine.BreakerSnapshot(),
		LastTick:          lastTick,
	}
	if o.approvals != nil {
		st.PendingApprovals = o.approvals.PendingCount()
	}
	if o.exceptions != nil {
		st.EscalatedExcepts = o.exceptions.EscalatedCount()
	}
	if dead, err := o.store.ListDeadLetters(); err == nil {
		st.DeadLetters = len(dead)
	}
	return st
}

func (o *Orchestrator) loop(stop chan struct{}) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.Tick(context.Background())
		}
	}
}

// onEvent launches every active event-triggered definition subscribed to the
// event's type, with the event as run input.
func (o *Orchestrator) onEvent(ctx context.Context, ev bus.Event) error {
	if !o.Running() {
		return nil
	}
	defs, err := o.store.ListDefinitions()
	if err != nil {
		return err
	}
	for _, def := range defs {
		if !def.Active || def.TriggerKind != workflow.TriggerEvent {
			continue
		}
		for _, t := range def.Trigger.EventTypes {
			if t != ev.Type {
				continue
			}
			input := map[string]any{
				"event_id":   ev.ID,
				"event_type": ev.Type,
				"entity_id":  ev.EntityID,
			}
			if len(ev.Data) > 0 {
				var data map[string]any
				if json.Unmarshal(ev.Data, &data) == nil {
					input["event_data"] = data
				}
			}
			o.fire(def, workflow.TriggerEvent, input, o.clock().UTC())
			break
		}
	}
	return nil
}

// fire launches one run in the background, bounded by the concurrency cap.
// When the cap is reached the launch is skipped; the next beat retries.
func (o *Orchestrator) fire(def workflow.Definition, trigger workflow.TriggerKind, input map[string]any, now time.Time) {
	if !o.sem.TryAcquire(1) {
		o.logger.Warn("run cap reached, skipping launch", zap.String("definition_id", def.ID))
		return
	}
	o.mu.Lock()
	o.lastFired[def.ID] = now
	o.mu.Unlock()
	o.active.Add(1)

	// Launched runs outlive the trigger loop; Stop only waits for the loop.
	go func() {
		defer o.sem.Release(1)
		defer o.active.Add(-1)
		if _, err := o.engine.StartWorkflow(context.Background(), def.ID, trigger, input, "orchestrator"); err != nil {
			o.logger.Warn("launch failed",
				zap.String("definition_id", def.ID),
				zap.Error(err))
		}
	}()
}

// scheduleDue accepts either a standard cron expression or a plain duration
// ("15m").
func (o *Orchestrator) scheduleDue(def workflow.Definition, now time.Time) bool {
	o.mu.Lock()
	last, fired := o.lastFired[def.ID]
	o.mu.Unlock()

	spec := def.Trigger.Schedule
	if spec == "" {
		return false
	}
	if sched, err := cron.ParseStandard(spec); err == nil {
		if !fired {
			last = now.Add(-o.interval)
		}
		return !sched.Next(last).After(now)
	}
	if d, err := time.ParseDuration(spec); err == nil {
		return !fired || now.Sub(last) >= d
	}
	o.logger.Warn("unparseable schedule",
		zap.String("definition_id", def.ID),
		zap.String("schedule", spec))
	return false
}

func (o *Orchestrator) thresholdMet(ctx context.Context, def workflow.Definition) bool {
	cond := def.Trigger.Threshold
	if cond == nil || o.records == nil {
		return false
	}
	n, err := o.records.Count(ctx, cond.RecordKind)
	if err != nil {
		return false
	}
	switch cond.Operator {
	case "count_below":
		return n < cond.Value
	case "count_above":
		return n > cond.Value
	default:
		return false
	}
}

func (o *Orchestrator) hasActiveRun(definitionID string) bool {
	for _, status := range []workflow.Status{workflow.StatusPending, workflow.StatusRunning, workflow.StatusAwaitingApproval} {
		runs, err := o.store.ListRuns(definitionID, status, 1)
		if err == nil && len(runs) > 0 {
			return true
		}
	}
	return false
}
