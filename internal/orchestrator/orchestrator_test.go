package orchestrator_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apexerp/orchestrator/internal/bus"
	"github.com/apexerp/orchestrator/internal/orchestrator"
	"github.com/apexerp/orchestrator/internal/records"
	"github.com/apexerp/orchestrator/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingProc struct {
	name  string
	calls atomic.Int64
	block chan struct{}
}

func (p *countingProc) Name() string { return p.name }
func (p *countingProc) Execute(context.Context, *workflow.ExecContext) error {
	p.calls.Add(1)
	if p.block != nil {
		<-p.block
	}
	return nil
}

type fixture struct {
	store  *workflow.MemoryStore
	recs   *records.MemoryStore
	engine *workflow.Engine
	orch   *orchestrator.Orchestrator
	clock  *fakeClock
	bus    *bus.Bus
}

type fakeClock struct{ now atomic.Value }

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.now.Store(t)
	return c
}
func (c *fakeClock) Now() time.Time          { return c.now.Load().(time.Time) }
func (c *fakeClock) Advance(d time.Duration) { c.now.Store(c.Now().Add(d)) }

func newFixture(t *testing.T, maxRuns int, withBus bool) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{
		store: workflow.NewMemoryStore(),
		recs:  records.NewMemoryStore(),
		clock: newFakeClock(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)),
	}
	if withBus {
		f.bus = bus.New(bus.NewMemoryStore(), logger)
		t.Cleanup(f.bus.Close)
	}
	f.engine = workflow.NewEngine(workflow.EngineParams{
		Store:       f.store,
		Metrics:     workflow.NewMetrics(nil),
		Logger:      logger,
		MaxAttempts: 1,
		Sleep:       func(time.Duration) {},
	})
	f.orch = orchestrator.New(orchestrator.Params{
		Engine:   f.engine,
		Store:    f.store,
		Records:  f.recs,
		Bus:      f.bus,
		Logger:   logger,
		Interval: time.Hour,
		MaxRuns:  maxRuns,
		Clock:    f.clock.Now,
	})
	return f
}

func (f *fixture) definition(t *testing.T, name string, kind workflow.TriggerKind, params workflow.TriggerParams) (workflow.Definition, *countingProc) {
	t.Helper()
	proc := &countingProc{name: name}
	f.engine.RegisterProcessor(proc)
	def, err := f.engine.CreateDefinition(workflow.Definition{
		Name:        name,
		TriggerKind: kind,
		Trigger:     params,
		Processor:   name,
	})
	require.NoError(t, err)
	return def, proc
}

func (f *fixture) runCount(t *testing.T, defID string) int {
	t.Helper()
	runs, err := f.store.ListRuns(defID, "", 0)
	require.NoError(t, err)
	return len(runs)
}

func TestStartTwiceIsNoOp(t *testing.T) {
	f := newFixture(t, 5, false)

	f.orch.Start()
	f.orch.Start()
	assert.True(t, f.orch.Running())

	f.orch.Stop()
	assert.False(t, f.orch.Running())
	f.orch.Stop()
}

func TestThresholdTriggerFiresWhenCountDropsBelow(t *testing.T) {
	f := newFixture(t, 5, false)
	def, proc := f.definition(t, "reorder_sweep", workflow.TriggerThreshold, workflow.TriggerParams{
		Threshold: &workflow.ThresholdCondition{RecordKind: "inventory_item", Operator: "count_below", Value: 3},
	})

	f.orch.Tick(context.Background())
	require.Eventually(t, func() bool { return proc.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.runCount(t, def.ID))
}

func TestThresholdTriggerQuietWhenConditionFalse(t *testing.T) {
	f := newFixture(t, 5, false)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := f.recs.Create(ctx, "inventory_item", []byte(`{}`))
		require.NoError(t, err)
	}
	def, _ := f.definition(t, "reorder_sweep", workflow.TriggerThreshold, workflow.TriggerParams{
		Threshold: &workflow.ThresholdCondition{RecordKind: "inventory_item", Operator: "count_below", Value: 3},
	})

	f.orch.Tick(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.runCount(t, def.ID))
}

func TestIntervalScheduleFiresOncePerPeriod(t *testing.T) {
	f := newFixture(t, 5, false)
	ctx := context.Background()
	def, proc := f.definition(t, "nightly_forecast", workflow.TriggerScheduled, workflow.TriggerParams{
		Schedule: "1h",
	})

	f.orch.Tick(ctx)
	require.Eventually(t, func() bool { return proc.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	f.orch.Tick(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.runCount(t, def.ID), "within the period nothing refires")

	f.clock.Advance(time.Hour)
	f.orch.Tick(ctx)
	require.Eventually(t, func() bool { return proc.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCronScheduleFires(t *testing.T) {
	f := newFixture(t, 5, false)
	ctx := context.Background()
	_, proc := f.definition(t, "five_minute_sweep", workflow.TriggerScheduled, workflow.TriggerParams{
		Schedule: "*/5 * * * *",
	})

	f.orch.Tick(ctx)
	require.Eventually(t, func() bool { return proc.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	f.orch.Tick(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), proc.calls.Load())

	f.clock.Advance(5 * time.Minute)
	f.orch.Tick(ctx)
	require.Eventually(t, func() bool { return proc.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestContinuousTriggerKeepsOneRunActive(t *testing.T) {
	f := newFixture(t, 5, false)
	ctx := context.Background()
	def, proc := f.definition(t, "monitor", workflow.TriggerContinuous, workflow.TriggerParams{})
	proc.block = make(chan struct{})

	f.orch.Tick(ctx)
	require.Eventually(t, func() bool { return proc.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	f.orch.Tick(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), proc.calls.Load(), "a running instance blocks a second launch")

	close(proc.block)
	require.Eventually(t, func() bool { return f.runCount(t, def.ID) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRunCapSkipsLaunches(t *testing.T) {
	f := newFixture(t, 1, false)
	ctx := context.Background()

	_, procA := f.definition(t, "monitor_a", workflow.TriggerContinuous, workflow.TriggerParams{})
	_, procB := f.definition(t, "monitor_b", workflow.TriggerContinuous, workflow.TriggerParams{})
	procA.block = make(chan struct{})
	procB.block = make(chan struct{})

	f.orch.Tick(ctx)
	time.Sleep(50 * time.Millisecond)
	launched := procA.calls.Load() + procB.calls.Load()
	assert.Equal(t, int64(1), launched, "one slot, one launch")

	close(procA.block)
	close(procB.block)
}

func TestEventTriggerLaunchesSubscribedDefinitions(t *testing.T) {
	f := newFixture(t, 5, true)
	def, proc := f.definition(t, "on_stock_low", workflow.TriggerEvent, workflow.TriggerParams{
		EventTypes: []string{"stock.low"},
	})

	f.orch.Start()
	defer f.orch.Stop()

	_, err := f.bus.Emit(context.Background(), "stock.low", "medium", "inventory", "inventory_item", "itm_1",
		map[string]any{"sku": "STEEL-10"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return proc.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	runs, err := f.store.ListRuns(def.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, workflow.TriggerEvent, runs[0].TriggerKind)
	assert.Equal(t, "stock.low", runs[0].Input["event_type"])
}

func TestStoppedOrchestratorIgnoresEvents(t *testing.T) {
	f := newFixture(t, 5, true)
	def, proc := f.definition(t, "on_stock_low", workflow.TriggerEvent, workflow.TriggerParams{
		EventTypes: []string{"stock.low"},
	})

	f.orch.Start()
	f.orch.Stop()

	_, err := f.bus.Emit(context.Background(), "stock.low", "medium", "inventory", "inventory_item", "itm_1", nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, proc.calls.Load(), "a stopped orchestrator must not launch runs")
	assert.Equal(t, 0, f.runCount(t, def.ID))

	// Restart handles events again, and exactly once per event.
	f.orch.Start()
	defer f.orch.Stop()

	_, err = f.bus.Emit(context.Background(), "stock.low", "medium", "inventory", "inventory_item", "itm_2", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return proc.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), proc.calls.Load(), "stop/start cycles do not stack subscriptions")
}

func TestSystemStatusSnapshot(t *testing.T) {
	f := newFixture(t, 5, false)
	f.definition(t, "monitor", workflow.TriggerContinuous, workflow.TriggerParams{})

	f.orch.Start()
	defer f.orch.Stop()

	st := f.orch.GetSystemStatus()
	assert.True(t, st.Running)
	assert.Equal(t, 5, st.MaxConcurrentRuns)
	assert.Contains(t, st.Processors, "monitor")
}
