package processors_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/apexerp/orchestrator/internal/decision"
	"github.com/apexerp/orchestrator/internal/exception"
	"github.com/apexerp/orchestrator/internal/notify"
	"github.com/apexerp/orchestrator/internal/processors"
	"github.com/apexerp/orchestrator/internal/records"
	"github.com/apexerp/orchestrator/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubInvoker struct {
	res *decision.Result
	err error
}

func (s stubInvoker) Decide(context.Context, decision.Request) (*decision.Result, error) {
	return s.res, s.err
}

type fixture struct {
	store   *workflow.MemoryStore
	recs    *records.MemoryStore
	exStore *exception.MemoryStore
	sender  *notify.RecordingSender
	handler *exception.Handler
	engine  *workflow.Engine
}

func newFixture(t *testing.T, invoker decision.Invoker) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{
		store:   workflow.NewMemoryStore(),
		recs:    records.NewMemoryStore(),
		exStore: exception.NewMemoryStore(),
		sender:  &notify.RecordingSender{},
	}
	f.handler = exception.NewHandler(f.exStore, invoker, nil, f.sender, logger, 80, nil)
	f.engine = workflow.NewEngine(workflow.EngineParams{
		Store:       f.store,
		Exceptions:  f.handler,
		Invoker:     invoker,
		Metrics:     workflow.NewMetrics(nil),
		Logger:      logger,
		MaxAttempts: 1,
		Sleep:       func(time.Duration) {},
	})
	processors.Register(f.engine, f.recs)
	return f
}

func (f *fixture) definition(t *testing.T, name, processor string) workflow.Definition {
	t.Helper()
	def, err := f.engine.CreateDefinition(workflow.Definition{
		Name:        name,
		TriggerKind: workflow.TriggerManual,
		Processor:   processor,
	})
	require.NoError(t, err)
	return def
}

func (f *fixture) seed(t *testing.T, kind string, payload map[string]any) records.Record {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	rec, err := f.recs.Create(context.Background(), kind, raw)
	require.NoError(t, err)
	return rec
}

func TestFulfillmentAllocatesStockAndFlagsShortages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "inventory_item", map[string]any{"sku": "WIDGET", "on_hand": 10})
	f.seed(t, "sales_order", map[string]any{"sku": "WIDGET", "quantity": 4, "total": 200.0, "status": "new"})
	f.seed(t, "sales_order", map[string]any{"sku": "WIDGET", "quantity": 10, "total": 500.0, "status": "new"})

	def := f.definition(t, "order fulfillment", "order_fulfillment")
	run, err := f.engine.StartWorkflow(ctx, def.ID, workflow.TriggerManual, nil, "tester")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, run.Status)
	assert.Equal(t, 2, run.ItemsProcessed)
	assert.Equal(t, 1, run.ItemsSucceeded)
	assert.Equal(t, 1, run.ItemsFailed)
	assert.Equal(t, 200.0, run.TotalValue)
	assert.Equal(t, 1, run.Output["fulfilled"])

	excepts, err := f.exStore.ListRecords("")
	require.NoError(t, err)
	require.Len(t, excepts, 1)
	assert.Equal(t, "stock_shortage", excepts[0].Type)

	var data map[string]any
	require.NoError(t, json.Unmarshal(excepts[0].Data, &data))
	assert.InDelta(t, 40.0, data["variance_pct"], 0.01, "10 needed, 6 left after the first order")
}

func TestFulfillmentShortageAutoResolvedByRule(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.handler.SaveRule(exception.Rule{
		ID:          "rule_stockout",
		Type:        "stock_shortage",
		VariancePct: 50,
		Strategy:    exception.StrategyAuto,
		Action:      "notify_ops",
		Active:      true,
	})
	require.NoError(t, err)

	f.seed(t, "inventory_item", map[string]any{"sku": "WIDGET", "on_hand": 6})
	f.seed(t, "sales_order", map[string]any{"sku": "WIDGET", "quantity": 10, "total": 500.0, "status": "new"})

	def := f.definition(t, "order fulfillment", "order_fulfillment")
	run, err := f.engine.StartWorkflow(ctx, def.ID, workflow.TriggerManual, nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, run.Status)

	excepts, err := f.exStore.ListRecords("")
	require.NoError(t, err)
	require.Len(t, excepts, 1)
	assert.Equal(t, exception.StatusResolved, excepts[0].Status)
	assert.Equal(t, exception.ResolutionRule, excepts[0].ResolutionType)
	require.Len(t, f.sender.Sent(), 1)
	assert.Equal(t, "ops", f.sender.Sent()[0].To)
}

func TestProductionScheduleSequencesWithinCapacity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	due := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	f.seed(t, "work_order", map[string]any{"product": "frame", "hours": 16.0, "due_date": due, "status": "pending"})
	f.seed(t, "work_order", map[string]any{"product": "axle", "hours": 20.0, "due_date": due.AddDate(0, 0, 1), "status": "pending"})
	f.seed(t, "work_order", map[string]any{"product": "wheel", "hours": 12.0, "due_date": due.AddDate(0, 0, 2), "status": "pending"})
	f.seed(t, "work_order", map[string]any{"product": "painted", "hours": 8.0, "due_date": due, "status": "done"})

	def := f.definition(t, "weekly schedule", "production_schedule")
	run, err := f.engine.StartWorkflow(ctx, def.ID, workflow.TriggerManual, nil, "tester")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, run.Status)
	assert.Equal(t, 2, run.Output["scheduled"])
	assert.Equal(t, 36.0, run.Output["hours_used"])
	assert.Equal(t, 1, run.Output["overflow"], "the wheel order does not fit 40h")

	excepts, err := f.exStore.ListRecords("")
	require.NoError(t, err)
	require.Len(t, excepts, 1)
	assert.Equal(t, "capacity_overrun", excepts[0].Type)
}

func TestDemandForecastPersistsDecisionAndRecords(t *testing.T) {
	inv := stubInvoker{res: &decision.Result{
		Decision:   json.RawMessage(`{"forecasts":[{"sku":"WIDGET","quantity":120}]}`),
		Confidence: 85,
		Reasoning:  "steady demand",
		TokensUsed: 200,
	}}
	f := newFixture(t, inv)
	ctx := context.Background()

	f.seed(t, "sales_order", map[string]any{"sku": "WIDGET", "quantity": 40, "status": "fulfilled"})
	f.seed(t, "sales_order", map[string]any{"sku": "WIDGET", "quantity": 60, "status": "fulfilled"})

	def := f.definition(t, "demand forecast", "demand_forecast")
	run, err := f.engine.StartWorkflow(ctx, def.ID, workflow.TriggerManual, nil, "tester")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, run.Status)
	assert.Equal(t, 1, run.Output["forecasted_skus"])
	assert.Equal(t, 85, run.Output["confidence"])

	n, err := f.recs.Count(ctx, "demand_forecast")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	decisions, err := f.store.ListDecisions(run.ID, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "demand_forecast", decisions[0].DecisionType)
	assert.Equal(t, 200, decisions[0].TokensUsed)
}

func TestDemandForecastFailsClosedOnBadDecision(t *testing.T) {
	inv := stubInvoker{err: assert.AnError}
	f := newFixture(t, inv)
	ctx := context.Background()

	f.seed(t, "sales_order", map[string]any{"sku": "WIDGET", "quantity": 40})

	def := f.definition(t, "demand forecast", "demand_forecast")
	run, err := f.engine.StartWorkflow(ctx, def.ID, workflow.TriggerManual, nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, run.Status)
	assert.True(t, run.DeadLetter)

	n, err := f.recs.Count(ctx, "demand_forecast")
	require.NoError(t, err)
	assert.Zero(t, n, "no guessed forecast lands in the records")
}
