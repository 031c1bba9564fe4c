package workflow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/apexerp/orchestrator/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepsFormAnOrderedAuditTrail(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	e.engine.RegisterProcessor(&procStub{name: "three_steps", fn: func(ctx context.Context, ec *workflow.ExecContext) error {
		if err := ec.RecordStep(ctx, "fetch", workflow.StepDataFetch, nil, map[string]int{"rows": 12}, nil); err != nil {
			return err
		}
		if err := ec.RecordStep(ctx, "compute", workflow.StepCalculation, nil, nil, nil); err != nil {
			return err
		}
		return ec.RecordStep(ctx, "notify", workflow.StepSendNotification, nil, nil, errors.New("smtp down"))
	}})
	def, err := e.engine.CreateDefinition(workflow.Definition{
		Name:        "audited job",
		TriggerKind: workflow.TriggerManual,
		Processor:   "three_steps",
	})
	require.NoError(t, err)

	run, err := e.engine.StartWorkflow(ctx, def.ID, workflow.TriggerManual, nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, run.Status, "a failed step is not a failed run")
	assert.Equal(t, 3, run.StepsRun)
	assert.Equal(t, 1, run.StepsFailed)

	steps, err := e.store.ListSteps(run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, st := range steps {
		assert.Equal(t, i+1, st.StepNumber)
	}
	assert.True(t, steps[0].Success)
	assert.Equal(t, "fetch", steps[0].Name)
	assert.JSONEq(t, `{"rows":12}`, string(steps[0].Output))
	assert.False(t, steps[2].Success)
	assert.Equal(t, "smtp down", steps[2].Error)

	excepts, err := e.exStore.ListRecords("")
	require.NoError(t, err)
	require.Len(t, excepts, 1)
	assert.Equal(t, "step_failure", excepts[0].Type)
	assert.Equal(t, run.ID, excepts[0].RunID)
}

func TestStepWrapperRecordsBothOutcomes(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	var writeErr error
	e.engine.RegisterProcessor(&procStub{name: "wrapped", fn: func(ctx context.Context, ec *workflow.ExecContext) error {
		if _, err := ec.Step(ctx, "fetch", workflow.StepDataFetch, nil, func(context.Context) (any, error) {
			return map[string]int{"rows": 3}, nil
		}); err != nil {
			return err
		}
		_, writeErr = ec.Step(ctx, "write", workflow.StepCreateRecord, nil, func(context.Context) (any, error) {
			return nil, errors.New("db down")
		})
		return nil
	}})
	def, err := e.engine.CreateDefinition(workflow.Definition{
		Name:        "wrapped job",
		TriggerKind: workflow.TriggerManual,
		Processor:   "wrapped",
	})
	require.NoError(t, err)

	run, err := e.engine.StartWorkflow(ctx, def.ID, workflow.TriggerManual, nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, run.Status)
	assert.EqualError(t, writeErr, "db down", "the wrapper hands fn's error back")

	steps, err := e.store.ListSteps(run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2, "success and failure both land in the trail")
	assert.True(t, steps[0].Success)
	assert.JSONEq(t, `{"rows":3}`, string(steps[0].Output))
	assert.False(t, steps[1].Success)
	assert.Equal(t, "db down", steps[1].Error)
	assert.Equal(t, 1, run.StepsFailed)
}

func TestCancelRequestStopsAtNextStepBoundary(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	steps := 0
	e.engine.RegisterProcessor(&procStub{name: "cancellable", fn: func(ctx context.Context, ec *workflow.ExecContext) error {
		if err := ec.RecordStep(ctx, "first", workflow.StepCalculation, nil, nil, nil); err != nil {
			return err
		}
		steps++
		if _, err := e.engine.RequestCancel(ctx, ec.Run().ID); err != nil {
			return err
		}
		if err := ec.RecordStep(ctx, "second", workflow.StepCalculation, nil, nil, nil); err != nil {
			return err
		}
		steps++
		return nil
	}})
	def, err := e.engine.CreateDefinition(workflow.Definition{
		Name:        "cancellable job",
		TriggerKind: workflow.TriggerManual,
		Processor:   "cancellable",
	})
	require.NoError(t, err)

	run, err := e.engine.StartWorkflow(ctx, def.ID, workflow.TriggerManual, nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, run.Status)
	assert.Equal(t, 1, steps, "the second step never executes")
	assert.False(t, run.Resumable())

	recorded, err := e.store.ListSteps(run.ID)
	require.NoError(t, err)
	assert.Len(t, recorded, 1)
}

func TestCancelTerminalRunFails(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	e.engine.RegisterProcessor(&procStub{name: "noop", fn: func(context.Context, *workflow.ExecContext) error {
		return nil
	}})
	def, err := e.engine.CreateDefinition(workflow.Definition{
		Name:        "noop job",
		TriggerKind: workflow.TriggerManual,
		Processor:   "noop",
	})
	require.NoError(t, err)

	run, err := e.engine.StartWorkflow(ctx, def.ID, workflow.TriggerManual, nil, "tester")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, run.Status)

	_, err = e.engine.RequestCancel(ctx, run.ID)
	assert.Error(t, err)
}
