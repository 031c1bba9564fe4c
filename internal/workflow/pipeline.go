package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apexerp/orchestrator/internal/bus"
	"go.uber.org/zap"
)

// PipelineExecutor chains workflow definitions into sequential stages. Each
// stage's output feeds the next stage's input. A stage that parks awaiting
// approval halts the pipeline, which resumes at the same stage once the run
// settles.
type PipelineExecutor struct {
	store  Store
	engine *Engine
	bus    *bus.Bus
	logger *zap.Logger
	clock  func() time.Time

	mu      sync.Mutex
	waiting map[string]string // run id -> pipeline run id
}

func NewPipelineExecutor(store Store, engine *Engine, b *bus.Bus, logger *zap.Logger, clock func() time.Time) *PipelineExecutor {
	if clock == nil {
		clock = time.Now
	}
	pe := &PipelineExecutor{
		store:   store,
		engine:  engine,
		bus:     b,
		logger:  logger.Named("pipeline"),
		clock:   clock,
		waiting: map[string]string{},
	}
	engine.OnRunFinished(pe.onRunFinished)
	return pe
}

// CreatePipeline validates that every stage names an existing definition.
func (pe *PipelineExecutor) CreatePipeline(name string, stages []string) (Pipeline, error) {
	if len(stages) == 0 {
		return Pipeline{}, fmt.Errorf("pipeline needs at least one stage")
	}
	for _, defID := range stages {
		if _, err := pe.store.GetDefinition(defID); err != nil {
			return Pipeline{}, fmt.Errorf("stage %s: %w", defID, err)
		}
	}
	return pe.store.CreatePipeline(Pipeline{
		ID:        newID("pl"),
		Name:      name,
		Stages:    stages,
		CreatedAt: pe.clock().UTC(),
	})
}

// ExecutePipeline runs the stages in order, synchronously, until the pipeline
// finishes or a stage parks awaiting approval.
func (pe *PipelineExecutor) ExecutePipeline(ctx context.Context, pipelineID string, input map[string]any, requestedBy string) (PipelineRun, error) {
	p, err := pe.store.GetPipeline(pipelineID)
	if err != nil {
		return PipelineRun{}, err
	}
	now := pe.clock().UTC()
	pr := PipelineRun{
		ID:          newID("plr"),
		PipelineID:  p.ID,
		Status:      StatusRunning,
		StagesTotal: len(p.Stages),
		Input:       input,
		RequestedBy: requestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	pr, err = pe.store.CreatePipelineRun(pr)
	if err != nil {
		return PipelineRun{}, err
	}
	pe.logger.Info("pipeline started",
		zap.String("pipeline_run_id", pr.ID),
		zap.String("pipeline_id", p.ID),
		zap.Int("stages", pr.StagesTotal))
	return pe.runStages(ctx, p, pr, input)
}

func (pe *PipelineExecutor) GetPipelineRun(id string) (PipelineRun, error) {
	return pe.store.GetPipelineRun(id)
}

func (pe *PipelineExecutor) runStages(ctx context.Context, p Pipeline, pr PipelineRun, input map[string]any) (PipelineRun, error) {
	for pr.StageIndex < pr.StagesTotal {
		defID := p.Stages[pr.StageIndex]
		run, err := pe.engine.StartWorkflow(ctx, defID, TriggerPipeline, input, pr.RequestedBy)
		if err != nil {
			return pe.finish(ctx, pr, StatusFailed, fmt.Sprintf("stage %d (%s): %v", pr.StageIndex, defID, err))
		}
		pr.StageRunIDs = append(pr.StageRunIDs, run.ID)

		switch run.Status {
		case StatusCompleted:
			if len(run.Output) > 0 {
				input = run.Output
			}
			pr.StageIndex++
			pr.Output = run.Output
			if err := pe.store.UpdatePipelineRun(pr); err != nil {
				return PipelineRun{}, err
			}
		case StatusAwaitingApproval:
			pr.Status = StatusAwaitingApproval
			if err := pe.store.UpdatePipelineRun(pr); err != nil {
				return PipelineRun{}, err
			}
			pe.mu.Lock()
			pe.waiting[run.ID] = pr.ID
			pe.mu.Unlock()
			pe.emit(ctx, "pipeline.awaiting_approval", "medium", pr)
			pe.logger.Info("pipeline parked at stage",
				zap.String("pipeline_run_id", pr.ID),
				zap.Int("stage", pr.StageIndex))
			return pr, nil
		default:
			return pe.finish(ctx, pr, run.Status, fmt.Sprintf("stage %d (%s): %s", pr.StageIndex, defID, run.Error))
		}
	}
	return pe.finish(ctx, pr, StatusCompleted, "")
}

// onRunFinished resumes a halted pipeline once its parked stage run settles.
// A stage that parks again stays registered.
func (pe *PipelineExecutor) onRunFinished(run Run) {
	pe.mu.Lock()
	prID, ok := pe.waiting[run.ID]
	if !ok {
		pe.mu.Unlock()
		return
	}
	if run.Status == StatusAwaitingApproval {
		pe.mu.Unlock()
		return
	}
	delete(pe.waiting, run.ID)
	pe.mu.Unlock()

	ctx := context.Background()
	pr, err := pe.store.GetPipelineRun(prID)
	if err != nil {
		pe.logger.Warn("pipeline resume failed", zap.String("pipeline_run_id", prID), zap.Error(err))
		return
	}
	p, err := pe.store.GetPipeline(pr.PipelineID)
	if err != nil {
		pe.logger.Warn("pipeline resume failed", zap.String("pipeline_run_id", prID), zap.Error(err))
		return
	}

	if run.Status != StatusCompleted {
		_, _ = pe.finish(ctx, pr, run.Status, fmt.Sprintf("stage %d (%s): %s", pr.StageIndex, run.DefinitionID, run.Error))
		return
	}

	input := pr.Input
	if len(run.Output) > 0 {
		input = run.Output
	}
	pr.StageIndex++
	pr.Output = run.Output
	pr.Status = StatusRunning
	if err := pe.store.UpdatePipelineRun(pr); err != nil {
		pe.logger.Warn("pipeline resume failed", zap.String("pipeline_run_id", prID), zap.Error(err))
		return
	}
	pe.logger.Info("pipeline resumed",
		zap.String("pipeline_run_id", pr.ID),
		zap.Int("stage", pr.StageIndex))
	_, _ = pe.runStages(ctx, p, pr, input)
}

func (pe *PipelineExecutor) finish(ctx context.Context, pr PipelineRun, status Status, errMsg string) (PipelineRun, error) {
	pr.Status = status
	pr.Error = errMsg
	if err := pe.store.UpdatePipelineRun(pr); err != nil {
		return PipelineRun{}, err
	}
	eventType, severity := "pipeline.completed", "low"
	if status != StatusCompleted {
		eventType, severity = "pipeline.failed", "high"
	}
	pe.emit(ctx, eventType, severity, pr)
	pe.logger.Info("pipeline finished",
		zap.String("pipeline_run_id", pr.ID),
		zap.String("status", string(status)))
	return pr, nil
}

func (pe *PipelineExecutor) emit(ctx context.Context, eventType, severity string, pr PipelineRun) {
	if pe.bus == nil {
		return
	}
	_, _ = pe.bus.Emit(ctx, eventType, severity, "workflow", "pipeline_run", pr.ID, pr)
}
