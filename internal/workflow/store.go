package workflow

import "errors"

var ErrNotFound = errors.New("not found")

type Store interface {
	CreateDefinition(d Definition) (Definition, error)
	UpdateDefinition(d Definition) error
	GetDefinition(id string) (Definition, error)
	ListDefinitions() ([]Definition, error)

	CreateRun(r Run) (Run, error)
	UpdateRun(r Run) error
	GetRun(id string) (Run, error)
	ListRuns(definitionID string, status Status, limit int) ([]Run, error)
	ListDeadLetters() ([]Run, error)

	AppendStep(s Step) error
	ListSteps(runID string) ([]Step, error)

	SaveDecision(d Decision) error
	UpdateDecision(d Decision) error
	GetDecision(id string) (Decision, error)
	ListDecisions(runID string, limit int) ([]Decision, error)

	CreatePipeline(p Pipeline) (Pipeline, error)
	GetPipeline(id string) (Pipeline, error)
	ListPipelines() ([]Pipeline, error)
	CreatePipelineRun(pr PipelineRun) (PipelineRun, error)
	UpdatePipelineRun(pr PipelineRun) error
	GetPipelineRun(id string) (PipelineRun, error)
	ListPipelineRuns(status Status) ([]PipelineRun, error)

	UpsertMetric(m Metric) error
	ListMetrics(day string) ([]Metric, error)
}
