package workflow

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore backs tests and DSN-less deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	definitions  map[string]Definition
	runs         map[string]Run
	steps        map[string][]Step
	decisions    map[string]Decision
	pipelines    map[string]Pipeline
	pipelineRuns map[string]PipelineRun
	metrics      map[string]Metric
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions:  map[string]Definition{},
		runs:         map[string]Run{},
		steps:        map[string][]Step{},
		decisions:    map[string]Decision{},
		pipelines:    map[string]Pipeline{},
		pipelineRuns: map[string]PipelineRun{},
		metrics:      map[string]Metric{},
	}
}

func (s *MemoryStore) CreateDefinition(d Definition) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[d.ID] = d
	return d, nil
}

func (s *MemoryStore) UpdateDefinition(d Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[d.ID]; !ok {
		return ErrNotFound
	}
	d.UpdatedAt = time.Now().UTC()
	s.definitions[d.ID] = d
	return nil
}

func (s *MemoryStore) GetDefinition(id string) (Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.definitions[id]
	if !ok {
		return Definition{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) ListDefinitions() ([]Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Definition, 0, len(s.definitions))
	for _, d := range s.definitions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateRun(r Run) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return r, nil
}

func (s *MemoryStore) UpdateRun(r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return ErrNotFound
	}
	r.UpdatedAt = time.Now().UTC()
	s.runs[r.ID] = r
	return nil
}

func (s *MemoryStore) GetRun(id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListRuns(definitionID string, status Status, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, r := range s.runs {
		if definitionID != "" && r.DefinitionID != definitionID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListDeadLetters() ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, r := range s.runs {
		if r.DeadLetter {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendStep(st Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[st.RunID] = append(s.steps[st.RunID], st)
	return nil
}

func (s *MemoryStore) ListSteps(runID string) ([]Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Step(nil), s.steps[runID]...), nil
}

func (s *MemoryStore) SaveDecision(d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[d.ID] = d
	return nil
}

func (s *MemoryStore) UpdateDecision(d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[d.ID]; !ok {
		return ErrNotFound
	}
	s.decisions[d.ID] = d
	return nil
}

func (s *MemoryStore) GetDecision(id string) (Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	if !ok {
		return Decision{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) ListDecisions(runID string, limit int) ([]Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Decision
	for _, d := range s.decisions {
		if runID != "" && d.RunID != runID {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreatePipeline(p Pipeline) (Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[p.ID] = p
	return p, nil
}

func (s *MemoryStore) GetPipeline(id string) (Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[id]
	if !ok {
		return Pipeline{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) ListPipelines() ([]Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreatePipelineRun(pr PipelineRun) (PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelineRuns[pr.ID] = pr
	return pr, nil
}

func (s *MemoryStore) UpdatePipelineRun(pr PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelineRuns[pr.ID]; !ok {
		return ErrNotFound
	}
	pr.UpdatedAt = time.Now().UTC()
	s.pipelineRuns[pr.ID] = pr
	return nil
}

func (s *MemoryStore) GetPipelineRun(id string) (PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pr, ok := s.pipelineRuns[id]
	if !ok {
		return PipelineRun{}, ErrNotFound
	}
	return pr, nil
}

func (s *MemoryStore) ListPipelineRuns(status Status) ([]PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PipelineRun
	for _, pr := range s.pipelineRuns {
		if status != "" && pr.Status != status {
			continue
		}
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpsertMetric(m Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[m.Day+"/"+m.DefinitionID] = m
	return nil
}

func (s *MemoryStore) ListMetrics(day string) ([]Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Metric
	for _, m := range s.metrics {
		if day != "" && m.Day != day {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].DefinitionID < out[j].DefinitionID
	})
	return out, nil
}
