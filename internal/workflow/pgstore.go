package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PGStore struct {
	db *sql.DB
}

func NewPGStore(dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	s := &PGStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
create table if not exists wf_definitions (
  id text primary key,
  active boolean not null,
  payload jsonb not null,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create table if not exists wf_runs (
  id text primary key,
  definition_id text not null,
  status text not null,
  dead_letter boolean not null default false,
  payload jsonb not null,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create table if not exists wf_steps (
  id bigserial primary key,
  run_id text not null,
  step_number int not null,
  payload jsonb not null,
  created_at timestamptz not null
);
create table if not exists wf_decisions (
  id text primary key,
  run_id text not null,
  payload jsonb not null,
  created_at timestamptz not null
);
create table if not exists wf_pipelines (
  id text primary key,
  payload jsonb not null,
  created_at timestamptz not null
);
create table if not exists wf_pipeline_runs (
  id text primary key,
  pipeline_id text not null,
  status text not null,
  payload jsonb not null,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create table if not exists wf_metrics (
  day text not null,
  definition_id text not null,
  payload jsonb not null,
  built_at timestamptz not null,
  primary key (day, definition_id)
);
create index if not exists wf_runs_definition_idx on wf_runs (definition_id, status);
create index if not exists wf_steps_run_idx on wf_steps (run_id, step_number);
`)
	return err
}

func (s *PGStore) CreateDefinition(d Definition) (Definition, error) {
	b, _ := json.Marshal(d)
	_, err := s.db.Exec(`insert into wf_definitions (id, active, payload, created_at, updated_at)
values ($1,$2,$3,$4,$5)
on conflict (id) do update set active = excluded.active, payload = excluded.payload, updated_at = excluded.updated_at`,
		d.ID, d.Active, b, d.CreatedAt, d.UpdatedAt)
	return d, err
}

func (s *PGStore) UpdateDefinition(d Definition) error {
	d.UpdatedAt = time.Now().UTC()
	b, _ := json.Marshal(d)
	res, err := s.db.Exec(`update wf_definitions set active=$2, payload=$3, updated_at=$4 where id=$1`,
		d.ID, d.Active, b, d.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) GetDefinition(id string) (Definition, error) {
	var raw []byte
	err := s.db.QueryRow(`select payload from wf_definitions where id=$1`, id).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return Definition{}, ErrNotFound
		}
		return Definition{}, err
	}
	var d Definition
	if err := json.Unmarshal(raw, &d); err != nil {
		return Definition{}, err
	}
	return d, nil
}

func (s *PGStore) ListDefinitions() ([]Definition, error) {
	rows, err := s.db.Query(`select payload from wf_definitions order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Definition
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var d Definition
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateRun(r Run) (Run, error) {
	b, _ := json.Marshal(r)
	_, err := s.db.Exec(`insert into wf_runs (id, definition_id, status, dead_letter, payload, created_at, updated_at)
values ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.DefinitionID, r.Status, r.DeadLetter, b, r.CreatedAt, r.UpdatedAt)
	return r, err
}

func (s *PGStore) UpdateRun(r Run) error {
	r.UpdatedAt = time.Now().UTC()
	b, _ := json.Marshal(r)
	_, err := s.db.Exec(`update wf_runs set status=$2, dead_letter=$3, payload=$4, updated_at=$5 where id=$1`,
		r.ID, r.Status, r.DeadLetter, b, r.UpdatedAt)
	return err
}

func (s *PGStore) GetRun(id string) (Run, error) {
	var raw []byte
	err := s.db.QueryRow(`select payload from wf_runs where id=$1`, id).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	var r Run
	if err := json.Unmarshal(raw, &r); err != nil {
		return Run{}, err
	}
	return r, nil
}

func (s *PGStore) ListRuns(definitionID string, status Status, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`select payload from wf_runs
where ($1 = '' or definition_id = $1) and ($2 = '' or status = $2)
order by created_at desc limit $3`, definitionID, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *PGStore) ListDeadLetters() ([]Run, error) {
	rows, err := s.db.Query(`select payload from wf_runs where dead_letter order by created_at desc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var r Run
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendStep(st Step) error {
	b, _ := json.Marshal(st)
	_, err := s.db.Exec(`insert into wf_steps (run_id, step_number, payload, created_at) values ($1,$2,$3,$4)`,
		st.RunID, st.StepNumber, b, st.CreatedAt)
	return err
}

func (s *PGStore) ListSteps(runID string) ([]Step, error) {
	rows, err := s.db.Query(`select payload from wf_steps where run_id=$1 order by id asc`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var st Step
		if err := json.Unmarshal(raw, &st); err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PGStore) SaveDecision(d Decision) error {
	b, _ := json.Marshal(d)
	_, err := s.db.Exec(`insert into wf_decisions (id, run_id, payload, created_at) values ($1,$2,$3,$4)`,
		d.ID, d.RunID, b, d.CreatedAt)
	return err
}

func (s *PGStore) UpdateDecision(d Decision) error {
	b, _ := json.Marshal(d)
	res, err := s.db.Exec(`update wf_decisions set payload=$2 where id=$1`, d.ID, b)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) GetDecision(id string) (Decision, error) {
	var raw []byte
	err := s.db.QueryRow(`select payload from wf_decisions where id=$1`, id).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return Decision{}, ErrNotFound
		}
		return Decision{}, err
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (s *PGStore) ListDecisions(runID string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`select payload from wf_decisions
where ($1 = '' or run_id = $1) order by created_at desc limit $2`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Decision
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var d Decision
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) CreatePipeline(p Pipeline) (Pipeline, error) {
	b, _ := json.Marshal(p)
	_, err := s.db.Exec(`insert into wf_pipelines (id, payload, created_at) values ($1,$2,$3)
on conflict (id) do update set payload = excluded.payload`, p.ID, b, p.CreatedAt)
	return p, err
}

func (s *PGStore) GetPipeline(id string) (Pipeline, error) {
	var raw []byte
	err := s.db.QueryRow(`select payload from wf_pipelines where id=$1`, id).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return Pipeline{}, ErrNotFound
		}
		return Pipeline{}, err
	}
	var p Pipeline
	if err := json.Unmarshal(raw, &p); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

func (s *PGStore) ListPipelines() ([]Pipeline, error) {
	rows, err := s.db.Query(`select payload from wf_pipelines order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Pipeline
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var p Pipeline
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) CreatePipelineRun(pr PipelineRun) (PipelineRun, error) {
	b, _ := json.Marshal(pr)
	_, err := s.db.Exec(`insert into wf_pipeline_runs (id, pipeline_id, status, payload, created_at, updated_at)
values ($1,$2,$3,$4,$5,$6)`, pr.ID, pr.PipelineID, pr.Status, b, pr.CreatedAt, pr.UpdatedAt)
	return pr, err
}

func (s *PGStore) UpdatePipelineRun(pr PipelineRun) error {
	pr.UpdatedAt = time.Now().UTC()
	b, _ := json.Marshal(pr)
	_, err := s.db.Exec(`update wf_pipeline_runs set status=$2, payload=$3, updated_at=$4 where id=$1`,
		pr.ID, pr.Status, b, pr.UpdatedAt)
	return err
}

func (s *PGStore) GetPipelineRun(id string) (PipelineRun, error) {
	var raw []byte
	err := s.db.QueryRow(`select payload from wf_pipeline_runs where id=$1`, id).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return PipelineRun{}, ErrNotFound
		}
		return PipelineRun{}, err
	}
	var pr PipelineRun
	if err := json.Unmarshal(raw, &pr); err != nil {
		return PipelineRun{}, err
	}
	return pr, nil
}

func (s *PGStore) ListPipelineRuns(status Status) ([]PipelineRun, error) {
	rows, err := s.db.Query(`select payload from wf_pipeline_runs
where ($1 = '' or status = $1) order by created_at desc`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PipelineRun
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var pr PipelineRun
		if err := json.Unmarshal(raw, &pr); err != nil {
			continue
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertMetric(m Metric) error {
	b, _ := json.Marshal(m)
	_, err := s.db.Exec(`insert into wf_metrics (day, definition_id, payload, built_at) values ($1,$2,$3,$4)
on conflict (day, definition_id) do update set payload = excluded.payload, built_at = excluded.built_at`,
		m.Day, m.DefinitionID, b, m.BuiltAt)
	return err
}

func (s *PGStore) ListMetrics(day string) ([]Metric, error) {
	rows, err := s.db.Query(`select payload from wf_metrics
where ($1 = '' or day = $1) order by day asc, definition_id asc`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Metric
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var m Metric
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
