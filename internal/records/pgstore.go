package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
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
create table if not exists erp_records (
  id text not null,
  kind text not null,
  payload jsonb not null,
  created_at timestamptz not null,
  updated_at timestamptz not null,
  primary key (kind, id)
);
`)
	return err
}

func (s *PGStore) Create(ctx context.Context, kind string, payload json.RawMessage) (Record, error) {
	now := time.Now().UTC()
	rec := Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `insert into erp_records (id, kind, payload, created_at, updated_at)
values ($1,$2,$3,$4,$5)`, rec.ID, rec.Kind, []byte(rec.Payload), rec.CreatedAt, rec.UpdatedAt)
	return rec, err
}

func (s *PGStore) Get(ctx context.Context, kind, id string) (Record, error) {
	rec := Record{ID: id, Kind: kind}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `select payload, created_at, updated_at from erp_records where kind=$1 and id=$2`, kind, id).
		Scan(&raw, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Payload = raw
	return rec, nil
}

func (s *PGStore) Update(ctx context.Context, kind, id string, payload json.RawMessage) (Record, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `update erp_records set payload=$3, updated_at=$4 where kind=$1 and id=$2`,
		kind, id, []byte(payload), now)
	if err != nil {
		return Record{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Record{}, ErrNotFound
	}
	return s.Get(ctx, kind, id)
}

func (s *PGStore) List(ctx context.Context, kind string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `select id, payload, created_at, updated_at from erp_records
where kind=$1 order by created_at asc limit $2`, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec := Record{Kind: kind}
		var raw []byte
		if err := rows.Scan(&rec.ID, &raw, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			continue
		}
		rec.Payload = raw
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) Count(ctx context.Context, kind string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from erp_records where kind=$1`, kind).Scan(&n)
	return n, err
}
