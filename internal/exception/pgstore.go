package exception

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

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
create table if not exists ex_records (
  id text primary key,
  type text not null,
  status text not null,
  payload jsonb not null,
  detected_at timestamptz not null
);
create table if not exists ex_rules (
  id text primary key,
  payload jsonb not null
);
`)
	return err
}

func (s *PGStore) CreateRecord(r Record) (Record, error) {
	b, _ := json.Marshal(r)
	_, err := s.db.Exec(`insert into ex_records (id, type, status, payload, detected_at) values ($1,$2,$3,$4,$5)`,
		r.ID, r.Type, r.Status, b, r.DetectedAt)
	return r, err
}

func (s *PGStore) UpdateRecord(r Record) error {
	b, _ := json.Marshal(r)
	res, err := s.db.Exec(`update ex_records set status=$2, payload=$3 where id=$1`, r.ID, r.Status, b)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) GetRecord(id string) (Record, error) {
	var raw []byte
	err := s.db.QueryRow(`select payload from ex_records where id=$1`, id).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (s *PGStore) ListRecords(status RecordStatus) ([]Record, error) {
	rows, err := s.db.Query(`select payload from ex_records
where ($1 = '' or status = $1) order by detected_at asc`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) SaveRule(r Rule) (Rule, error) {
	b, _ := json.Marshal(r)
	_, err := s.db.Exec(`insert into ex_rules (id, payload) values ($1,$2)
on conflict (id) do update set payload = excluded.payload`, r.ID, b)
	return r, err
}

func (s *PGStore) ListRules() ([]Rule, error) {
	rows, err := s.db.Query(`select payload from ex_rules order by id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var r Rule
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
