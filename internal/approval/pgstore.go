package approval

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
create table if not exists ap_tickets (
  id text primary key,
  run_id text not null default '',
  subject_kind text not null,
  status text not null,
  payload jsonb not null,
  requested_at timestamptz not null
);
create table if not exists ap_thresholds (
  tier int primary key,
  payload jsonb not null
);
create index if not exists ap_tickets_run_idx on ap_tickets (run_id, subject_kind);
`)
	return err
}

func (s *PGStore) CreateTicket(t Ticket) (Ticket, error) {
	b, _ := json.Marshal(t)
	_, err := s.db.Exec(`insert into ap_tickets (id, run_id, subject_kind, status, payload, requested_at)
values ($1,$2,$3,$4,$5,$6)`, t.ID, t.RunID, t.SubjectKind, t.Status, b, t.RequestedAt)
	return t, err
}

func (s *PGStore) UpdateTicket(t Ticket) error {
	b, _ := json.Marshal(t)
	res, err := s.db.Exec(`update ap_tickets set status=$2, payload=$3 where id=$1`, t.ID, t.Status, b)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) GetTicket(id string) (Ticket, error) {
	var raw []byte
	err := s.db.QueryRow(`select payload from ap_tickets where id=$1`, id).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return Ticket{}, ErrNotFound
		}
		return Ticket{}, err
	}
	return unmarshalTicket(raw)
}

func (s *PGStore) ListTickets(status TicketStatus) ([]Ticket, error) {
	rows, err := s.db.Query(`select payload from ap_tickets
where ($1 = '' or status = $1) order by requested_at asc`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Ticket
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		t, err := unmarshalTicket(raw)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) FindTicket(runID, subjectKind string) (Ticket, error) {
	var raw []byte
	err := s.db.QueryRow(`select payload from ap_tickets
where run_id=$1 and subject_kind=$2 order by requested_at desc limit 1`, runID, subjectKind).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return Ticket{}, ErrNotFound
		}
		return Ticket{}, err
	}
	return unmarshalTicket(raw)
}

func (s *PGStore) SaveThresholds(ladder []Threshold) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`delete from ap_thresholds`); err != nil {
		return err
	}
	for _, th := range ladder {
		b, _ := json.Marshal(th)
		if _, err := tx.Exec(`insert into ap_thresholds (tier, payload) values ($1,$2)`, th.Tier, b); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGStore) ListThresholds() ([]Threshold, error) {
	rows, err := s.db.Query(`select payload from ap_thresholds order by tier asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Threshold
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var th Threshold
		if err := json.Unmarshal(raw, &th); err != nil {
			continue
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

func unmarshalTicket(raw []byte) (Ticket, error) {
	var t Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return Ticket{}, err
	}
	return t, nil
}
