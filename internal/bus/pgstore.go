package bus

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
create table if not exists bus_events (
  id text primary key,
  type text not null,
  payload jsonb not null,
  created_at timestamptz not null
);
create table if not exists bus_handled (
  subscription text not null,
  event_id text not null,
  handled_at timestamptz not null,
  primary key (subscription, event_id)
);
create index if not exists bus_events_created_idx on bus_events (created_at);
`)
	return err
}

func (s *PGStore) Append(ev Event) error {
	b, _ := json.Marshal(ev)
	_, err := s.db.Exec(`insert into bus_events (id, type, payload, created_at) values ($1,$2,$3,$4)
on conflict (id) do nothing`, ev.ID, ev.Type, b, ev.CreatedAt)
	return err
}

func (s *PGStore) ListSince(since time.Time) ([]Event, error) {
	rows, err := s.db.Query(`select payload from bus_events where created_at >= $1 order by created_at asc`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PGStore) WasHandled(subscription, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`select 1 from bus_handled where subscription=$1 and event_id=$2`, subscription, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGStore) MarkHandled(subscription, eventID string) error {
	_, err := s.db.Exec(`insert into bus_handled (subscription, event_id, handled_at) values ($1,$2,$3)
on conflict (subscription, event_id) do nothing`, subscription, eventID, time.Now().UTC())
	return err
}
