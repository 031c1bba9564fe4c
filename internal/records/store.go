package records

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Record is an opaque business entity (purchase order, inventory row,
// vendor...). The orchestration core never inspects the payload beyond what
// its processors choose to read.
type Record struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Store interface {
	Create(ctx context.Context, kind string, payload json.RawMessage) (Record, error)
	Get(ctx context.Context, kind, id string) (Record, error)
	Update(ctx context.Context, kind, id string, payload json.RawMessage) (Record, error)
	List(ctx context.Context, kind string, limit int) ([]Record, error)
	Count(ctx context.Context, kind string) (int, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record // keyed kind/id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) Create(_ context.Context, kind string, payload json.RawMessage) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	rec := Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[kind+"/"+rec.ID] = rec
	return rec, nil
}

func (s *MemoryStore) Get(_ context.Context, kind, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[kind+"/"+id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Update(_ context.Context, kind, id string, payload json.RawMessage) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[kind+"/"+id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Payload = payload
	rec.UpdatedAt = time.Now().UTC()
	s.records[kind+"/"+id] = rec
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context, kind string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context, kind string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if rec.Kind == kind {
			n++
		}
	}
	return n, nil
}
