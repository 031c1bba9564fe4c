package exception

import (
	"errors"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	CreateRecord(r Record) (Record, error)
	UpdateRecord(r Record) error
	GetRecord(id string) (Record, error)
	ListRecords(status RecordStatus) ([]Record, error)

	SaveRule(r Rule) (Rule, error)
	ListRules() ([]Rule, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
	rules   map[string]Rule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}, rules: map[string]Rule{}}
}

func (s *MemoryStore) CreateRecord(r Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
	s.order = append(s.order, r.ID)
	return r, nil
}

func (s *MemoryStore) UpdateRecord(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; !ok {
		return ErrNotFound
	}
	s.records[r.ID] = r
	return nil
}

func (s *MemoryStore) GetRecord(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListRecords(status RecordStatus) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, id := range s.order {
		r := s.records[id]
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) SaveRule(r Rule) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return r, nil
}

func (s *MemoryStore) ListRules() ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
