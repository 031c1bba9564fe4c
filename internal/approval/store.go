package approval

import (
	"errors"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	CreateTicket(t Ticket) (Ticket, error)
	UpdateTicket(t Ticket) error
	GetTicket(id string) (Ticket, error)
	ListTickets(status TicketStatus) ([]Ticket, error)
	// FindTicket returns the most recent ticket for a run and subject kind so
	// a resumed processor sees its earlier request instead of opening a new
	// one.
	FindTicket(runID, subjectKind string) (Ticket, error)

	SaveThresholds(ladder []Threshold) error
	ListThresholds() ([]Threshold, error)
}

type MemoryStore struct {
	mu         sync.RWMutex
	tickets    map[string]Ticket
	order      []string
	thresholds []Threshold
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: map[string]Ticket{}}
}

func (s *MemoryStore) CreateTicket(t Ticket) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.ID] = t
	s.order = append(s.order, t.ID)
	return t, nil
}

func (s *MemoryStore) UpdateTicket(t Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.ID]; !ok {
		return ErrNotFound
	}
	s.tickets[t.ID] = t
	return nil
}

func (s *MemoryStore) GetTicket(id string) (Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) ListTickets(status TicketStatus) ([]Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Ticket
	for _, id := range s.order {
		t := s.tickets[id]
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *MemoryStore) FindTicket(runID, subjectKind string) (Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found []Ticket
	for _, t := range s.tickets {
		if t.RunID == runID && t.SubjectKind == subjectKind {
			found = append(found, t)
		}
	}
	if len(found) == 0 {
		return Ticket{}, ErrNotFound
	}
	sort.Slice(found, func(i, j int) bool { return found[i].RequestedAt.After(found[j].RequestedAt) })
	return found[0], nil
}

func (s *MemoryStore) SaveThresholds(ladder []Threshold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = append([]Threshold(nil), ladder...)
	return nil
}

func (s *MemoryStore) ListThresholds() ([]Threshold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Threshold(nil), s.thresholds...), nil
}
