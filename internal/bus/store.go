package bus

import (
	"sync"
	"time"
)

type Store interface {
	Append(ev Event) error
	ListSince(since time.Time) ([]Event, error)
	WasHandled(subscription, eventID string) (bool, error)
	MarkHandled(subscription, eventID string) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	events  []Event
	handled map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{handled: map[string]struct{}{}}
}

func (s *MemoryStore) Append(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) ListSince(since time.Time) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events {
		if !ev.CreatedAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) WasHandled(subscription, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handled[subscription+"/"+eventID]
	return ok, nil
}

func (s *MemoryStore) MarkHandled(subscription, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handled[subscription+"/"+eventID] = struct{}{}
	return nil
}
