package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is one entry in the append-only operational stream.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Severity     string          `json:"severity"`
	SourceSystem string          `json:"source_system"`
	EntityKind   string          `json:"entity_kind,omitempty"`
	EntityID     string          `json:"entity_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Handler processes one event. Delivery is at-least-once; the bus skips
// events a subscription has already marked handled, but handlers must still
// tolerate redelivery keyed by event id.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	name    string
	types   map[string]struct{}
	handler Handler
	ch      chan Event
}

func (s *subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// Bus appends events durably and fans them out to in-process subscribers.
type Bus struct {
	store  Store
	logger *zap.Logger

	mu     sync.Mutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
}

func New(store Store, logger *zap.Logger) *Bus {
	return &Bus{store: store, logger: logger.Named("bus")}
}

// Emit appends the event and dispatches it. The append happens before any
// delivery so replay can always recover a missed fan-out.
func (b *Bus) Emit(ctx context.Context, eventType, severity, sourceSystem, entityKind, entityID string, data any) (Event, error) {
	var raw json.RawMessage
	if data != nil {
		buf, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		raw = buf
	}
	ev := Event{
		ID:           "evt_" + uuid.NewString(),
		Type:         eventType,
		Severity:     severity,
		SourceSystem: sourceSystem,
		EntityKind:   entityKind,
		EntityID:     entityID,
		Data:         raw,
		CreatedAt:    time.Now().UTC(),
	}
	if err := b.store.Append(ev); err != nil {
		return Event{}, err
	}
	b.dispatch(ev)
	return ev, nil
}

// Subscribe registers a named durable subscription. The name keys the
// handled-event ledger, so re-subscribing after a restart does not replay
// events the subscription already processed.
func (b *Bus) Subscribe(name string, eventTypes []string, handler Handler) {
	sub := &subscription{
		name:    name,
		handler: handler,
		ch:      make(chan Event, 64),
	}
	if len(eventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.consume(sub)
}

// Replay re-enqueues stored events since the given time for every
// subscription. Already-handled ids are skipped, so replay is safe to call
// repeatedly.
func (b *Bus) Replay(ctx context.Context, since time.Time) (int, error) {
	events, err := b.store.ListSince(since)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		b.dispatch(ev)
	}
	return len(events), nil
}

func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		handled, err := b.store.WasHandled(sub.name, ev.ID)
		if err == nil && handled {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer; the event stays durable and reachable via Replay.
			b.logger.Warn("subscriber queue full, dropping delivery",
				zap.String("subscription", sub.name), zap.String("event_id", ev.ID))
		}
	}
}

func (b *Bus) consume(sub *subscription) {
	defer b.wg.Done()
	for ev := range sub.ch {
		handled, err := b.store.WasHandled(sub.name, ev.ID)
		if err == nil && handled {
			continue
		}
		if err := sub.handler(context.Background(), ev); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("subscription", sub.name),
				zap.String("event_id", ev.ID),
				zap.Error(err))
			continue
		}
		if err := b.store.MarkHandled(sub.name, ev.ID); err != nil {
			b.logger.Warn("mark handled failed",
				zap.String("subscription", sub.name),
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	}
}
