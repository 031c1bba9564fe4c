package workflow

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned synchronously when a workflow's breaker refuses
// a new start. Not a retry candidate.
var ErrBreakerOpen = errors.New("circuit breaker open")

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type BreakerStatus struct {
	DefinitionID string       `json:"definition_id"`
	State        BreakerState `json:"state"`
	Consecutive  int          `json:"consecutive_failures"`
	OpenedAt     time.Time    `json:"opened_at,omitempty"`
}

// BreakerSet tracks one breaker per workflow definition. Process-wide state:
// reset on process start, mutated only by the engine.
type BreakerSet struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	states    map[string]*breakerState
}

type breakerState struct {
	consecutive int
	open        bool
	openedAt    time.Time
	probing     bool
}

func NewBreakerSet(threshold int, cooldown time.Duration, clock func() time.Time) *BreakerSet {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	return &BreakerSet{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
		states:    map[string]*breakerState{},
	}
}

// Allow reports whether a new run of the definition may start. After the
// cool-down one probe run is let through; its outcome decides whether the
// breaker closes again.
func (b *BreakerSet) Allow(definitionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(definitionID)
	if !st.open {
		return true
	}
	if b.clock().Sub(st.openedAt) >= b.cooldown && !st.probing {
		st.probing = true
		return true
	}
	return false
}

func (b *BreakerSet) RecordFailure(definitionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(definitionID)
	if st.probing {
		st.probing = false
		st.openedAt = b.clock()
		return
	}
	st.consecutive++
	if st.consecutive >= b.threshold && !st.open {
		st.open = true
		st.openedAt = b.clock()
	}
}

// RecordSuccess resets the consecutive counter. A success only closes an open
// breaker when it is the post-cool-down probe; it never closes a breaker that
// has not cooled down.
func (b *BreakerSet) RecordSuccess(definitionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(definitionID)
	if st.open {
		if st.probing {
			st.open = false
			st.probing = false
			st.consecutive = 0
		}
		return
	}
	st.consecutive = 0
}

func (b *BreakerSet) Reset(definitionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[definitionID] = &breakerState{}
}

func (b *BreakerSet) Snapshot() []BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BreakerStatus, 0, len(b.states))
	for id, st := range b.states {
		status := BreakerStatus{DefinitionID: id, State: BreakerClosed, Consecutive: st.consecutive}
		if st.open {
			status.State = BreakerOpen
			status.OpenedAt = st.openedAt
			if st.probing {
				status.State = BreakerHalfOpen
			}
		}
		out = append(out, status)
	}
	return out
}

func (b *BreakerSet) state(definitionID string) *breakerState {
	st, ok := b.states[definitionID]
	if !ok {
		st = &breakerState{}
		b.states[definitionID] = st
	}
	return st
}
