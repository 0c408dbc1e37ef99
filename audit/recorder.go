/*
Package audit is the write-only event sink for lifecycle transitions and
refund computations.

The core supplies a deterministic idempotency key with every event, so a
replayed sweep or retried request records the same logical event once. A
recording failure must never block or roll back the state transition that
produced it: wrap any real recorder in Safe, which logs the failure and
bumps a counter for alerting instead of propagating the error.
*/
package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// =============================================================================
// EVENT
// =============================================================================

type EventType string

const (
	EventDealCreated          EventType = "deal.created"
	EventDealOpened           EventType = "deal.opened"
	EventDealFinalizing       EventType = "deal.finalizing"
	EventDealClosed           EventType = "deal.closed"
	EventDealCancelled        EventType = "deal.cancelled"
	EventOfferSubmitted       EventType = "offer.submitted"
	EventOfferAccepted        EventType = "offer.accepted"
	EventOfferWithdrawn       EventType = "offer.withdrawn"
	EventReservationCreated   EventType = "reservation.created"
	EventReservationPaid      EventType = "reservation.paid"
	EventReservationExpired   EventType = "reservation.expired"
	EventReservationRefunded  EventType = "reservation.refunded"
	EventReservationCancelled EventType = "reservation.cancelled"
)

type Event struct {
	Type           EventType
	IdempotencyKey string
	EntityID       string
	At             time.Time
	Payload        map[string]any
}

// Recorder is the durable, idempotent audit sink.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Key joins parts into a deterministic idempotency key.
func Key(parts ...string) string { return strings.Join(parts, ":") }

// =============================================================================
// SAFE RECORDER - failures never reach the caller
// =============================================================================

// Safe wraps a Recorder so that failures are logged and counted out-of-band
// instead of propagating into the state transition.
type Safe struct {
	Inner    Recorder
	Log      zerolog.Logger
	Failures prometheus.Counter
}

func (s *Safe) Record(ctx context.Context, e Event) error {
	if err := s.Inner.Record(ctx, e); err != nil {
		if s.Failures != nil {
			s.Failures.Inc()
		}
		s.Log.Warn().
			Err(err).
			Str("event", string(e.Type)).
			Str("idempotency_key", e.IdempotencyKey).
			Msg("event recording failed")
	}
	return nil
}

// =============================================================================
// MEMORY RECORDER
// =============================================================================

// Memory keeps events in process, deduplicated by idempotency key.
type Memory struct {
	mu    sync.RWMutex
	byKey map[string]Event
	order []Event
}

func NewMemory() *Memory {
	return &Memory{byKey: make(map[string]Event)}
}

func (m *Memory) Record(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.IdempotencyKey != "" {
		if _, dup := m.byKey[e.IdempotencyKey]; dup {
			return nil
		}
		m.byKey[e.IdempotencyKey] = e
	}
	m.order = append(m.order, e)
	return nil
}

// Events returns a copy of the recorded event list, in record order.
func (m *Memory) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Event, len(m.order))
	copy(out, m.order)
	return out
}

// CountByType tallies recorded events per type. Test helper.
func (m *Memory) CountByType(t EventType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.order {
		if e.Type == t {
			n++
		}
	}
	return n
}
