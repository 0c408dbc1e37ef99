package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/deal-engine/audit"
)

func ev(key string) audit.Event {
	return audit.Event{
		Type:           audit.EventDealOpened,
		IdempotencyKey: key,
		EntityID:       "d1",
		At:             time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "deal:d1:opened", audit.Key("deal", "d1", "opened"))
}

func TestMemory_DeduplicatesByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m := audit.NewMemory()

	require.NoError(t, m.Record(ctx, ev("deal:d1:opened")))
	require.NoError(t, m.Record(ctx, ev("deal:d1:opened")))
	require.NoError(t, m.Record(ctx, ev("deal:d2:opened")))

	assert.Len(t, m.Events(), 2)
	assert.Equal(t, 2, m.CountByType(audit.EventDealOpened))
}

type failingRecorder struct{ err error }

func (f *failingRecorder) Record(context.Context, audit.Event) error { return f.err }

func TestSafe_SwallowsFailuresAndCounts(t *testing.T) {
	// A broken audit sink must never fail the transition that produced
	// the event; it surfaces through the failure counter instead.
	ctx := context.Background()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_audit_failures_total"})
	s := &audit.Safe{
		Inner:    &failingRecorder{err: errors.New("sink down")},
		Log:      zerolog.Nop(),
		Failures: counter,
	}

	assert.NoError(t, s.Record(ctx, ev("deal:d1:opened")))
	assert.NoError(t, s.Record(ctx, ev("deal:d2:opened")))

	assert.Equal(t, float64(2), testutil.ToFloat64(counter))
}

func TestSafe_PassesThroughOnSuccess(t *testing.T) {
	ctx := context.Background()
	inner := audit.NewMemory()
	s := &audit.Safe{Inner: inner, Log: zerolog.Nop()}

	require.NoError(t, s.Record(ctx, ev("deal:d1:opened")))
	assert.Len(t, inner.Events(), 1)
}
