package api

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/deal-engine/audit"
	"github.com/warp/deal-engine/calendar"
	"github.com/warp/deal-engine/deadline"
	"github.com/warp/deal-engine/lifecycle"
	"github.com/warp/deal-engine/points"
	"github.com/warp/deal-engine/rules"
	"github.com/warp/deal-engine/store/memory"
)

func newTestScheduler(t *testing.T) *SweepScheduler {
	t.Helper()
	provider, err := calendar.NewProvider(calendar.DefaultConfig())
	require.NoError(t, err)
	engine := lifecycle.New(memory.New(), deadline.NewClock(provider),
		points.NewMemory(), audit.NewMemory(), rules.Default(), zerolog.Nop())
	return NewSweepScheduler(engine, time.Hour, zerolog.Nop())
}

func TestSweepScheduler_StopIsIdempotent(t *testing.T) {
	s := newTestScheduler(t)
	s.Start()

	assert.NotPanics(t, func() {
		s.Stop()
		s.Stop()
	})
}

func TestSweepScheduler_StopWithoutStart(t *testing.T) {
	s := newTestScheduler(t)
	assert.NotPanics(t, s.Stop)
}
