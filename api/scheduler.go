/*
scheduler.go - Periodic sweep scheduler

Runs the lifecycle engine's expiry sweep on a fixed interval. The sweep
itself is idempotent, so the interval trades latency of expiry application
against load; nothing breaks if two passes overlap a restart.
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/deal-engine/lifecycle"
)

// SweepScheduler drives lifecycle.Engine.Sweep on a ticker.
type SweepScheduler struct {
	Engine   *lifecycle.Engine
	Interval time.Duration
	Log      zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a scheduler with the given check interval.
func NewSweepScheduler(engine *lifecycle.Engine, interval time.Duration, log zerolog.Logger) *SweepScheduler {
	return &SweepScheduler{
		Engine:   engine,
		Interval: interval,
		Log:      log,
		stop:     make(chan struct{}),
	}
}

// Start begins the scheduler. The first sweep runs immediately.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run(s.ticker)

	s.Log.Info().Dur("interval", s.Interval).Msg("sweep scheduler started")
}

// Stop stops the scheduler and waits for an in-flight sweep to finish.
// Safe to call more than once.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
		close(s.stop)
		s.wg.Wait()
		s.Log.Info().Msg("sweep scheduler stopped")
	}
}

func (s *SweepScheduler) run(ticker *time.Ticker) {
	defer s.wg.Done()

	s.sweep()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *SweepScheduler) sweep() {
	report := s.Engine.Sweep(context.Background())
	if report == (lifecycle.SweepReport{}) {
		return
	}
	s.Log.Info().
		Int64("deals_finalized", report.DealsFinalized).
		Int64("deals_closed", report.DealsClosed).
		Int64("deals_cancelled", report.DealsCancelled).
		Int64("offers_withdrawn", report.OffersWithdrawn).
		Int64("reservations_expired", report.ReservationsExpired).
		Int64("errors", report.Errors).
		Msg("sweep pass applied transitions")
}
