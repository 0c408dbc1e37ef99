/*
sweep.go - Timer expiry application

The sweep is the only place timer expiry becomes a state transition. It is
idempotent: every step re-reads the entity under its lock and applies the
transition only if the entity is still in the waiting state, so overlapping
or repeated sweeps converge. Entities whose timers have merely crossed a
suspension edge get their checkpoint persisted, keeping replay windows
short.

Per-entity failures are logged and counted, never allowed to abort the
rest of the pass.
*/
package lifecycle

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/deal-engine/audit"
	"github.com/warp/deal-engine/deadline"
	"github.com/warp/deal-engine/market"
)

// sweepParallelism bounds concurrent entity processing per phase.
const sweepParallelism = 8

// SweepReport summarizes one pass.
type SweepReport struct {
	DealsFinalized      int64
	DealsClosed         int64
	DealsCancelled      int64
	OffersWithdrawn     int64
	ReservationsExpired int64
	Errors              int64
}

type sweepCounters struct {
	finalized, closed, cancelled, withdrawn, expired, errs atomic.Int64
}

func (c *sweepCounters) report() SweepReport {
	return SweepReport{
		DealsFinalized:      c.finalized.Load(),
		DealsClosed:         c.closed.Load(),
		DealsCancelled:      c.cancelled.Load(),
		OffersWithdrawn:     c.withdrawn.Load(),
		ReservationsExpired: c.expired.Load(),
		Errors:              c.errs.Load(),
	}
}

// Sweep runs one full expiry pass: open deals, finalizing deals with their
// offers, then pending reservations.
func (e *Engine) Sweep(ctx context.Context) SweepReport {
	now := e.Clock.Now()
	c := &sweepCounters{}

	e.sweepOpenDeals(ctx, now, c)
	e.sweepFinalizingDeals(ctx, now, c)
	e.sweepPendingReservations(ctx, now, c)

	return c.report()
}

func (e *Engine) sweepErr(c *sweepCounters, err error, entity, id string) {
	c.errs.Add(1)
	e.Log.Error().Err(err).Str("entity", entity).Str("id", id).Msg("sweep step failed")
}

// =============================================================================
// PHASE 1 - OPEN DEALS
// =============================================================================

func (e *Engine) sweepOpenDeals(ctx context.Context, now time.Time, c *sweepCounters) {
	open, err := e.Store.ListDealsByStatus(ctx, market.DealOpen)
	if err != nil {
		e.sweepErr(c, err, "deal", "list:open")
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, d := range open {
		d := d
		g.Go(func() error {
			if err := e.sweepOpenDeal(ctx, d.ID, now, c); err != nil {
				e.sweepErr(c, err, "deal", string(d.ID))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) sweepOpenDeal(ctx context.Context, id market.DealID, now time.Time, c *sweepCounters) error {
	defer e.lockDeal(id)()

	em := &emission{}
	var finalized bool
	err := e.Store.WithTx(ctx, func(s market.Store) error {
		d, err := s.GetDeal(ctx, id)
		if err != nil {
			return err
		}
		if d.Status != market.DealOpen || d.DeadlineTimer == nil {
			return nil
		}
		if !e.Clock.Evaluate(d.DeadlineTimer, now).Expired {
			return e.persistSuspensionEdge(now, d.DeadlineTimer, func() error { return s.PutDeal(ctx, d) })
		}
		d.Status = market.DealFinalizing
		d.DeadlineTimer = nil
		if err := s.PutDeal(ctx, d); err != nil {
			return err
		}
		finalized = true
		em.event(audit.Event{
			Type:           audit.EventDealFinalizing,
			IdempotencyKey: audit.Key("deal", string(id), "finalizing"),
			EntityID:       string(id),
			At:             now,
		})
		return nil
	})
	if err != nil {
		return err
	}
	if finalized {
		c.finalized.Add(1)
	}
	e.emit(ctx, em)
	return nil
}

// =============================================================================
// PHASE 2 - FINALIZING DEALS AND THEIR OFFERS
// =============================================================================

func (e *Engine) sweepFinalizingDeals(ctx context.Context, now time.Time, c *sweepCounters) {
	finalizing, err := e.Store.ListDealsByStatus(ctx, market.DealFinalizing)
	if err != nil {
		e.sweepErr(c, err, "deal", "list:finalizing")
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, d := range finalizing {
		d := d
		g.Go(func() error {
			if err := e.sweepFinalizingDeal(ctx, d.ID, now, c); err != nil {
				e.sweepErr(c, err, "deal", string(d.ID))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) sweepFinalizingDeal(ctx context.Context, id market.DealID, now time.Time, c *sweepCounters) error {
	offers, err := e.Store.ListOffersByDeal(ctx, id)
	if err != nil {
		return err
	}
	for _, o := range offers {
		if o.Status != market.OfferActive {
			continue
		}
		if err := e.sweepActiveOffer(ctx, o.ID, now, c); err != nil {
			e.sweepErr(c, err, "offer", string(o.ID))
		}
	}
	return e.resolveFinalizingDeal(ctx, id, now, c)
}

// sweepActiveOffer arms a missing decision timer or applies its expiry.
func (e *Engine) sweepActiveOffer(ctx context.Context, id market.OfferID, now time.Time, c *sweepCounters) error {
	defer e.lockOffer(id)()

	em := &emission{}
	var withdrawn bool
	err := e.Store.WithTx(ctx, func(s market.Store) error {
		o, err := s.GetOffer(ctx, id)
		if err != nil {
			return err
		}
		if o.Status != market.OfferActive {
			return nil
		}
		if o.DecisionTimer == nil {
			o.DecisionTimer = e.Clock.Start(e.Rules.SellerDecisionWindow, now)
			return s.PutOffer(ctx, o)
		}
		if !e.Clock.Evaluate(o.DecisionTimer, now).Expired {
			return e.persistSuspensionEdge(now, o.DecisionTimer, func() error { return s.PutOffer(ctx, o) })
		}
		if err := e.withdrawOffer(ctx, s, o, now, false, "decision window expired", em); err != nil {
			return err
		}
		withdrawn = true
		return s.PutOffer(ctx, o)
	})
	if err != nil {
		return err
	}
	if withdrawn {
		c.withdrawn.Add(1)
	}
	e.emit(ctx, em)
	return nil
}

// resolveFinalizingDeal closes or cancels a FINALIZING deal once every
// offer has reached a terminal decision.
func (e *Engine) resolveFinalizingDeal(ctx context.Context, id market.DealID, now time.Time, c *sweepCounters) error {
	defer e.lockDeal(id)()

	em := &emission{}
	var closed, cancelled bool
	err := e.Store.WithTx(ctx, func(s market.Store) error {
		d, err := s.GetDeal(ctx, id)
		if err != nil {
			return err
		}
		if d.Status != market.DealFinalizing {
			return nil
		}
		offers, err := s.ListOffersByDeal(ctx, id)
		if err != nil {
			return err
		}
		anyAccepted := false
		for _, o := range offers {
			if !o.Status.Terminal() {
				return nil
			}
			if o.Status == market.OfferAccepted {
				anyAccepted = true
			}
		}
		d.ClosedAt = &now
		if anyAccepted {
			d.Status = market.DealClosed
			closed = true
			em.event(audit.Event{
				Type:           audit.EventDealClosed,
				IdempotencyKey: audit.Key("deal", string(id), "closed"),
				EntityID:       string(id),
				At:             now,
			})
		} else {
			d.Status = market.DealCancelled
			cancelled = true
			em.event(audit.Event{
				Type:           audit.EventDealCancelled,
				IdempotencyKey: audit.Key("deal", string(id), "cancelled"),
				EntityID:       string(id),
				At:             now,
				Payload:        map[string]any{"reason": "no accepted offers"},
			})
		}
		return s.PutDeal(ctx, d)
	})
	if err != nil {
		return err
	}
	if closed {
		c.closed.Add(1)
	}
	if cancelled {
		c.cancelled.Add(1)
	}
	e.emit(ctx, em)
	return nil
}

// =============================================================================
// PHASE 3 - PENDING RESERVATIONS
// =============================================================================

func (e *Engine) sweepPendingReservations(ctx context.Context, now time.Time, c *sweepCounters) {
	pending, err := e.Store.ListReservationsByStatus(ctx, market.ReservationPending)
	if err != nil {
		e.sweepErr(c, err, "reservation", "list:pending")
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, r := range pending {
		r := r
		g.Go(func() error {
			if err := e.sweepPendingReservation(ctx, r.ID, r.OfferID, now, c); err != nil {
				e.sweepErr(c, err, "reservation", string(r.ID))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) sweepPendingReservation(ctx context.Context, id market.ReservationID, offerID market.OfferID, now time.Time, c *sweepCounters) error {
	defer e.lockOffer(offerID)()

	em := &emission{}
	var expired bool
	err := e.Store.WithTx(ctx, func(s market.Store) error {
		r, err := s.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != market.ReservationPending || r.HoldTimer == nil {
			return nil
		}
		if !e.Clock.Evaluate(r.HoldTimer, now).Expired {
			return e.persistSuspensionEdge(now, r.HoldTimer, func() error { return s.PutReservation(ctx, r) })
		}
		o, err := s.GetOffer(ctx, r.OfferID)
		if err != nil {
			return err
		}
		expired = true
		return e.expireReservation(ctx, s, r, o, now, em)
	})
	if err != nil {
		return err
	}
	if expired {
		c.expired.Add(1)
	}
	e.emit(ctx, em)
	return nil
}

// =============================================================================
// SUSPENSION EDGE CHECKPOINTING
// =============================================================================

// persistSuspensionEdge advances a running timer across a pause/resume
// boundary and persists it when the checkpoint moved, keeping the stored
// ElapsedActive and derived deadline current between sweeps.
func (e *Engine) persistSuspensionEdge(now time.Time, t *deadline.Timer, put func() error) error {
	wasPaused := t.Paused()
	wasElapsed := t.ElapsedActive
	e.Clock.OnSuspensionEdge(t, now)
	if t.Paused() == wasPaused && t.ElapsedActive == wasElapsed {
		return nil
	}
	return put()
}
