/*
Package lifecycle drives the state machines of Deals, Offers, and
Reservations.

TRANSITION SOURCES:
  1. External events (open, submit, pay, seller decision, refund trigger)
     validated synchronously in the calling request; fail closed.
  2. Timer expiry, applied by the periodic Sweep; idempotent, because an
     already-processed expiry finds the entity out of its waiting state.

LOCKING:
  Transitions are serialized per entity with an id-keyed mutex. The
  hierarchy is deal -> offer: deal-level transitions take the deal lock
  and then offer locks one at a time; every offer- and reservation-level
  transition takes the offer lock (a reservation is only ever mutated
  under its offer's lock, which also keeps the offer's quantity counters
  consistent). State is re-read inside the critical section, never cached
  across the wait.

SIDE CHANNELS:
  Point movements and audit events are emitted after the store transaction
  commits. Both carry deterministic idempotency keys, so a retry after a
  crash between commit and emission converges instead of double-counting.
*/
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/deal-engine/audit"
	"github.com/warp/deal-engine/deadline"
	"github.com/warp/deal-engine/market"
	"github.com/warp/deal-engine/points"
	"github.com/warp/deal-engine/refund"
	"github.com/warp/deal-engine/rules"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store    market.Store
	Clock    *deadline.Clock
	Refunds  *refund.Engine
	Points   points.Ledger
	Recorder audit.Recorder
	Rules    *rules.Rules
	Log      zerolog.Logger

	locks keyedMutex
}

func New(store market.Store, clock *deadline.Clock, ledger points.Ledger, recorder audit.Recorder, r *rules.Rules, log zerolog.Logger) *Engine {
	return &Engine{
		Store:    store,
		Clock:    clock,
		Refunds:  &refund.Engine{},
		Points:   ledger,
		Recorder: recorder,
		Rules:    r,
		Log:      log,
	}
}

// keyedMutex serializes work per entity id.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// lock acquires the mutex for id and returns its release func.
func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*sync.Mutex)
	}
	l, ok := k.m[id]
	if !ok {
		l = &sync.Mutex{}
		k.m[id] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (e *Engine) lockDeal(id market.DealID) func()   { return e.locks.lock("deal:" + string(id)) }
func (e *Engine) lockOffer(id market.OfferID) func() { return e.locks.lock("offer:" + string(id)) }

// =============================================================================
// EMISSION - points and events after commit
// =============================================================================

type emission struct {
	points []points.Transaction
	events []audit.Event
}

func (em *emission) point(tx points.Transaction) { em.points = append(em.points, tx) }
func (em *emission) event(ev audit.Event)        { em.events = append(em.events, ev) }

// emit flushes collected side effects. Failures are out-of-band: logged,
// never propagated into the already-committed transition.
func (e *Engine) emit(ctx context.Context, em *emission) {
	for _, tx := range em.points {
		if err := e.Points.Append(ctx, tx); err != nil && !errors.Is(err, points.ErrDuplicateIdempotencyKey) {
			e.Log.Warn().Err(err).Str("idempotency_key", tx.IdempotencyKey).Msg("point append failed")
		}
	}
	for _, ev := range em.events {
		if err := e.Recorder.Record(ctx, ev); err != nil {
			e.Log.Warn().Err(err).Str("idempotency_key", ev.IdempotencyKey).Msg("event recording failed")
		}
	}
}

// =============================================================================
// DEAL OPERATIONS
// =============================================================================

// CreateDeal registers a new demand aggregation round in PLANNED state.
func (e *Engine) CreateDeal(ctx context.Context, buyerID market.BuyerID, title string) (*market.Deal, error) {
	if buyerID == "" {
		return nil, fmt.Errorf("deal: buyer id required: %w", market.ErrInvalidTransition)
	}
	d := &market.Deal{
		ID:        market.DealID(uuid.NewString()),
		BuyerID:   buyerID,
		Title:     title,
		Status:    market.DealPlanned,
		CreatedAt: e.Clock.Now(),
	}
	if err := e.Store.PutDeal(ctx, d); err != nil {
		return nil, err
	}
	e.emit(ctx, &emission{events: []audit.Event{{
		Type:           audit.EventDealCreated,
		IdempotencyKey: audit.Key("deal", string(d.ID), "created"),
		EntityID:       string(d.ID),
		At:             d.CreatedAt,
		Payload:        map[string]any{"buyer_id": string(buyerID), "title": title},
	}}})
	return d, nil
}

// OpenDeal moves a PLANNED deal to OPEN and starts its dead-time-aware
// deadline timer.
func (e *Engine) OpenDeal(ctx context.Context, id market.DealID) (*market.Deal, error) {
	defer e.lockDeal(id)()

	var out *market.Deal
	em := &emission{}
	err := e.Store.WithTx(ctx, func(s market.Store) error {
		d, err := s.GetDeal(ctx, id)
		if err != nil {
			return err
		}
		if d.Status != market.DealPlanned {
			return &market.TransitionError{Entity: "deal", ID: string(id), From: string(d.Status), Event: "open"}
		}
		now := e.Clock.Now()
		d.Status = market.DealOpen
		d.OpenedAt = &now
		d.DeadlineTimer = e.Clock.Start(e.Rules.DealWindow, now)
		if err := s.PutDeal(ctx, d); err != nil {
			return err
		}
		out = d
		em.event(audit.Event{
			Type:           audit.EventDealOpened,
			IdempotencyKey: audit.Key("deal", string(id), "opened"),
			EntityID:       string(id),
			At:             now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, em)
	return out, nil
}

// GetDeal returns the deal as stored.
func (e *Engine) GetDeal(ctx context.Context, id market.DealID) (*market.Deal, error) {
	return e.Store.GetDeal(ctx, id)
}

// =============================================================================
// OFFER OPERATIONS
// =============================================================================

// OfferProposal carries the seller's submission.
type OfferProposal struct {
	SellerID                  market.SellerID
	Price                     market.Money
	TotalAvailableQty         int64
	ShippingMode              market.ShippingMode
	ShippingFeePerReservation market.Money
	ShippingFeePerQty         market.Money
}

// SubmitOffer registers a seller proposal against a deal that is still
// accepting offers.
func (e *Engine) SubmitOffer(ctx context.Context, dealID market.DealID, p OfferProposal) (*market.Offer, error) {
	if p.SellerID == "" || p.TotalAvailableQty <= 0 || p.Price.IsNegative() {
		return nil, fmt.Errorf("offer: invalid proposal: %w", market.ErrInvalidTransition)
	}
	switch p.ShippingMode {
	case market.ShippingIncluded, market.ShippingPerReservation, market.ShippingPerQty:
	default:
		return nil, fmt.Errorf("offer: unknown shipping mode %q: %w", p.ShippingMode, market.ErrInvalidTransition)
	}

	defer e.lockDeal(dealID)()

	var out *market.Offer
	em := &emission{}
	err := e.Store.WithTx(ctx, func(s market.Store) error {
		d, err := s.GetDeal(ctx, dealID)
		if err != nil {
			return err
		}
		if !d.AcceptsOffers() {
			return &market.TransitionError{Entity: "deal", ID: string(dealID), From: string(d.Status), Event: "submit offer"}
		}
		now := e.Clock.Now()
		o := &market.Offer{
			ID:                        market.OfferID(uuid.NewString()),
			DealID:                    dealID,
			SellerID:                  p.SellerID,
			Status:                    market.OfferActive,
			Price:                     p.Price,
			TotalAvailableQty:         p.TotalAvailableQty,
			ShippingMode:              p.ShippingMode,
			ShippingFeePerReservation: p.ShippingFeePerReservation,
			ShippingFeePerQty:         p.ShippingFeePerQty,
			CreatedAt:                 now,
		}
		// An offer submitted during FINALIZING enters its decision window
		// immediately; the deal deadline has already fired.
		if d.Status == market.DealFinalizing {
			o.DecisionTimer = e.Clock.Start(e.Rules.SellerDecisionWindow, now)
		}
		if err := s.PutOffer(ctx, o); err != nil {
			return err
		}
		out = o
		em.event(audit.Event{
			Type:           audit.EventOfferSubmitted,
			IdempotencyKey: audit.Key("offer", string(o.ID), "submitted"),
			EntityID:       string(o.ID),
			At:             now,
			Payload: map[string]any{
				"deal_id":   string(dealID),
				"seller_id": string(p.SellerID),
				"price":     p.Price.String(),
				"total_qty": p.TotalAvailableQty,
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, em)
	return out, nil
}

// GetOffer returns the offer as stored.
func (e *Engine) GetOffer(ctx context.Context, id market.OfferID) (*market.Offer, error) {
	return e.Store.GetOffer(ctx, id)
}

// SellerAction is an explicit accept/withdraw decision.
type SellerAction string

const (
	ActionConfirm  SellerAction = "confirm"
	ActionWithdraw SellerAction = "withdraw"
)

// DecideOffer applies an explicit seller decision. A sold-out offer has
// auto-accepted already (or must accept now); withdrawal of a terminal
// offer is rejected. A decision arriving after the decision window expired
// executes the auto-withdrawal instead, without penalty.
func (e *Engine) DecideOffer(ctx context.Context, id market.OfferID, action SellerAction) (*market.Offer, error) {
	defer e.lockOffer(id)()

	var out *market.Offer
	em := &emission{}
	err := e.Store.WithTx(ctx, func(s market.Store) error {
		o, err := s.GetOffer(ctx, id)
		if err != nil {
			return err
		}
		if o.Status.Terminal() {
			return fmt.Errorf("offer %s status %s: %w", id, o.Status, market.ErrAlreadyTerminal)
		}
		now := e.Clock.Now()

		if o.DecisionTimer != nil && e.Clock.Evaluate(o.DecisionTimer, now).Expired {
			// Too late: the decision window already lapsed.
			if err := e.withdrawOffer(ctx, s, o, now, false, "decision window expired", em); err != nil {
				return err
			}
			if err := s.PutOffer(ctx, o); err != nil {
				return err
			}
			out = o
			return nil
		}

		if o.SoldOut() && action != ActionConfirm {
			return fmt.Errorf("offer %s sold out, withdrawal not permitted: %w", id, market.ErrAlreadyTerminal)
		}

		switch action {
		case ActionConfirm:
			e.acceptOffer(o, now, "seller confirmed", em)
		case ActionWithdraw:
			if err := e.withdrawOffer(ctx, s, o, now, true, "seller withdrew", em); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown seller action %q: %w", action, market.ErrInvalidTransition)
		}
		if err := s.PutOffer(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, em)
	return out, nil
}

// acceptOffer flips an ACTIVE offer to ACCEPTED. Irreversible; the
// decision timer is destroyed. Caller persists the offer.
func (e *Engine) acceptOffer(o *market.Offer, now time.Time, reason string, em *emission) {
	o.Status = market.OfferAccepted
	o.DecisionTimer = nil
	o.DecidedAt = &now
	o.DecisionReason = reason

	em.point(points.Transaction{
		ID:             uuid.NewString(),
		AccountType:    points.AccountSeller,
		AccountID:      string(o.SellerID),
		Amount:         e.Rules.SellerPointOnAccept,
		Reason:         fmt.Sprintf("offer %s accepted", o.ID),
		IdempotencyKey: audit.Key("pt", "seller", "accept", string(o.ID)),
		CreatedAt:      now,
	})
	em.event(audit.Event{
		Type:           audit.EventOfferAccepted,
		IdempotencyKey: audit.Key("offer", string(o.ID), "accepted"),
		EntityID:       string(o.ID),
		At:             now,
		Payload:        map[string]any{"reason": reason, "sold_qty": o.SoldQty},
	})
}

// withdrawOffer retires an ACTIVE offer: every PAID reservation is fully
// refunded through the refund engine, every PENDING reservation is
// cancelled pre-payment, and the offer flips to WITHDRAWN. Runs inside the
// caller's transaction; the caller persists the offer.
func (e *Engine) withdrawOffer(ctx context.Context, s market.Store, o *market.Offer, now time.Time, penalize bool, reason string, em *emission) error {
	live, err := s.ListReservationsByOffer(ctx, o.ID, market.ReservationPaid, market.ReservationPending)
	if err != nil {
		return err
	}
	for _, r := range live {
		switch r.Status {
		case market.ReservationPaid:
			stage := refund.ComputeCoolingStage(r.ShippedAt, r.DeliveredAt, r.ArrivalConfirmedAt, e.Rules.CoolingDays, now)
			result, err := e.Refunds.Execute(r, o, refund.TriggerSellerCancel, stage, r.RefundableQty())
			if err != nil {
				return fmt.Errorf("withdraw offer %s: refund reservation %s: %w", o.ID, r.ID, err)
			}
			r.CancelledAt = &now
			r.HoldTimer = nil
			if err := s.PutReservation(ctx, r); err != nil {
				return err
			}
			e.emitRefund(r, result, now, em)
		case market.ReservationPending:
			r.Status = market.ReservationCancelled
			r.CancelledAt = &now
			r.HoldTimer = nil
			o.ReservedQty -= r.Qty
			if err := s.PutReservation(ctx, r); err != nil {
				return err
			}
			em.event(audit.Event{
				Type:           audit.EventReservationCancelled,
				IdempotencyKey: audit.Key("resv", string(r.ID), "cancelled"),
				EntityID:       string(r.ID),
				At:             now,
				Payload:        map[string]any{"reason": "offer withdrawn before payment"},
			})
		}
	}

	o.Status = market.OfferWithdrawn
	o.DecisionTimer = nil
	o.DecidedAt = &now
	o.DecisionReason = reason

	if penalize {
		em.point(points.Transaction{
			ID:             uuid.NewString(),
			AccountType:    points.AccountSeller,
			AccountID:      string(o.SellerID),
			Amount:         e.Rules.SellerPointOnWithdraw,
			Reason:         fmt.Sprintf("offer %s withdrawn by seller", o.ID),
			IdempotencyKey: audit.Key("pt", "seller", "withdraw", string(o.ID)),
			CreatedAt:      now,
		})
	}
	em.event(audit.Event{
		Type:           audit.EventOfferWithdrawn,
		IdempotencyKey: audit.Key("offer", string(o.ID), "withdrawn"),
		EntityID:       string(o.ID),
		At:             now,
		Payload:        map[string]any{"reason": reason, "penalized": penalize},
	})
	return nil
}
