/*
reservation.go - Buyer-side transitions

A reservation holds capacity while PENDING (payment window timer running),
commits it on payment, and releases it on expiry or cancellation. All
reservation transitions take the owning offer's lock, which both
serializes the reservation itself and keeps the offer's reserved/sold
counters consistent with it.
*/
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/deal-engine/audit"
	"github.com/warp/deal-engine/market"
	"github.com/warp/deal-engine/points"
	"github.com/warp/deal-engine/refund"
)

// =============================================================================
// CREATE / PAY
// =============================================================================

// CreateReservation holds qty units of an active offer for the buyer and
// starts the payment window.
func (e *Engine) CreateReservation(ctx context.Context, offerID market.OfferID, buyerID market.BuyerID, qty int64) (*market.Reservation, error) {
	if buyerID == "" || qty <= 0 {
		return nil, fmt.Errorf("reservation: buyer id and positive qty required: %w", market.ErrInvalidTransition)
	}

	defer e.lockOffer(offerID)()

	var out *market.Reservation
	em := &emission{}
	err := e.Store.WithTx(ctx, func(s market.Store) error {
		o, err := s.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if o.Status != market.OfferActive {
			return &market.TransitionError{Entity: "offer", ID: string(offerID), From: string(o.Status), Event: "reserve"}
		}
		d, err := s.GetDeal(ctx, o.DealID)
		if err != nil {
			return err
		}
		if d.Status.Terminal() {
			return &market.TransitionError{Entity: "deal", ID: string(d.ID), From: string(d.Status), Event: "reserve"}
		}
		if qty > o.RemainingQty() {
			return &market.CapacityError{OfferID: offerID, Requested: qty, Remaining: o.RemainingQty()}
		}

		now := e.Clock.Now()
		items := o.Price.MulQty(qty)
		shipping := o.ShippingFee(qty)
		r := &market.Reservation{
			ID:             market.ReservationID(uuid.NewString()),
			OfferID:        offerID,
			DealID:         o.DealID,
			BuyerID:        buyerID,
			Status:         market.ReservationPending,
			Qty:            qty,
			AmountItems:    items,
			AmountShipping: shipping,
			AmountTotal:    items.Add(shipping),
			HoldTimer:      e.Clock.Start(e.Rules.PaymentWindow, now),
			CreatedAt:      now,
		}
		o.ReservedQty += qty
		if err := s.PutOffer(ctx, o); err != nil {
			return err
		}
		if err := s.PutReservation(ctx, r); err != nil {
			return err
		}
		out = r
		em.event(audit.Event{
			Type:           audit.EventReservationCreated,
			IdempotencyKey: audit.Key("resv", string(r.ID), "created"),
			EntityID:       string(r.ID),
			At:             now,
			Payload: map[string]any{
				"offer_id": string(offerID),
				"buyer_id": string(buyerID),
				"qty":      qty,
				"total":    r.AmountTotal.String(),
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

// PayReservation settles a PENDING reservation. The held quantity becomes
// sold; a payment racing against a lapsed hold timer loses, the expiry is
// applied instead of the payment. Selling out the offer auto-accepts it.
func (e *Engine) PayReservation(ctx context.Context, id market.ReservationID) (*market.Reservation, error) {
	pre, err := e.Store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}

	defer e.lockOffer(pre.OfferID)()

	var out *market.Reservation
	var lapsed bool
	em := &emission{}
	err = e.Store.WithTx(ctx, func(s market.Store) error {
		r, err := s.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != market.ReservationPending {
			return &market.TransitionError{Entity: "reservation", ID: string(id), From: string(r.Status), Event: "pay"}
		}
		o, err := s.GetOffer(ctx, r.OfferID)
		if err != nil {
			return err
		}
		now := e.Clock.Now()

		// A payment racing a lapsed hold loses: apply the expiry (this
		// commits) and reject the payment afterwards.
		if r.HoldTimer != nil && e.Clock.Evaluate(r.HoldTimer, now).Expired {
			lapsed = true
			return e.expireReservation(ctx, s, r, o, now, em)
		}

		r.Status = market.ReservationPaid
		r.PaidAt = &now
		r.HoldTimer = nil
		o.ReservedQty -= r.Qty
		o.SoldQty += r.Qty

		if o.Status == market.OfferActive && o.SoldOut() {
			e.acceptOffer(o, now, "sold out", em)
		}

		if err := s.PutOffer(ctx, o); err != nil {
			return err
		}
		if err := s.PutReservation(ctx, r); err != nil {
			return err
		}
		out = r
		em.point(points.Transaction{
			ID:             uuid.NewString(),
			AccountType:    points.AccountBuyer,
			AccountID:      string(r.BuyerID),
			Amount:         e.Rules.BuyerPointOnPaid,
			Reason:         fmt.Sprintf("reservation %s paid", r.ID),
			IdempotencyKey: audit.Key("pt", "paid", string(r.ID)),
			CreatedAt:      now,
		})
		em.event(audit.Event{
			Type:           audit.EventReservationPaid,
			IdempotencyKey: audit.Key("resv", string(r.ID), "paid"),
			EntityID:       string(r.ID),
			At:             now,
			Payload:        map[string]any{"total": r.AmountTotal.String()},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, em)
	if lapsed {
		return nil, &market.TransitionError{Entity: "reservation", ID: string(id), From: string(market.ReservationExpired), Event: "pay"}
	}
	return out, nil
}

// expireReservation applies hold-timer expiry: PENDING -> EXPIRED, held
// quantity released. Runs inside the caller's transaction.
func (e *Engine) expireReservation(ctx context.Context, s market.Store, r *market.Reservation, o *market.Offer, now time.Time, em *emission) error {
	r.Status = market.ReservationExpired
	r.ExpiredAt = &now
	r.HoldTimer = nil
	o.ReservedQty -= r.Qty
	if err := s.PutOffer(ctx, o); err != nil {
		return err
	}
	if err := s.PutReservation(ctx, r); err != nil {
		return err
	}
	em.event(audit.Event{
		Type:           audit.EventReservationExpired,
		IdempotencyKey: audit.Key("resv", string(r.ID), "expired"),
		EntityID:       string(r.ID),
		At:             now,
		Payload:        map[string]any{"qty_released": r.Qty},
	})
	return nil
}

// GetReservation returns the reservation as stored.
func (e *Engine) GetReservation(ctx context.Context, id market.ReservationID) (*market.Reservation, error) {
	return e.Store.GetReservation(ctx, id)
}

// =============================================================================
// SHIPMENT TRACKING
// =============================================================================

// MarkShipped stamps the shipment departure on a PAID reservation.
// Stamps are write-once; repeating a mark is a no-op.
func (e *Engine) MarkShipped(ctx context.Context, id market.ReservationID) (*market.Reservation, error) {
	return e.stampShipment(ctx, id, "ship", func(r *market.Reservation, now time.Time) {
		if r.ShippedAt == nil {
			r.ShippedAt = &now
		}
	})
}

// MarkDelivered stamps carrier delivery. Requires a prior shipped stamp.
func (e *Engine) MarkDelivered(ctx context.Context, id market.ReservationID) (*market.Reservation, error) {
	return e.stampShipment(ctx, id, "deliver", func(r *market.Reservation, now time.Time) {
		if r.ShippedAt == nil {
			r.ShippedAt = &now
		}
		if r.DeliveredAt == nil {
			r.DeliveredAt = &now
		}
	})
}

// ConfirmArrival stamps the buyer's arrival confirmation, which anchors
// the cooling period in preference to carrier delivery.
func (e *Engine) ConfirmArrival(ctx context.Context, id market.ReservationID) (*market.Reservation, error) {
	return e.stampShipment(ctx, id, "confirm arrival", func(r *market.Reservation, now time.Time) {
		if r.ShippedAt == nil {
			r.ShippedAt = &now
		}
		if r.DeliveredAt == nil {
			r.DeliveredAt = &now
		}
		if r.ArrivalConfirmedAt == nil {
			r.ArrivalConfirmedAt = &now
		}
	})
}

func (e *Engine) stampShipment(ctx context.Context, id market.ReservationID, event string, apply func(*market.Reservation, time.Time)) (*market.Reservation, error) {
	pre, err := e.Store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}

	defer e.lockOffer(pre.OfferID)()

	var out *market.Reservation
	err = e.Store.WithTx(ctx, func(s market.Store) error {
		r, err := s.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != market.ReservationPaid {
			return &market.TransitionError{Entity: "reservation", ID: string(id), From: string(r.Status), Event: event}
		}
		apply(r, e.Clock.Now())
		if err := s.PutReservation(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// REFUND EXECUTION
// =============================================================================

// ExecuteRefund runs one refund against a PAID reservation: cooling stage
// is derived from the reservation's shipment stamps at execution time, the
// gate and allocation run in the refund engine, and the four-field update
// commits atomically. refundQty <= 0 means "everything refundable".
func (e *Engine) ExecuteRefund(ctx context.Context, id market.ReservationID, trigger refund.Trigger, refundQty int64) (*refund.Result, error) {
	pre, err := e.Store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}

	defer e.lockOffer(pre.OfferID)()

	var out *refund.Result
	em := &emission{}
	err = e.Store.WithTx(ctx, func(s market.Store) error {
		r, err := s.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		o, err := s.GetOffer(ctx, r.OfferID)
		if err != nil {
			if market.IsNotFound(err) {
				return fmt.Errorf("reservation %s: offer %s: %w", r.ID, r.OfferID, market.ErrOfferNotFoundForDeal)
			}
			return err
		}
		now := e.Clock.Now()
		qty := refundQty
		if qty <= 0 {
			qty = r.RefundableQty()
		}
		stage := refund.ComputeCoolingStage(r.ShippedAt, r.DeliveredAt, r.ArrivalConfirmedAt, e.Rules.CoolingDays, now)

		result, err := e.Refunds.Execute(r, o, trigger, stage, qty)
		if err != nil {
			return err
		}
		if result.FullyRefunded {
			r.CancelledAt = &now
		}
		if err := s.PutOffer(ctx, o); err != nil {
			return err
		}
		if err := s.PutReservation(ctx, r); err != nil {
			return err
		}
		out = result
		e.emitRefund(r, result, now, em)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, em)
	return out, nil
}

// PreviewRefund computes the allocation a refund would produce right now,
// without mutating anything.
func (e *Engine) PreviewRefund(ctx context.Context, id market.ReservationID, trigger refund.Trigger, refundQty int64) (*refund.Result, error) {
	r, err := e.Store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	o, err := e.Store.GetOffer(ctx, r.OfferID)
	if err != nil {
		if market.IsNotFound(err) {
			return nil, fmt.Errorf("reservation %s: offer %s: %w", r.ID, r.OfferID, market.ErrOfferNotFoundForDeal)
		}
		return nil, err
	}
	now := e.Clock.Now()
	qty := refundQty
	if qty <= 0 {
		qty = r.RefundableQty()
	}
	stage := refund.ComputeCoolingStage(r.ShippedAt, r.DeliveredAt, r.ArrivalConfirmedAt, e.Rules.CoolingDays, now)
	return e.Refunds.Compute(r, o, trigger, stage, qty)
}

// emitRefund queues the audit trail for one refund execution, plus the
// buyer point revocation when the reservation turned terminal.
func (e *Engine) emitRefund(r *market.Reservation, result *refund.Result, now time.Time, em *emission) {
	em.event(audit.Event{
		Type:           audit.EventReservationRefunded,
		IdempotencyKey: audit.Key("resv", string(r.ID), "refund", fmt.Sprintf("%d", r.RefundedQty)),
		EntityID:       string(r.ID),
		At:             now,
		Payload: map[string]any{
			"trigger":          string(result.Trigger),
			"stage":            string(result.Stage),
			"refund_qty":       result.RefundQty,
			"item_refund":      result.ItemRefund.String(),
			"shipping_refund":  result.ShippingRefund.String(),
			"refund_total":     result.RefundTotal.String(),
			"shipping_in_full": result.ShippingIncluded,
		},
	})
	if result.FullyRefunded {
		em.point(points.Transaction{
			ID:             uuid.NewString(),
			AccountType:    points.AccountBuyer,
			AccountID:      string(r.BuyerID),
			Amount:         e.Rules.BuyerPointOnRefund,
			Reason:         fmt.Sprintf("reservation %s fully refunded", r.ID),
			IdempotencyKey: audit.Key("pt", "refund", string(r.ID)),
			CreatedAt:      now,
		})
		em.event(audit.Event{
			Type:           audit.EventReservationCancelled,
			IdempotencyKey: audit.Key("resv", string(r.ID), "cancelled"),
			EntityID:       string(r.ID),
			At:             now,
			Payload:        map[string]any{"reason": "fully refunded"},
		})
	}
}
