package refund

import (
	"fmt"

	"github.com/warp/deal-engine/market"
)

// =============================================================================
// RESULT
// =============================================================================

// Result is the computed monetary allocation for one refund execution.
type Result struct {
	ReservationID market.ReservationID
	Trigger       Trigger
	Stage         CoolingStage

	RefundQty      int64
	ItemRefund     market.Money
	ShippingRefund market.Money
	RefundTotal    market.Money

	// ShippingIncluded records the gate decision: when false, shipping was
	// omitted entirely, never partially.
	ShippingIncluded bool

	// FullyRefunded is true when this execution brings refunded_qty to qty,
	// turning the reservation terminal.
	FullyRefunded bool
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine computes and applies refund allocations.
type Engine struct{}

// Compute validates the request and produces the allocation without
// mutating anything. Used directly for refund previews.
func (e *Engine) Compute(res *market.Reservation, offer *market.Offer, trigger Trigger, stage CoolingStage, refundQty int64) (*Result, error) {
	if res.Status.Terminal() {
		return nil, fmt.Errorf("reservation %s status %s: %w", res.ID, res.Status, market.ErrAlreadyTerminal)
	}
	if res.Status != market.ReservationPaid {
		return nil, &market.TransitionError{Entity: "reservation", ID: string(res.ID), From: string(res.Status), Event: "refund"}
	}
	if offer == nil || offer.ID != res.OfferID || offer.DealID != res.DealID {
		return nil, fmt.Errorf("reservation %s: offer %s under deal %s: %w",
			res.ID, res.OfferID, res.DealID, market.ErrOfferNotFoundForDeal)
	}
	if refundQty <= 0 || refundQty > res.RefundableQty() {
		return nil, &market.CapacityError{OfferID: offer.ID, Requested: refundQty, Remaining: res.RefundableQty()}
	}

	allowed, err := ShippingRefundAllowed(stage, trigger)
	if err != nil {
		return nil, err
	}

	itemRefund := offer.Price.MulQty(refundQty)
	shippingRefund := market.NewMoney(0)
	if allowed {
		switch offer.ShippingMode {
		case market.ShippingPerQty:
			shippingRefund = offer.ShippingFeePerQty.MulQty(refundQty)
		case market.ShippingPerReservation:
			shippingRefund = shippingSlice(res.AmountShipping, res.Qty, res.RefundedQty, refundQty)
		}
	}

	return &Result{
		ReservationID:    res.ID,
		Trigger:          trigger,
		Stage:            stage,
		RefundQty:        refundQty,
		ItemRefund:       itemRefund,
		ShippingRefund:   shippingRefund,
		RefundTotal:      itemRefund.Add(shippingRefund),
		ShippingIncluded: allowed,
		FullyRefunded:    res.RefundedQty+refundQty == res.Qty,
	}, nil
}

// Execute computes the allocation and applies the four-field update to the
// passed records: reservation refunded counters, offer sold quantity, and
// the terminal status flip on full refund. The caller persists both records
// in one transaction - all four fields commit together or not at all.
func (e *Engine) Execute(res *market.Reservation, offer *market.Offer, trigger Trigger, stage CoolingStage, refundQty int64) (*Result, error) {
	result, err := e.Compute(res, offer, trigger, stage, refundQty)
	if err != nil {
		return nil, err
	}

	res.RefundedQty += result.RefundQty
	res.RefundedAmountTotal = res.RefundedAmountTotal.Add(result.RefundTotal)
	offer.SoldQty -= result.RefundQty
	if result.FullyRefunded {
		res.Status = market.ReservationCancelled
	}
	return result, nil
}

// =============================================================================
// PER_RESERVATION SHIPPING SPLIT
// =============================================================================

// shippingSlice allocates the slice of a reservation-level shipping fee
// that belongs to refunded units [alreadyRefunded, alreadyRefunded+n).
//
// The fee is split by floor division across all qtyTotal units; the
// remainder coins attach one per unit along the allocation schedule. The
// schedule is positional and fixed at reservation creation, so repeated
// partial refunds are stable: the slices across a full refund history sum
// to exactly the original fee, no leakage and no double-count.
func shippingSlice(total market.Money, qtyTotal, alreadyRefunded, n int64) market.Money {
	if qtyTotal <= 0 || n <= 0 {
		return market.NewMoney(0)
	}
	perUnit := total.DivFloor(qtyTotal)
	remainder := total.Sub(perUnit.MulQty(qtyTotal)).Units()

	start := alreadyRefunded
	end := alreadyRefunded + n

	out := perUnit.MulQty(n)
	if remainder > 0 {
		extra := min64(end, remainder) - start
		if extra > 0 {
			out = out.Add(market.NewMoney(extra))
		}
	}
	if out.IsNegative() {
		return market.NewMoney(0)
	}
	if out.GreaterThan(total) {
		return total
	}
	return out
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
