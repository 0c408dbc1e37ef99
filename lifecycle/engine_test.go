package lifecycle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/deal-engine/audit"
	"github.com/warp/deal-engine/calendar"
	"github.com/warp/deal-engine/deadline"
	"github.com/warp/deal-engine/lifecycle"
	"github.com/warp/deal-engine/market"
	"github.com/warp/deal-engine/points"
	"github.com/warp/deal-engine/refund"
	"github.com/warp/deal-engine/rules"
	"github.com/warp/deal-engine/store/memory"
)

// =============================================================================
// HARNESS
// =============================================================================

// harness wires the engine against in-memory backends and a hand-cranked
// clock. The calendar is effectively always-active so timing assertions
// stay arithmetic; dead-time behavior has its own tests in the deadline
// package.
type harness struct {
	engine *lifecycle.Engine
	store  *memory.Store
	ledger *points.Memory
	events *audit.Memory
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	provider, err := calendar.NewProvider(calendar.Config{
		Timezone:      "UTC",
		WorkdayStart:  "00:00",
		WorkdayEnd:    "23:59",
		PauseWeekends: false,
	})
	require.NoError(t, err)

	h := &harness{
		store:  memory.New(),
		ledger: points.NewMemory(),
		events: audit.NewMemory(),
		// Monday, mid-window.
		now: time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC),
	}
	clock := deadline.NewClock(provider)
	clock.NowFn = func() time.Time { return h.now }

	r := &rules.Rules{
		DealWindow:            time.Hour,
		SellerDecisionWindow:  30 * time.Minute,
		PaymentWindow:         30 * time.Minute,
		CoolingDays:           7,
		BuyerPointOnPaid:      20,
		BuyerPointOnRefund:    -20,
		SellerPointOnAccept:   30,
		SellerPointOnWithdraw: -30,
		Version:               1,
	}
	h.engine = lifecycle.New(h.store, clock, h.ledger, h.events, r, zerolog.Nop())
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) balance(t *testing.T, at points.AccountType, id string) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), at, id)
	require.NoError(t, err)
	return b
}

func (h *harness) openDeal(t *testing.T) *market.Deal {
	t.Helper()
	ctx := context.Background()
	d, err := h.engine.CreateDeal(ctx, "buyer-1", "bulk monitors")
	require.NoError(t, err)
	d, err = h.engine.OpenDeal(ctx, d.ID)
	require.NoError(t, err)
	return d
}

func proposal(totalQty int64) lifecycle.OfferProposal {
	return lifecycle.OfferProposal{
		SellerID:                  "seller-1",
		Price:                     market.NewMoney(100000),
		TotalAvailableQty:         totalQty,
		ShippingMode:              market.ShippingPerReservation,
		ShippingFeePerReservation: market.NewMoney(10001),
	}
}

func (h *harness) openDealWithOffer(t *testing.T, totalQty int64) (*market.Deal, *market.Offer) {
	t.Helper()
	d := h.openDeal(t)
	o, err := h.engine.SubmitOffer(context.Background(), d.ID, proposal(totalQty))
	require.NoError(t, err)
	return d, o
}

func (h *harness) paidReservation(t *testing.T, offerID market.OfferID, buyerID market.BuyerID, qty int64) *market.Reservation {
	t.Helper()
	ctx := context.Background()
	r, err := h.engine.CreateReservation(ctx, offerID, buyerID, qty)
	require.NoError(t, err)
	r, err = h.engine.PayReservation(ctx, r.ID)
	require.NoError(t, err)
	return r
}

// =============================================================================
// DEAL LIFECYCLE
// =============================================================================

func TestDealLifecycle_PlannedToClosed(t *testing.T) {
	// GIVEN: an open deal with one offer and one paid reservation
	// WHEN:  the deal window lapses and the seller confirms
	// THEN:  the deal finalizes, then closes with the accepted offer
	h := newHarness(t)
	ctx := context.Background()

	d, o := h.openDealWithOffer(t, 5)
	assert.Equal(t, market.DealOpen, d.Status)
	require.NotNil(t, d.DeadlineTimer)
	require.NotNil(t, d.DeadlineTimer.Deadline)
	assert.Equal(t, h.now.Add(time.Hour), d.DeadlineTimer.Deadline.UTC())
	assert.Nil(t, o.DecisionTimer, "no decision window while the deal is open")

	h.paidReservation(t, o.ID, "buyer-2", 2)

	h.advance(90 * time.Minute)
	report := h.engine.Sweep(ctx)
	assert.Equal(t, int64(1), report.DealsFinalized)
	assert.Equal(t, int64(0), report.Errors)

	d, err := h.engine.GetDeal(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, market.DealFinalizing, d.Status)
	assert.Nil(t, d.DeadlineTimer)

	// The same pass armed the offer's decision window.
	o, err = h.engine.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, o.DecisionTimer)

	o, err = h.engine.DecideOffer(ctx, o.ID, lifecycle.ActionConfirm)
	require.NoError(t, err)
	assert.Equal(t, market.OfferAccepted, o.Status)
	assert.Nil(t, o.DecisionTimer)

	report = h.engine.Sweep(ctx)
	assert.Equal(t, int64(1), report.DealsClosed)

	d, err = h.engine.GetDeal(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, market.DealClosed, d.Status)
	require.NotNil(t, d.ClosedAt)

	assert.Equal(t, int64(20), h.balance(t, points.AccountBuyer, "buyer-2"))
	assert.Equal(t, int64(30), h.balance(t, points.AccountSeller, "seller-1"))
	assert.Equal(t, 1, h.events.CountByType(audit.EventDealClosed))
}

func TestOpenDeal_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.openDeal(t)
	_, err := h.engine.OpenDeal(ctx, d.ID)
	assert.ErrorIs(t, err, market.ErrInvalidTransition, "reopening an open deal")

	_, err = h.engine.OpenDeal(ctx, "no-such-deal")
	assert.True(t, market.IsNotFound(err))

	_, err = h.engine.CreateDeal(ctx, "", "missing buyer")
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
}

func TestSweep_NoAcceptedOffers_CancelsDeal(t *testing.T) {
	// A deal whose only offer is withdrawn has nothing to close on.
	h := newHarness(t)
	ctx := context.Background()

	d, o := h.openDealWithOffer(t, 5)
	_, err := h.engine.DecideOffer(ctx, o.ID, lifecycle.ActionWithdraw)
	require.NoError(t, err)

	h.advance(90 * time.Minute)
	report := h.engine.Sweep(ctx)
	assert.Equal(t, int64(1), report.DealsFinalized)
	assert.Equal(t, int64(1), report.DealsCancelled)

	got, err := h.engine.GetDeal(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, market.DealCancelled, got.Status)
}

// =============================================================================
// OFFER DECISIONS
// =============================================================================

func TestPayReservation_SoldOutAutoAccepts(t *testing.T) {
	// GIVEN: an offer whose full quantity is reserved
	// WHEN:  the reservation is paid
	// THEN:  the offer auto-accepts, and a later withdrawal is rejected
	h := newHarness(t)
	ctx := context.Background()

	_, o := h.openDealWithOffer(t, 2)
	h.paidReservation(t, o.ID, "buyer-2", 2)

	o, err := h.engine.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, market.OfferAccepted, o.Status)
	assert.Equal(t, "sold out", o.DecisionReason)
	assert.Equal(t, int64(2), o.SoldQty)
	assert.Equal(t, int64(0), o.ReservedQty)

	_, err = h.engine.DecideOffer(ctx, o.ID, lifecycle.ActionWithdraw)
	assert.ErrorIs(t, err, market.ErrAlreadyTerminal)

	assert.Equal(t, int64(30), h.balance(t, points.AccountSeller, "seller-1"))
	assert.Equal(t, 1, h.events.CountByType(audit.EventOfferAccepted))
}

func TestDecideOffer_WithdrawRefundsAndPenalizes(t *testing.T) {
	// GIVEN: one paid and one pending reservation against the offer
	// WHEN:  the seller withdraws explicitly
	// THEN:  the paid one is refunded in full, the pending one cancelled
	//        pre-payment, and the seller takes the penalty
	h := newHarness(t)
	ctx := context.Background()

	_, o := h.openDealWithOffer(t, 5)
	paid := h.paidReservation(t, o.ID, "buyer-2", 2)
	pending, err := h.engine.CreateReservation(ctx, o.ID, "buyer-3", 1)
	require.NoError(t, err)

	o, err = h.engine.DecideOffer(ctx, o.ID, lifecycle.ActionWithdraw)
	require.NoError(t, err)
	assert.Equal(t, market.OfferWithdrawn, o.Status)
	assert.Equal(t, int64(0), o.SoldQty)
	assert.Equal(t, int64(0), o.ReservedQty)

	paid, err = h.engine.GetReservation(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ReservationCancelled, paid.Status)
	assert.Equal(t, int64(2), paid.RefundedQty)
	assert.True(t, paid.RefundedAmountTotal.Equal(paid.AmountTotal),
		"seller cancellation before shipping refunds items and shipping in full")

	pending, err = h.engine.GetReservation(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ReservationCancelled, pending.Status)
	assert.Equal(t, int64(0), pending.RefundedQty, "never paid, nothing to refund")

	assert.Equal(t, int64(-30), h.balance(t, points.AccountSeller, "seller-1"))
	assert.Equal(t, int64(0), h.balance(t, points.AccountBuyer, "buyer-2"),
		"payment award revoked on full refund")
}

func TestDecideOffer_AfterWindowExpiry_WithdrawsWithoutPenalty(t *testing.T) {
	// A decision arriving after the window lapsed executes the timeout
	// withdrawal, whatever the seller asked for.
	h := newHarness(t)
	ctx := context.Background()

	_, o := h.openDealWithOffer(t, 5)
	h.advance(90 * time.Minute)
	h.engine.Sweep(ctx) // finalize deal, arm decision timer

	h.advance(45 * time.Minute) // decision window is 30m
	o, err := h.engine.DecideOffer(ctx, o.ID, lifecycle.ActionConfirm)
	require.NoError(t, err)
	assert.Equal(t, market.OfferWithdrawn, o.Status)
	assert.Equal(t, "decision window expired", o.DecisionReason)

	assert.Equal(t, int64(0), h.balance(t, points.AccountSeller, "seller-1"),
		"timeout withdrawal carries no penalty")
}

func TestSubmitOffer_DuringFinalizingStartsDecisionWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.openDeal(t)
	h.advance(90 * time.Minute)
	h.engine.Sweep(ctx)

	o, err := h.engine.SubmitOffer(ctx, d.ID, proposal(3))
	require.NoError(t, err)
	require.NotNil(t, o.DecisionTimer, "late offer enters its decision window immediately")
	require.NotNil(t, o.DecisionTimer.Deadline)
	assert.Equal(t, h.now.Add(30*time.Minute), o.DecisionTimer.Deadline.UTC())
}

func TestSubmitOffer_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d, err := h.engine.CreateDeal(ctx, "buyer-1", "still planned")
	require.NoError(t, err)
	_, err = h.engine.SubmitOffer(ctx, d.ID, proposal(3))
	assert.ErrorIs(t, err, market.ErrInvalidTransition, "PLANNED deal does not accept offers")

	open := h.openDeal(t)
	bad := proposal(0)
	_, err = h.engine.SubmitOffer(ctx, open.ID, bad)
	assert.ErrorIs(t, err, market.ErrInvalidTransition, "zero quantity")

	bad = proposal(3)
	bad.ShippingMode = market.ShippingMode("CARRIER_PIGEON")
	_, err = h.engine.SubmitOffer(ctx, open.ID, bad)
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func TestCreateReservation_HoldsCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, o := h.openDealWithOffer(t, 5)
	r, err := h.engine.CreateReservation(ctx, o.ID, "buyer-2", 3)
	require.NoError(t, err)
	assert.Equal(t, market.ReservationPending, r.Status)
	require.NotNil(t, r.HoldTimer)
	assert.True(t, r.AmountTotal.Equal(market.NewMoney(310001)), "3x100000 + 10001 shipping")

	o, err = h.engine.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), o.ReservedQty)
	assert.Equal(t, int64(2), o.RemainingQty())

	// Remaining capacity bounds the next hold.
	_, err = h.engine.CreateReservation(ctx, o.ID, "buyer-3", 3)
	assert.ErrorIs(t, err, market.ErrQtyExceedsRemaining)
	var capErr *market.CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, int64(2), capErr.Remaining)
}

func TestPayReservation_RacingLapsedHoldLoses(t *testing.T) {
	// GIVEN: a pending reservation whose payment window has lapsed but
	//        whose expiry has not been swept yet
	// WHEN:  the payment arrives
	// THEN:  the expiry is applied and committed; the payment is rejected
	h := newHarness(t)
	ctx := context.Background()

	_, o := h.openDealWithOffer(t, 5)
	r, err := h.engine.CreateReservation(ctx, o.ID, "buyer-2", 2)
	require.NoError(t, err)

	h.advance(45 * time.Minute) // payment window is 30m
	_, err = h.engine.PayReservation(ctx, r.ID)
	assert.ErrorIs(t, err, market.ErrInvalidTransition)

	r, err = h.engine.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ReservationExpired, r.Status)
	require.NotNil(t, r.ExpiredAt)
	assert.Nil(t, r.HoldTimer)

	o, err = h.engine.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), o.ReservedQty, "expiry released the hold")
	assert.Equal(t, int64(0), h.balance(t, points.AccountBuyer, "buyer-2"))
	assert.Equal(t, 1, h.events.CountByType(audit.EventReservationExpired))
}

func TestPayReservation_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, o := h.openDealWithOffer(t, 5)
	r := h.paidReservation(t, o.ID, "buyer-2", 1)

	_, err := h.engine.PayReservation(ctx, r.ID)
	assert.ErrorIs(t, err, market.ErrInvalidTransition, "double payment")

	_, err = h.engine.PayReservation(ctx, "no-such-reservation")
	assert.True(t, market.IsNotFound(err))
}

// =============================================================================
// SHIPMENT STAMPS
// =============================================================================

func TestShipmentStamps_WriteOnceWithBackfill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, o := h.openDealWithOffer(t, 5)
	r := h.paidReservation(t, o.ID, "buyer-2", 1)

	shipTime := h.now
	r, err := h.engine.MarkShipped(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, r.ShippedAt)

	h.advance(24 * time.Hour)
	r, err = h.engine.MarkShipped(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, shipTime, r.ShippedAt.UTC(), "repeated mark keeps the first stamp")

	// Arrival confirmation backfills any missing earlier stamps.
	r, err = h.engine.ConfirmArrival(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, r.DeliveredAt)
	require.NotNil(t, r.ArrivalConfirmedAt)
	assert.Equal(t, shipTime, r.ShippedAt.UTC())
}

func TestShipmentStamps_RequirePaidReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, o := h.openDealWithOffer(t, 5)
	r, err := h.engine.CreateReservation(ctx, o.ID, "buyer-2", 1)
	require.NoError(t, err)

	_, err = h.engine.MarkShipped(ctx, r.ID)
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
}

// =============================================================================
// REFUND EXECUTION THROUGH THE ENGINE
// =============================================================================

func TestExecuteRefund_CoolingStageFollowsShipmentStamps(t *testing.T) {
	// Buyer cancellation refunds shipping only while nothing has shipped.
	h := newHarness(t)
	ctx := context.Background()

	_, o := h.openDealWithOffer(t, 5)
	r := h.paidReservation(t, o.ID, "buyer-2", 3)

	result, err := h.engine.ExecuteRefund(ctx, r.ID, refund.TriggerBuyerCancel, 1)
	require.NoError(t, err)
	assert.True(t, result.ShippingIncluded)
	assert.True(t, result.RefundTotal.Equal(market.NewMoney(103334)), "got %s", result.RefundTotal)

	_, err = h.engine.MarkShipped(ctx, r.ID)
	require.NoError(t, err)

	result, err = h.engine.ExecuteRefund(ctx, r.ID, refund.TriggerBuyerCancel, 1)
	require.NoError(t, err)
	assert.False(t, result.ShippingIncluded, "buyer cancel after shipping keeps the fee")
	assert.True(t, result.RefundTotal.Equal(market.NewMoney(100000)))

	o, err = h.engine.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), o.SoldQty, "each refunded unit releases sold quantity")
}

func TestExecuteRefund_FullRefundCancelsAndRevokesPoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, o := h.openDealWithOffer(t, 5)
	r := h.paidReservation(t, o.ID, "buyer-2", 2)
	assert.Equal(t, int64(20), h.balance(t, points.AccountBuyer, "buyer-2"))

	result, err := h.engine.ExecuteRefund(ctx, r.ID, refund.TriggerAdminForce, 0) // 0 = everything
	require.NoError(t, err)
	assert.True(t, result.FullyRefunded)

	r, err = h.engine.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ReservationCancelled, r.Status)
	require.NotNil(t, r.CancelledAt)

	assert.Equal(t, int64(0), h.balance(t, points.AccountBuyer, "buyer-2"))
	assert.Equal(t, 1, h.events.CountByType(audit.EventReservationRefunded))
	assert.Equal(t, 1, h.events.CountByType(audit.EventReservationCancelled))

	_, err = h.engine.ExecuteRefund(ctx, r.ID, refund.TriggerAdminForce, 1)
	assert.ErrorIs(t, err, market.ErrAlreadyTerminal)
}

func TestPreviewRefund_DoesNotMutate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, o := h.openDealWithOffer(t, 5)
	r := h.paidReservation(t, o.ID, "buyer-2", 2)

	preview, err := h.engine.PreviewRefund(ctx, r.ID, refund.TriggerBuyerCancel, 0)
	require.NoError(t, err)
	assert.True(t, preview.FullyRefunded)
	assert.True(t, preview.RefundTotal.Equal(r.AmountTotal))

	got, err := h.engine.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ReservationPaid, got.Status)
	assert.Equal(t, int64(0), got.RefundedQty)
	assert.Equal(t, 0, h.events.CountByType(audit.EventReservationRefunded))
}

// =============================================================================
// SWEEP
// =============================================================================

func TestSweep_DecisionTimeout_AutoWithdrawRefundsPaidBuyers(t *testing.T) {
	// GIVEN: a finalizing deal whose seller never decides
	// WHEN:  the decision window lapses and the sweep runs
	// THEN:  the offer is withdrawn without penalty, the paid buyer is made
	//        whole, and the deal cancels in the same pass
	h := newHarness(t)
	ctx := context.Background()

	d, o := h.openDealWithOffer(t, 5)
	r := h.paidReservation(t, o.ID, "buyer-2", 2)

	h.advance(90 * time.Minute)
	h.engine.Sweep(ctx) // finalize, arm decision timer

	h.advance(45 * time.Minute)
	report := h.engine.Sweep(ctx)
	assert.Equal(t, int64(1), report.OffersWithdrawn)
	assert.Equal(t, int64(1), report.DealsCancelled)
	assert.Equal(t, int64(0), report.Errors)

	o, err := h.engine.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, market.OfferWithdrawn, o.Status)
	assert.Equal(t, "decision window expired", o.DecisionReason)

	r, err = h.engine.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ReservationCancelled, r.Status)
	assert.True(t, r.RefundedAmountTotal.Equal(r.AmountTotal))

	d, err = h.engine.GetDeal(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, market.DealCancelled, d.Status)

	assert.Equal(t, int64(0), h.balance(t, points.AccountSeller, "seller-1"))
	assert.Equal(t, int64(0), h.balance(t, points.AccountBuyer, "buyer-2"))
}

func TestSweep_ExpiresPendingReservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, o := h.openDealWithOffer(t, 5)
	r, err := h.engine.CreateReservation(ctx, o.ID, "buyer-2", 4)
	require.NoError(t, err)

	h.advance(45 * time.Minute)
	report := h.engine.Sweep(ctx)
	assert.Equal(t, int64(1), report.ReservationsExpired)

	r, err = h.engine.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ReservationExpired, r.Status)

	o, err = h.engine.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), o.RemainingQty(), "capacity released for new holds")
}

func TestSweep_Idempotent(t *testing.T) {
	// A second pass over an already-settled world changes nothing and
	// records no new events.
	h := newHarness(t)
	ctx := context.Background()

	_, o := h.openDealWithOffer(t, 5)
	h.paidReservation(t, o.ID, "buyer-2", 2)
	_, err := h.engine.DecideOffer(ctx, o.ID, lifecycle.ActionConfirm)
	require.NoError(t, err)

	h.advance(2 * time.Hour)
	first := h.engine.Sweep(ctx)
	assert.Equal(t, int64(1), first.DealsFinalized)
	assert.Equal(t, int64(1), first.DealsClosed)

	eventsBefore := len(h.events.Events())
	second := h.engine.Sweep(ctx)
	assert.Equal(t, lifecycle.SweepReport{}, second)
	assert.Equal(t, eventsBefore, len(h.events.Events()))

	assert.Equal(t, int64(20), h.balance(t, points.AccountBuyer, "buyer-2"))
	assert.Equal(t, int64(30), h.balance(t, points.AccountSeller, "seller-1"))
}

func TestSweep_BeforeExpiry_LeavesEverythingAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d, o := h.openDealWithOffer(t, 5)
	r, err := h.engine.CreateReservation(ctx, o.ID, "buyer-2", 1)
	require.NoError(t, err)

	h.advance(10 * time.Minute)
	report := h.engine.Sweep(ctx)
	assert.Equal(t, lifecycle.SweepReport{}, report)

	d, err = h.engine.GetDeal(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, market.DealOpen, d.Status)
	r, err = h.engine.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ReservationPending, r.Status)
}

// =============================================================================
// FULL SCENARIO - deal round with a partial fill
// =============================================================================

func TestScenario_PartialFillClosesWithRemainingCapacity(t *testing.T) {
	// Two buyers take 3 of 5 units; the seller confirms at decision time
	// and the deal closes with the offer partially filled.
	h := newHarness(t)
	ctx := context.Background()

	d, o := h.openDealWithOffer(t, 5)
	h.paidReservation(t, o.ID, "buyer-2", 2)
	h.paidReservation(t, o.ID, "buyer-3", 1)

	h.advance(90 * time.Minute)
	h.engine.Sweep(ctx)

	o2, err := h.engine.DecideOffer(ctx, o.ID, lifecycle.ActionConfirm)
	require.NoError(t, err)
	assert.Equal(t, market.OfferAccepted, o2.Status)
	assert.Equal(t, int64(3), o2.SoldQty)

	report := h.engine.Sweep(ctx)
	assert.Equal(t, int64(1), report.DealsClosed)

	got, err := h.engine.GetDeal(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, market.DealClosed, got.Status)

	assert.Equal(t, int64(20), h.balance(t, points.AccountBuyer, "buyer-2"))
	assert.Equal(t, int64(20), h.balance(t, points.AccountBuyer, "buyer-3"))
	assert.Equal(t, int64(30), h.balance(t, points.AccountSeller, "seller-1"))
}
