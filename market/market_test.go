package market_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/deal-engine/market"
)

// =============================================================================
// MONEY
// =============================================================================

func TestMoney_Arithmetic(t *testing.T) {
	m := market.NewMoney(10001)

	assert.Equal(t, "10001", m.String())
	assert.True(t, m.MulQty(3).Equal(market.NewMoney(30003)))
	assert.True(t, m.DivFloor(3).Equal(market.NewMoney(3333)), "floor, never round")
	assert.Equal(t, int64(10001), m.Units())
	assert.True(t, m.Sub(market.NewMoney(10002)).IsNegative())
	assert.True(t, market.NewMoney(0).IsZero())
}

func TestParseMoney(t *testing.T) {
	m, err := market.ParseMoney("103334")
	require.NoError(t, err)
	assert.True(t, m.Equal(market.NewMoney(100000).Add(market.NewMoney(3334))))

	_, err = market.ParseMoney("not-a-number")
	assert.Error(t, err)
}

// =============================================================================
// OFFER AND RESERVATION HELPERS
// =============================================================================

func TestOffer_CapacityHelpers(t *testing.T) {
	o := &market.Offer{TotalAvailableQty: 5, ReservedQty: 2, SoldQty: 1}
	assert.Equal(t, int64(2), o.RemainingQty())
	assert.False(t, o.SoldOut())

	o.SoldQty = 5
	o.ReservedQty = 0
	assert.True(t, o.SoldOut())
	assert.Equal(t, int64(0), o.RemainingQty())
}

func TestOffer_ShippingFee(t *testing.T) {
	o := &market.Offer{
		ShippingMode:              market.ShippingPerReservation,
		ShippingFeePerReservation: market.NewMoney(3000),
		ShippingFeePerQty:         market.NewMoney(500),
	}
	assert.True(t, o.ShippingFee(4).Equal(market.NewMoney(3000)), "flat per reservation")

	o.ShippingMode = market.ShippingPerQty
	assert.True(t, o.ShippingFee(4).Equal(market.NewMoney(2000)))

	o.ShippingMode = market.ShippingIncluded
	assert.True(t, o.ShippingFee(4).IsZero())
	assert.True(t, o.ShippingFee(0).IsZero())
}

func TestStatusTerminality(t *testing.T) {
	assert.True(t, market.DealClosed.Terminal())
	assert.True(t, market.DealCancelled.Terminal())
	assert.False(t, market.DealFinalizing.Terminal())

	assert.True(t, market.OfferAccepted.Terminal())
	assert.False(t, market.OfferActive.Terminal())

	assert.True(t, market.ReservationExpired.Terminal())
	assert.False(t, market.ReservationPaid.Terminal())
}

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

func TestCode_StableMachineCodes(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&market.CapacityError{OfferID: "o1", Requested: 3, Remaining: 1}, "QTY_EXCEEDS_REMAINING"},
		{&market.TransitionError{Entity: "deal", ID: "d1", From: "CLOSED", Event: "open"}, "INVALID_TRANSITION"},
		{&market.NotFoundError{Entity: "offer", ID: "o1"}, "NOT_FOUND"},
		{fmt.Errorf("wrapped: %w", market.ErrPolicyUndecidable), "POLICY_UNDECIDABLE"},
		{fmt.Errorf("wrapped: %w", market.ErrAlreadyTerminal), "ALREADY_TERMINAL"},
		{fmt.Errorf("wrapped: %w", market.ErrOfferNotFoundForDeal), "OFFER_NOT_FOUND_FOR_DEAL"},
		{errors.New("something else"), ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, market.Code(tc.err), "%v", tc.err)
	}
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, market.IsRejection(&market.CapacityError{}))
	assert.True(t, market.IsRejection(&market.TransitionError{}))
	assert.True(t, market.IsRejection(fmt.Errorf("x: %w", market.ErrAlreadyTerminal)))
	assert.False(t, market.IsRejection(market.ErrPolicyUndecidable),
		"undecidable policy is a hard failure, not a client rejection")
	assert.False(t, market.IsRejection(errors.New("boom")))

	assert.True(t, market.IsNotFound(&market.NotFoundError{Entity: "deal", ID: "d1"}))
	assert.False(t, market.IsNotFound(errors.New("boom")))
}
