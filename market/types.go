/*
Package market holds the entity model of the reverse-bidding group-purchase
marketplace: Deals, Offers, and Reservations, plus the Store contract the
engine mutates them through.

KEY CONCEPTS:
  - Deal: a buyer-initiated demand aggregation round with its own
    lifecycle and dead-time-aware deadline.
  - Offer: a seller's price/quantity/shipping proposal against a Deal.
    Tracks reserved (pending) and sold (paid) quantity separately.
  - Reservation: a buyer's commitment against an Offer, carrying payment,
    shipment, and refund state.

INVARIANTS (enforced by transition validation, never silently repaired):
  - 0 <= sold_qty + reserved_qty <= total_available_qty
  - refunded_qty <= qty; refunded_amount_total <= amount_total;
    both monotonically non-decreasing for the lifetime of the record
  - status CANCELLED is terminal; a post-payment cancellation implies
    refunded_qty == qty (pre-payment cancellation/expiry keeps it at 0)

Each waiting state owns exactly one deadline timer; the timer is destroyed
when the entity leaves that state.
*/
package market

import (
	"time"

	"github.com/warp/deal-engine/deadline"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DealID string
type OfferID string
type ReservationID string
type BuyerID string
type SellerID string

// =============================================================================
// DEAL
// =============================================================================

type DealStatus string

const (
	DealPlanned    DealStatus = "PLANNED"
	DealOpen       DealStatus = "OPEN"
	DealFinalizing DealStatus = "FINALIZING"
	DealClosed     DealStatus = "CLOSED"
	DealCancelled  DealStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s DealStatus) Terminal() bool { return s == DealClosed || s == DealCancelled }

type Deal struct {
	ID      DealID
	BuyerID BuyerID
	Title   string
	Status  DealStatus

	// DeadlineTimer runs while the deal is OPEN; destroyed on FINALIZING
	// or CANCELLED.
	DeadlineTimer *deadline.Timer

	CreatedAt time.Time
	OpenedAt  *time.Time
	ClosedAt  *time.Time
}

// AcceptsOffers reports whether sellers may still submit against the deal.
func (d *Deal) AcceptsOffers() bool {
	return d.Status == DealOpen || d.Status == DealFinalizing
}

// =============================================================================
// OFFER
// =============================================================================

type OfferStatus string

const (
	OfferActive    OfferStatus = "ACTIVE"
	OfferAccepted  OfferStatus = "ACCEPTED"
	OfferWithdrawn OfferStatus = "WITHDRAWN"
)

func (s OfferStatus) Terminal() bool { return s == OfferAccepted || s == OfferWithdrawn }

type ShippingMode string

const (
	// ShippingIncluded: shipping is baked into the item price; fee zero.
	ShippingIncluded ShippingMode = "INCLUDED"
	// ShippingPerReservation: one fixed fee per reservation.
	ShippingPerReservation ShippingMode = "PER_RESERVATION"
	// ShippingPerQty: a fee per unit.
	ShippingPerQty ShippingMode = "PER_QTY"
)

type Offer struct {
	ID       OfferID
	DealID   DealID
	SellerID SellerID
	Status   OfferStatus

	// Price is the per-unit item price.
	Price Money

	TotalAvailableQty int64
	// ReservedQty is quantity held by PENDING reservations.
	ReservedQty int64
	// SoldQty is quantity committed by PAID reservations.
	SoldQty int64

	ShippingMode              ShippingMode
	ShippingFeePerReservation Money
	ShippingFeePerQty         Money

	// DecisionTimer runs once the deal enters FINALIZING; destroyed on
	// acceptance or withdrawal.
	DecisionTimer *deadline.Timer

	CreatedAt      time.Time
	DecidedAt      *time.Time
	DecisionReason string
}

// RemainingQty is the capacity still open to new reservations.
func (o *Offer) RemainingQty() int64 {
	return o.TotalAvailableQty - o.SoldQty - o.ReservedQty
}

// SoldOut reports whether paid quantity has reached total supply, the
// condition that forces irreversible auto-acceptance.
func (o *Offer) SoldOut() bool {
	return o.TotalAvailableQty > 0 && o.SoldQty >= o.TotalAvailableQty
}

// ShippingFee computes the order-level shipping fee for qty units.
func (o *Offer) ShippingFee(qty int64) Money {
	if qty <= 0 {
		return NewMoney(0)
	}
	switch o.ShippingMode {
	case ShippingPerReservation:
		return o.ShippingFeePerReservation
	case ShippingPerQty:
		return o.ShippingFeePerQty.MulQty(qty)
	default:
		return NewMoney(0)
	}
}

// =============================================================================
// RESERVATION
// =============================================================================

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationPaid      ReservationStatus = "PAID"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

func (s ReservationStatus) Terminal() bool {
	return s == ReservationCancelled || s == ReservationExpired
}

type Reservation struct {
	ID      ReservationID
	OfferID OfferID
	DealID  DealID
	BuyerID BuyerID
	Status  ReservationStatus

	Qty int64

	// Amounts fixed at creation. AmountTotal = AmountItems + AmountShipping.
	AmountItems    Money
	AmountShipping Money
	AmountTotal    Money

	// Running refund counters. Monotonically non-decreasing.
	RefundedQty         int64
	RefundedAmountTotal Money

	// HoldTimer runs while PENDING; destroyed on PAID/CANCELLED/EXPIRED.
	HoldTimer *deadline.Timer

	// Shipment tracking feeds cooling-stage derivation.
	ShippedAt          *time.Time
	DeliveredAt        *time.Time
	ArrivalConfirmedAt *time.Time

	CreatedAt   time.Time
	PaidAt      *time.Time
	CancelledAt *time.Time
	ExpiredAt   *time.Time
}

// RefundableQty is the quantity still eligible for refund.
func (r *Reservation) RefundableQty() int64 {
	return r.Qty - r.RefundedQty
}
