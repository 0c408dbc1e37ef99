/*
dto.go - Request/response data structures

All amounts cross the wire as decimal strings, never as floats.
*/
package api

import (
	"time"

	"github.com/warp/deal-engine/deadline"
	"github.com/warp/deal-engine/market"
	"github.com/warp/deal-engine/refund"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateDealRequest struct {
	BuyerID string `json:"buyer_id"`
	Title   string `json:"title"`
}

type SubmitOfferRequest struct {
	SellerID                  string `json:"seller_id"`
	Price                     string `json:"price"`
	TotalAvailableQty         int64  `json:"total_available_qty"`
	ShippingMode              string `json:"shipping_mode"`
	ShippingFeePerReservation string `json:"shipping_fee_per_reservation,omitempty"`
	ShippingFeePerQty         string `json:"shipping_fee_per_qty,omitempty"`
}

type DecideOfferRequest struct {
	Action string `json:"action"` // "confirm" or "withdraw"
}

type CreateReservationRequest struct {
	BuyerID string `json:"buyer_id"`
	Qty     int64  `json:"qty"`
}

type RefundRequest struct {
	Trigger string `json:"trigger"`
	Qty     int64  `json:"qty,omitempty"` // 0 means everything refundable
}

// =============================================================================
// RESPONSES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

type TimerDTO struct {
	Nominal     string     `json:"nominal"`
	StartedAt   time.Time  `json:"started_at"`
	Remaining   string     `json:"remaining"`
	Paused      bool       `json:"paused"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	CalendarVer int        `json:"calendar_version"`
}

type DealDTO struct {
	ID        string     `json:"id"`
	BuyerID   string     `json:"buyer_id"`
	Title     string     `json:"title"`
	Status    string     `json:"status"`
	Timer     *TimerDTO  `json:"deadline_timer,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

type OfferDTO struct {
	ID                        string     `json:"id"`
	DealID                    string     `json:"deal_id"`
	SellerID                  string     `json:"seller_id"`
	Status                    string     `json:"status"`
	Price                     string     `json:"price"`
	TotalAvailableQty         int64      `json:"total_available_qty"`
	ReservedQty               int64      `json:"reserved_qty"`
	SoldQty                   int64      `json:"sold_qty"`
	RemainingQty              int64      `json:"remaining_qty"`
	ShippingMode              string     `json:"shipping_mode"`
	ShippingFeePerReservation string     `json:"shipping_fee_per_reservation"`
	ShippingFeePerQty         string     `json:"shipping_fee_per_qty"`
	DecisionTimer             *TimerDTO  `json:"decision_timer,omitempty"`
	CreatedAt                 time.Time  `json:"created_at"`
	DecidedAt                 *time.Time `json:"decided_at,omitempty"`
	DecisionReason            string     `json:"decision_reason,omitempty"`
}

type ReservationDTO struct {
	ID                  string     `json:"id"`
	OfferID             string     `json:"offer_id"`
	DealID              string     `json:"deal_id"`
	BuyerID             string     `json:"buyer_id"`
	Status              string     `json:"status"`
	Qty                 int64      `json:"qty"`
	AmountItems         string     `json:"amount_items"`
	AmountShipping      string     `json:"amount_shipping"`
	AmountTotal         string     `json:"amount_total"`
	RefundedQty         int64      `json:"refunded_qty"`
	RefundedAmountTotal string     `json:"refunded_amount_total"`
	HoldTimer           *TimerDTO  `json:"hold_timer,omitempty"`
	ShippedAt           *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt         *time.Time `json:"delivered_at,omitempty"`
	ArrivalConfirmedAt  *time.Time `json:"arrival_confirmed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	PaidAt              *time.Time `json:"paid_at,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt           *time.Time `json:"expired_at,omitempty"`
}

type RefundResultDTO struct {
	ReservationID    string `json:"reservation_id"`
	Trigger          string `json:"trigger"`
	Stage            string `json:"cooling_stage"`
	RefundQty        int64  `json:"refund_qty"`
	ItemRefund       string `json:"item_refund"`
	ShippingRefund   string `json:"shipping_refund"`
	RefundTotal      string `json:"refund_total"`
	ShippingIncluded bool   `json:"shipping_included"`
	FullyRefunded    bool   `json:"fully_refunded"`
}

type PointBalanceDTO struct {
	AccountType string `json:"account_type"`
	AccountID   string `json:"account_id"`
	Balance     int64  `json:"balance"`
}

type SweepReportDTO struct {
	DealsFinalized      int64 `json:"deals_finalized"`
	DealsClosed         int64 `json:"deals_closed"`
	DealsCancelled      int64 `json:"deals_cancelled"`
	OffersWithdrawn     int64 `json:"offers_withdrawn"`
	ReservationsExpired int64 `json:"reservations_expired"`
	Errors              int64 `json:"errors"`
}

// =============================================================================
// MAPPING
// =============================================================================

func timerDTO(t *deadline.Timer, clock *deadline.Clock) *TimerDTO {
	if t == nil {
		return nil
	}
	eval := clock.Evaluate(t, clock.Now())
	return &TimerDTO{
		Nominal:     t.Nominal.String(),
		StartedAt:   t.StartedAt,
		Remaining:   eval.Remaining.String(),
		Paused:      eval.Paused,
		Deadline:    t.Deadline,
		CalendarVer: t.CalendarVersion,
	}
}

func dealDTO(d *market.Deal, clock *deadline.Clock) DealDTO {
	return DealDTO{
		ID:        string(d.ID),
		BuyerID:   string(d.BuyerID),
		Title:     d.Title,
		Status:    string(d.Status),
		Timer:     timerDTO(d.DeadlineTimer, clock),
		CreatedAt: d.CreatedAt,
		OpenedAt:  d.OpenedAt,
		ClosedAt:  d.ClosedAt,
	}
}

func offerDTO(o *market.Offer, clock *deadline.Clock) OfferDTO {
	return OfferDTO{
		ID:                        string(o.ID),
		DealID:                    string(o.DealID),
		SellerID:                  string(o.SellerID),
		Status:                    string(o.Status),
		Price:                     o.Price.String(),
		TotalAvailableQty:         o.TotalAvailableQty,
		ReservedQty:               o.ReservedQty,
		SoldQty:                   o.SoldQty,
		RemainingQty:              o.RemainingQty(),
		ShippingMode:              string(o.ShippingMode),
		ShippingFeePerReservation: o.ShippingFeePerReservation.String(),
		ShippingFeePerQty:         o.ShippingFeePerQty.String(),
		DecisionTimer:             timerDTO(o.DecisionTimer, clock),
		CreatedAt:                 o.CreatedAt,
		DecidedAt:                 o.DecidedAt,
		DecisionReason:            o.DecisionReason,
	}
}

func reservationDTO(r *market.Reservation, clock *deadline.Clock) ReservationDTO {
	return ReservationDTO{
		ID:                  string(r.ID),
		OfferID:             string(r.OfferID),
		DealID:              string(r.DealID),
		BuyerID:             string(r.BuyerID),
		Status:              string(r.Status),
		Qty:                 r.Qty,
		AmountItems:         r.AmountItems.String(),
		AmountShipping:      r.AmountShipping.String(),
		AmountTotal:         r.AmountTotal.String(),
		RefundedQty:         r.RefundedQty,
		RefundedAmountTotal: r.RefundedAmountTotal.String(),
		HoldTimer:           timerDTO(r.HoldTimer, clock),
		ShippedAt:           r.ShippedAt,
		DeliveredAt:         r.DeliveredAt,
		ArrivalConfirmedAt:  r.ArrivalConfirmedAt,
		CreatedAt:           r.CreatedAt,
		PaidAt:              r.PaidAt,
		CancelledAt:         r.CancelledAt,
		ExpiredAt:           r.ExpiredAt,
	}
}

func refundResultDTO(res *refund.Result) RefundResultDTO {
	return RefundResultDTO{
		ReservationID:    string(res.ReservationID),
		Trigger:          string(res.Trigger),
		Stage:            string(res.Stage),
		RefundQty:        res.RefundQty,
		ItemRefund:       res.ItemRefund.String(),
		ShippingRefund:   res.ShippingRefund.String(),
		RefundTotal:      res.RefundTotal.String(),
		ShippingIncluded: res.ShippingIncluded,
		FullyRefunded:    res.FullyRefunded,
	}
}
