/*
handlers.go - HTTP API handlers for the deal engine

ENDPOINTS:
  Deals:
    POST   /api/deals                        Create deal (PLANNED)
    POST   /api/deals/{id}/open              Open deal, start deadline timer
    GET    /api/deals/{id}                   Deal details
    GET    /api/deals/{id}/offers            Offers against a deal
    POST   /api/deals/{id}/offers            Submit seller offer

  Offers:
    GET    /api/offers/{id}                  Offer details
    POST   /api/offers/{id}/decision         Seller confirm/withdraw
    POST   /api/offers/{id}/reservations     Reserve quantity

  Reservations:
    GET    /api/reservations/{id}            Reservation details
    POST   /api/reservations/{id}/pay        Settle payment
    POST   /api/reservations/{id}/ship       Mark shipped
    POST   /api/reservations/{id}/deliver    Mark delivered
    POST   /api/reservations/{id}/confirm-arrival
    POST   /api/reservations/{id}/refund     Execute refund
    POST   /api/reservations/{id}/refund/preview

  Points:
    GET    /api/points/{type}/{id}           Point balance

  Admin:
    POST   /api/admin/sweep                  Run one expiry pass now
    GET    /api/admin/calendar               Active calendar details
    POST   /api/admin/calendar/reload        Reload the business calendar

  GET /health liveness, GET /metrics Prometheus.

ERROR HANDLING:
  Domain rejections carry a stable machine code in the body:
  - 404: NOT_FOUND
  - 409: INVALID_TRANSITION, ALREADY_TERMINAL, QTY_EXCEEDS_REMAINING
  - 422: POLICY_UNDECIDABLE, OFFER_NOT_FOUND_FOR_DEAL
  - 500: everything else
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/deal-engine/calendar"
	"github.com/warp/deal-engine/lifecycle"
	"github.com/warp/deal-engine/market"
	"github.com/warp/deal-engine/points"
	"github.com/warp/deal-engine/refund"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine       *lifecycle.Engine
	Points       points.Ledger
	Calendars    *calendar.Provider
	CalendarPath string
	Log          zerolog.Logger
}

// NewHandler creates a handler around the lifecycle engine.
func NewHandler(engine *lifecycle.Engine, ledger points.Ledger, provider *calendar.Provider, calendarPath string, log zerolog.Logger) *Handler {
	return &Handler{
		Engine:       engine,
		Points:       ledger,
		Calendars:    provider,
		CalendarPath: calendarPath,
		Log:          log,
	}
}

// =============================================================================
// DEALS
// =============================================================================

func (h *Handler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	var req CreateDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	d, err := h.Engine.CreateDeal(r.Context(), market.BuyerID(req.BuyerID), req.Title)
	if err != nil {
		h.writeDomainError(w, "Failed to create deal", err)
		return
	}
	writeJSON(w, http.StatusCreated, dealDTO(d, h.Engine.Clock))
}

func (h *Handler) OpenDeal(w http.ResponseWriter, r *http.Request) {
	id := market.DealID(chi.URLParam(r, "id"))
	d, err := h.Engine.OpenDeal(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to open deal", err)
		return
	}
	writeJSON(w, http.StatusOK, dealDTO(d, h.Engine.Clock))
}

func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	id := market.DealID(chi.URLParam(r, "id"))
	d, err := h.Engine.GetDeal(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get deal", err)
		return
	}
	writeJSON(w, http.StatusOK, dealDTO(d, h.Engine.Clock))
}

func (h *Handler) ListDealOffers(w http.ResponseWriter, r *http.Request) {
	id := market.DealID(chi.URLParam(r, "id"))
	offers, err := h.Engine.Store.ListOffersByDeal(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list offers", err)
		return
	}
	dtos := make([]OfferDTO, 0, len(offers))
	for _, o := range offers {
		dtos = append(dtos, offerDTO(o, h.Engine.Clock))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	dealID := market.DealID(chi.URLParam(r, "id"))
	var req SubmitOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	price, err := market.ParseMoney(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid price", err)
		return
	}
	feeRes, feeQty := market.NewMoney(0), market.NewMoney(0)
	if req.ShippingFeePerReservation != "" {
		if feeRes, err = market.ParseMoney(req.ShippingFeePerReservation); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid shipping_fee_per_reservation", err)
			return
		}
	}
	if req.ShippingFeePerQty != "" {
		if feeQty, err = market.ParseMoney(req.ShippingFeePerQty); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid shipping_fee_per_qty", err)
			return
		}
	}
	o, err := h.Engine.SubmitOffer(r.Context(), dealID, lifecycle.OfferProposal{
		SellerID:                  market.SellerID(req.SellerID),
		Price:                     price,
		TotalAvailableQty:         req.TotalAvailableQty,
		ShippingMode:              market.ShippingMode(req.ShippingMode),
		ShippingFeePerReservation: feeRes,
		ShippingFeePerQty:         feeQty,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to submit offer", err)
		return
	}
	writeJSON(w, http.StatusCreated, offerDTO(o, h.Engine.Clock))
}

// =============================================================================
// OFFERS
// =============================================================================

func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	id := market.OfferID(chi.URLParam(r, "id"))
	o, err := h.Engine.GetOffer(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get offer", err)
		return
	}
	writeJSON(w, http.StatusOK, offerDTO(o, h.Engine.Clock))
}

func (h *Handler) DecideOffer(w http.ResponseWriter, r *http.Request) {
	id := market.OfferID(chi.URLParam(r, "id"))
	var req DecideOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	o, err := h.Engine.DecideOffer(r.Context(), id, lifecycle.SellerAction(req.Action))
	if err != nil {
		h.writeDomainError(w, "Failed to apply seller decision", err)
		return
	}
	writeJSON(w, http.StatusOK, offerDTO(o, h.Engine.Clock))
}

func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	offerID := market.OfferID(chi.URLParam(r, "id"))
	var req CreateReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Engine.CreateReservation(r.Context(), offerID, market.BuyerID(req.BuyerID), req.Qty)
	if err != nil {
		h.writeDomainError(w, "Failed to create reservation", err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationDTO(res, h.Engine.Clock))
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	id := market.ReservationID(chi.URLParam(r, "id"))
	res, err := h.Engine.GetReservation(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get reservation", err)
		return
	}
	writeJSON(w, http.StatusOK, reservationDTO(res, h.Engine.Clock))
}

func (h *Handler) PayReservation(w http.ResponseWriter, r *http.Request) {
	id := market.ReservationID(chi.URLParam(r, "id"))
	res, err := h.Engine.PayReservation(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to pay reservation", err)
		return
	}
	writeJSON(w, http.StatusOK, reservationDTO(res, h.Engine.Clock))
}

func (h *Handler) MarkShipped(w http.ResponseWriter, r *http.Request) {
	h.stamp(w, r, h.Engine.MarkShipped)
}

func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.stamp(w, r, h.Engine.MarkDelivered)
}

func (h *Handler) ConfirmArrival(w http.ResponseWriter, r *http.Request) {
	h.stamp(w, r, h.Engine.ConfirmArrival)
}

func (h *Handler) stamp(w http.ResponseWriter, r *http.Request, fn func(context.Context, market.ReservationID) (*market.Reservation, error)) {
	id := market.ReservationID(chi.URLParam(r, "id"))
	res, err := fn(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to update shipment state", err)
		return
	}
	writeJSON(w, http.StatusOK, reservationDTO(res, h.Engine.Clock))
}

func (h *Handler) ExecuteRefund(w http.ResponseWriter, r *http.Request) {
	id := market.ReservationID(chi.URLParam(r, "id"))
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	result, err := h.Engine.ExecuteRefund(r.Context(), id, refund.Trigger(req.Trigger), req.Qty)
	if err != nil {
		h.writeDomainError(w, "Failed to execute refund", err)
		return
	}
	writeJSON(w, http.StatusOK, refundResultDTO(result))
}

func (h *Handler) PreviewRefund(w http.ResponseWriter, r *http.Request) {
	id := market.ReservationID(chi.URLParam(r, "id"))
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	result, err := h.Engine.PreviewRefund(r.Context(), id, refund.Trigger(req.Trigger), req.Qty)
	if err != nil {
		h.writeDomainError(w, "Failed to preview refund", err)
		return
	}
	writeJSON(w, http.StatusOK, refundResultDTO(result))
}

// =============================================================================
// POINTS
// =============================================================================

func (h *Handler) GetPointBalance(w http.ResponseWriter, r *http.Request) {
	at := points.AccountType(chi.URLParam(r, "type"))
	if at != points.AccountBuyer && at != points.AccountSeller {
		writeError(w, http.StatusBadRequest, "Unknown account type", nil)
		return
	}
	accountID := chi.URLParam(r, "id")
	balance, err := h.Points.Balance(r.Context(), at, accountID)
	if err != nil {
		h.writeDomainError(w, "Failed to get point balance", err)
		return
	}
	writeJSON(w, http.StatusOK, PointBalanceDTO{
		AccountType: string(at),
		AccountID:   accountID,
		Balance:     balance,
	})
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	report := h.Engine.Sweep(r.Context())
	writeJSON(w, http.StatusOK, SweepReportDTO{
		DealsFinalized:      report.DealsFinalized,
		DealsClosed:         report.DealsClosed,
		DealsCancelled:      report.DealsCancelled,
		OffersWithdrawn:     report.OffersWithdrawn,
		ReservationsExpired: report.ReservationsExpired,
		Errors:              report.Errors,
	})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetCalendar describes the active business calendar, including whether
// the current instant counts as dead time.
func (h *Handler) GetCalendar(w http.ResponseWriter, r *http.Request) {
	cal := h.Calendars.Current()
	now := h.Engine.Clock.Now()
	writeJSON(w, http.StatusOK, map[string]any{
		"calendar_version": cal.Version(),
		"timezone":         cal.Location().String(),
		"holidays":         cal.Holidays(),
		"suspended_now":    cal.IsSuspended(now),
		"next_boundary":    cal.NextBoundary(now),
	})
}

func (h *Handler) ReloadCalendar(w http.ResponseWriter, r *http.Request) {
	if h.CalendarPath == "" {
		writeError(w, http.StatusConflict, "No calendar config file configured", nil)
		return
	}
	cfg, err := calendar.LoadConfig(h.CalendarPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to load calendar config", err)
		return
	}
	if err := h.Calendars.Reload(cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to apply calendar config", err)
		return
	}
	cal := h.Calendars.Current()
	writeJSON(w, http.StatusOK, map[string]any{"calendar_version": cal.Version()})
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	code := market.Code(err)
	status := http.StatusInternalServerError
	switch {
	case market.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrPolicyUndecidable), errors.Is(err, market.ErrOfferNotFoundForDeal):
		status = http.StatusUnprocessableEntity
	case market.IsRejection(err):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Msg(message)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
