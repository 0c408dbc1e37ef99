// Package memory provides an in-process market.Store implementation
// (for testing/dev).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/deal-engine/deadline"
	"github.com/warp/deal-engine/market"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store keeps whole entity records in maps. Reads hand out deep copies so
// callers never alias stored state; writes replace the stored record with
// a deep copy of the argument.
type Store struct {
	mu           sync.RWMutex
	deals        map[market.DealID]*market.Deal
	offers       map[market.OfferID]*market.Offer
	reservations map[market.ReservationID]*market.Reservation
}

func New() *Store {
	return &Store{
		deals:        make(map[market.DealID]*market.Deal),
		offers:       make(map[market.OfferID]*market.Offer),
		reservations: make(map[market.ReservationID]*market.Reservation),
	}
}

// =============================================================================
// DEALS
// =============================================================================

func (m *Store) GetDeal(_ context.Context, id market.DealID) (*market.Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDealLocked(id)
}

func (m *Store) getDealLocked(id market.DealID) (*market.Deal, error) {
	d, ok := m.deals[id]
	if !ok {
		return nil, &market.NotFoundError{Entity: "deal", ID: string(id)}
	}
	return cloneDeal(d), nil
}

func (m *Store) PutDeal(_ context.Context, d *market.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putDealLocked(d)
}

func (m *Store) putDealLocked(d *market.Deal) error {
	m.deals[d.ID] = cloneDeal(d)
	return nil
}

func (m *Store) ListDealsByStatus(_ context.Context, statuses ...market.DealStatus) ([]*market.Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDealsLocked(statuses)
}

func (m *Store) listDealsLocked(statuses []market.DealStatus) ([]*market.Deal, error) {
	var out []*market.Deal
	for _, d := range m.deals {
		if matchDeal(d.Status, statuses) {
			out = append(out, cloneDeal(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return byCreation(out[i].CreatedAt, string(out[i].ID), out[j].CreatedAt, string(out[j].ID)) })
	return out, nil
}

// =============================================================================
// OFFERS
// =============================================================================

func (m *Store) GetOffer(_ context.Context, id market.OfferID) (*market.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getOfferLocked(id)
}

func (m *Store) getOfferLocked(id market.OfferID) (*market.Offer, error) {
	o, ok := m.offers[id]
	if !ok {
		return nil, &market.NotFoundError{Entity: "offer", ID: string(id)}
	}
	return cloneOffer(o), nil
}

func (m *Store) PutOffer(_ context.Context, o *market.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putOfferLocked(o)
}

func (m *Store) putOfferLocked(o *market.Offer) error {
	m.offers[o.ID] = cloneOffer(o)
	return nil
}

func (m *Store) ListOffersByDeal(_ context.Context, dealID market.DealID) ([]*market.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listOffersByDealLocked(dealID)
}

func (m *Store) listOffersByDealLocked(dealID market.DealID) ([]*market.Offer, error) {
	var out []*market.Offer
	for _, o := range m.offers {
		if o.DealID == dealID {
			out = append(out, cloneOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return byCreation(out[i].CreatedAt, string(out[i].ID), out[j].CreatedAt, string(out[j].ID)) })
	return out, nil
}

func (m *Store) ListOffersByStatus(_ context.Context, statuses ...market.OfferStatus) ([]*market.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listOffersByStatusLocked(statuses)
}

func (m *Store) listOffersByStatusLocked(statuses []market.OfferStatus) ([]*market.Offer, error) {
	var out []*market.Offer
	for _, o := range m.offers {
		if matchOffer(o.Status, statuses) {
			out = append(out, cloneOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return byCreation(out[i].CreatedAt, string(out[i].ID), out[j].CreatedAt, string(out[j].ID)) })
	return out, nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (m *Store) GetReservation(_ context.Context, id market.ReservationID) (*market.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getReservationLocked(id)
}

func (m *Store) getReservationLocked(id market.ReservationID) (*market.Reservation, error) {
	r, ok := m.reservations[id]
	if !ok {
		return nil, &market.NotFoundError{Entity: "reservation", ID: string(id)}
	}
	return cloneReservation(r), nil
}

func (m *Store) PutReservation(_ context.Context, r *market.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putReservationLocked(r)
}

func (m *Store) putReservationLocked(r *market.Reservation) error {
	m.reservations[r.ID] = cloneReservation(r)
	return nil
}

func (m *Store) ListReservationsByOffer(_ context.Context, offerID market.OfferID, statuses ...market.ReservationStatus) ([]*market.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listReservationsByOfferLocked(offerID, statuses)
}

func (m *Store) listReservationsByOfferLocked(offerID market.OfferID, statuses []market.ReservationStatus) ([]*market.Reservation, error) {
	var out []*market.Reservation
	for _, r := range m.reservations {
		if r.OfferID == offerID && matchReservation(r.Status, statuses) {
			out = append(out, cloneReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return byCreation(out[i].CreatedAt, string(out[i].ID), out[j].CreatedAt, string(out[j].ID)) })
	return out, nil
}

func (m *Store) ListReservationsByStatus(_ context.Context, statuses ...market.ReservationStatus) ([]*market.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listReservationsByStatusLocked(statuses)
}

func (m *Store) listReservationsByStatusLocked(statuses []market.ReservationStatus) ([]*market.Reservation, error) {
	var out []*market.Reservation
	for _, r := range m.reservations {
		if matchReservation(r.Status, statuses) {
			out = append(out, cloneReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return byCreation(out[i].CreatedAt, string(out[i].ID), out[j].CreatedAt, string(out[j].ID)) })
	return out, nil
}

// =============================================================================
// TRANSACTIONS - snapshot + rollback on error
// =============================================================================

// WithTx executes fn against a view of the store while holding the write
// lock. On error the pre-transaction snapshot is restored.
func (m *Store) WithTx(_ context.Context, fn func(market.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	view := &txView{parent: m}

	if err := fn(view); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type storeSnapshot struct {
	deals        map[market.DealID]*market.Deal
	offers       map[market.OfferID]*market.Offer
	reservations map[market.ReservationID]*market.Reservation
}

func (m *Store) snapshot() storeSnapshot {
	s := storeSnapshot{
		deals:        make(map[market.DealID]*market.Deal, len(m.deals)),
		offers:       make(map[market.OfferID]*market.Offer, len(m.offers)),
		reservations: make(map[market.ReservationID]*market.Reservation, len(m.reservations)),
	}
	for k, v := range m.deals {
		s.deals[k] = cloneDeal(v)
	}
	for k, v := range m.offers {
		s.offers[k] = cloneOffer(v)
	}
	for k, v := range m.reservations {
		s.reservations[k] = cloneReservation(v)
	}
	return s
}

func (m *Store) restore(s storeSnapshot) {
	m.deals = s.deals
	m.offers = s.offers
	m.reservations = s.reservations
}

// txView forwards to the parent's locked methods. Only valid while the
// parent's WithTx holds the write lock.
type txView struct {
	parent *Store
}

func (tv *txView) GetDeal(_ context.Context, id market.DealID) (*market.Deal, error) {
	return tv.parent.getDealLocked(id)
}

func (tv *txView) PutDeal(_ context.Context, d *market.Deal) error {
	return tv.parent.putDealLocked(d)
}

func (tv *txView) ListDealsByStatus(_ context.Context, statuses ...market.DealStatus) ([]*market.Deal, error) {
	return tv.parent.listDealsLocked(statuses)
}

func (tv *txView) GetOffer(_ context.Context, id market.OfferID) (*market.Offer, error) {
	return tv.parent.getOfferLocked(id)
}

func (tv *txView) PutOffer(_ context.Context, o *market.Offer) error {
	return tv.parent.putOfferLocked(o)
}

func (tv *txView) ListOffersByDeal(_ context.Context, dealID market.DealID) ([]*market.Offer, error) {
	return tv.parent.listOffersByDealLocked(dealID)
}

func (tv *txView) ListOffersByStatus(_ context.Context, statuses ...market.OfferStatus) ([]*market.Offer, error) {
	return tv.parent.listOffersByStatusLocked(statuses)
}

func (tv *txView) GetReservation(_ context.Context, id market.ReservationID) (*market.Reservation, error) {
	return tv.parent.getReservationLocked(id)
}

func (tv *txView) PutReservation(_ context.Context, r *market.Reservation) error {
	return tv.parent.putReservationLocked(r)
}

func (tv *txView) ListReservationsByOffer(_ context.Context, offerID market.OfferID, statuses ...market.ReservationStatus) ([]*market.Reservation, error) {
	return tv.parent.listReservationsByOfferLocked(offerID, statuses)
}

func (tv *txView) ListReservationsByStatus(_ context.Context, statuses ...market.ReservationStatus) ([]*market.Reservation, error) {
	return tv.parent.listReservationsByStatusLocked(statuses)
}

// WithTx on a view runs fn against the same view; the outer transaction
// already owns the lock and the snapshot.
func (tv *txView) WithTx(_ context.Context, fn func(market.Store) error) error {
	return fn(tv)
}

// =============================================================================
// CLONING AND FILTER HELPERS
// =============================================================================

func cloneDeal(d *market.Deal) *market.Deal {
	c := *d
	c.DeadlineTimer = cloneTimer(d.DeadlineTimer)
	c.OpenedAt = cloneTime(d.OpenedAt)
	c.ClosedAt = cloneTime(d.ClosedAt)
	return &c
}

func cloneOffer(o *market.Offer) *market.Offer {
	c := *o
	c.DecisionTimer = cloneTimer(o.DecisionTimer)
	c.DecidedAt = cloneTime(o.DecidedAt)
	return &c
}

func cloneReservation(r *market.Reservation) *market.Reservation {
	c := *r
	c.HoldTimer = cloneTimer(r.HoldTimer)
	c.ShippedAt = cloneTime(r.ShippedAt)
	c.DeliveredAt = cloneTime(r.DeliveredAt)
	c.ArrivalConfirmedAt = cloneTime(r.ArrivalConfirmedAt)
	c.PaidAt = cloneTime(r.PaidAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	c.ExpiredAt = cloneTime(r.ExpiredAt)
	return &c
}

func cloneTimer(t *deadline.Timer) *deadline.Timer {
	if t == nil {
		return nil
	}
	c := *t
	c.SuspendedAt = cloneTime(t.SuspendedAt)
	c.Deadline = cloneTime(t.Deadline)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func matchDeal(s market.DealStatus, want []market.DealStatus) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if s == w {
			return true
		}
	}
	return false
}

func matchOffer(s market.OfferStatus, want []market.OfferStatus) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if s == w {
			return true
		}
	}
	return false
}

func matchReservation(s market.ReservationStatus, want []market.ReservationStatus) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if s == w {
			return true
		}
	}
	return false
}

func byCreation(ti time.Time, idi string, tj time.Time, idj string) bool {
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return idi < idj
}
