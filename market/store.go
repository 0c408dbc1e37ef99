/*
store.go - Persistence contract for marketplace entities

The engine owns all business rules; the Store only reads and writes whole
entity records. Two properties matter:

  PER-ENTITY READ-MODIFY-WRITE:
    Get returns an isolated copy; Put replaces the stored record. The
    engine serializes mutations per entity id with its own lock, so the
    store never sees overlapping writes for one id.

  ALL-OR-NOTHING BATCHES:
    WithTx executes fn against a transactional view. If fn returns an
    error nothing is visible; the refund engine's four-field update
    (reservation counters + offer sold_qty + status flip) commits through
    a single WithTx.

IMPLEMENTATIONS:
  - store/memory: in-process, snapshot-rollback transactions (tests/dev)
  - store/sqlite: production, database transactions
*/
package market

import "context"

// Store persists deals, offers, and reservations.
type Store interface {
	GetDeal(ctx context.Context, id DealID) (*Deal, error)
	PutDeal(ctx context.Context, d *Deal) error
	ListDealsByStatus(ctx context.Context, statuses ...DealStatus) ([]*Deal, error)

	GetOffer(ctx context.Context, id OfferID) (*Offer, error)
	PutOffer(ctx context.Context, o *Offer) error
	ListOffersByDeal(ctx context.Context, dealID DealID) ([]*Offer, error)
	ListOffersByStatus(ctx context.Context, statuses ...OfferStatus) ([]*Offer, error)

	GetReservation(ctx context.Context, id ReservationID) (*Reservation, error)
	PutReservation(ctx context.Context, r *Reservation) error
	ListReservationsByOffer(ctx context.Context, offerID OfferID, statuses ...ReservationStatus) ([]*Reservation, error)
	ListReservationsByStatus(ctx context.Context, statuses ...ReservationStatus) ([]*Reservation, error)

	// WithTx executes fn atomically. fn must use the Store it is handed,
	// never the outer one.
	WithTx(ctx context.Context, fn func(Store) error) error
}
