/*
Package sqlite provides the SQLite-backed implementations of the
persistence interfaces.

INTERFACES IMPLEMENTED:
  market.Store:    Deal, Offer, and Reservation records
  points.Ledger:   Append-only point transactions (ledger.go)
  audit.Recorder:  Append-only audit events (ledger.go)

TIMER PERSISTENCE:
  Deadline timers are flattened into nullable timer_* columns on the
  owning row. timer_started_at IS NULL means the entity holds no timer.
  Durations are stored as integer nanoseconds, instants as RFC3339Nano.

MONEY:
  Decimal amounts are stored as TEXT and re-parsed on load; never as
  floating point.

CONCURRENCY:
  The engine serializes writes per entity id with its own locks; WithTx
  additionally holds a store-wide mutex for the duration of the database
  transaction, the same arrangement SQLite's single-writer model expects.

WAL MODE:
  Opened with WAL so readers don't block behind the writer.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/deal-engine/deadline"
	"github.com/warp/deal-engine/market"
)

// Store implements market.Store, points.Ledger, and audit.Recorder over
// one SQLite database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deals (
		id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		timer_nominal_ns INTEGER,
		timer_started_at TEXT,
		timer_elapsed_ns INTEGER,
		timer_checkpoint_at TEXT,
		timer_suspended_at TEXT,
		timer_deadline TEXT,
		timer_calendar_version INTEGER,
		created_at TEXT NOT NULL,
		opened_at TEXT,
		closed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_deals_status ON deals(status);

	CREATE TABLE IF NOT EXISTS offers (
		id TEXT PRIMARY KEY,
		deal_id TEXT NOT NULL REFERENCES deals(id),
		seller_id TEXT NOT NULL,
		status TEXT NOT NULL,
		price TEXT NOT NULL,
		total_available_qty INTEGER NOT NULL,
		reserved_qty INTEGER NOT NULL,
		sold_qty INTEGER NOT NULL,
		shipping_mode TEXT NOT NULL,
		shipping_fee_per_reservation TEXT NOT NULL,
		shipping_fee_per_qty TEXT NOT NULL,
		timer_nominal_ns INTEGER,
		timer_started_at TEXT,
		timer_elapsed_ns INTEGER,
		timer_checkpoint_at TEXT,
		timer_suspended_at TEXT,
		timer_deadline TEXT,
		timer_calendar_version INTEGER,
		created_at TEXT NOT NULL,
		decided_at TEXT,
		decision_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_offers_deal ON offers(deal_id);
	CREATE INDEX IF NOT EXISTS idx_offers_status ON offers(status);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		offer_id TEXT NOT NULL REFERENCES offers(id),
		deal_id TEXT NOT NULL REFERENCES deals(id),
		buyer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		qty INTEGER NOT NULL,
		amount_items TEXT NOT NULL,
		amount_shipping TEXT NOT NULL,
		amount_total TEXT NOT NULL,
		refunded_qty INTEGER NOT NULL,
		refunded_amount_total TEXT NOT NULL,
		timer_nominal_ns INTEGER,
		timer_started_at TEXT,
		timer_elapsed_ns INTEGER,
		timer_checkpoint_at TEXT,
		timer_suspended_at TEXT,
		timer_deadline TEXT,
		timer_calendar_version INTEGER,
		shipped_at TEXT,
		delivered_at TEXT,
		arrival_confirmed_at TEXT,
		created_at TEXT NOT NULL,
		paid_at TEXT,
		cancelled_at TEXT,
		expired_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_reservations_offer ON reservations(offer_id);
	CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status);

	CREATE TABLE IF NOT EXISTS point_transactions (
		id TEXT PRIMARY KEY,
		account_type TEXT NOT NULL,
		account_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		reason TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_points_account ON point_transactions(account_type, account_id);

	CREATE TABLE IF NOT EXISTS events (
		idempotency_key TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		at TEXT NOT NULL,
		payload_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TIME AND TIMER ENCODING
// =============================================================================

func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// timerColumns is the flattened form of a deadline.Timer for scanning.
type timerColumns struct {
	nominal    sql.NullInt64
	startedAt  sql.NullString
	elapsed    sql.NullInt64
	checkpoint sql.NullString
	suspended  sql.NullString
	deadline   sql.NullString
	calVersion sql.NullInt64
}

func encodeTimer(t *deadline.Timer) (nominal, startedAt, elapsed, checkpoint, suspended, deadlineAt, calVersion any) {
	if t == nil {
		return nil, nil, nil, nil, nil, nil, nil
	}
	return int64(t.Nominal), encodeTime(t.StartedAt), int64(t.ElapsedActive), encodeTime(t.CheckpointAt),
		encodeTimePtr(t.SuspendedAt), encodeTimePtr(t.Deadline), t.CalendarVersion
}

func (tc *timerColumns) decode() (*deadline.Timer, error) {
	if !tc.startedAt.Valid {
		return nil, nil
	}
	started, err := decodeTime(tc.startedAt.String)
	if err != nil {
		return nil, err
	}
	checkpoint, err := decodeTime(tc.checkpoint.String)
	if err != nil {
		return nil, err
	}
	suspended, err := decodeTimePtr(tc.suspended)
	if err != nil {
		return nil, err
	}
	deadlineAt, err := decodeTimePtr(tc.deadline)
	if err != nil {
		return nil, err
	}
	return &deadline.Timer{
		Nominal:         time.Duration(tc.nominal.Int64),
		StartedAt:       started,
		ElapsedActive:   time.Duration(tc.elapsed.Int64),
		CheckpointAt:    checkpoint,
		SuspendedAt:     suspended,
		Deadline:        deadlineAt,
		CalendarVersion: int(tc.calVersion.Int64),
	}, nil
}

// =============================================================================
// DEALS
// =============================================================================

const dealColumns = `id, buyer_id, title, status,
	timer_nominal_ns, timer_started_at, timer_elapsed_ns, timer_checkpoint_at,
	timer_suspended_at, timer_deadline, timer_calendar_version,
	created_at, opened_at, closed_at`

func (s *Store) GetDeal(ctx context.Context, id market.DealID) (*market.Deal, error) {
	return getDeal(ctx, s.db, id)
}

func getDeal(ctx context.Context, q queryer, id market.DealID) (*market.Deal, error) {
	row := q.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = ?`, string(id))
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, &market.NotFoundError{Entity: "deal", ID: string(id)}
	}
	return d, err
}

func (s *Store) PutDeal(ctx context.Context, d *market.Deal) error {
	return putDeal(ctx, s.db, d)
}

func putDeal(ctx context.Context, q queryer, d *market.Deal) error {
	tn, ts, te, tc, tsu, td, tv := encodeTimer(d.DeadlineTimer)
	_, err := q.ExecContext(ctx, `
		INSERT INTO deals (`+dealColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			buyer_id = excluded.buyer_id,
			title = excluded.title,
			status = excluded.status,
			timer_nominal_ns = excluded.timer_nominal_ns,
			timer_started_at = excluded.timer_started_at,
			timer_elapsed_ns = excluded.timer_elapsed_ns,
			timer_checkpoint_at = excluded.timer_checkpoint_at,
			timer_suspended_at = excluded.timer_suspended_at,
			timer_deadline = excluded.timer_deadline,
			timer_calendar_version = excluded.timer_calendar_version,
			opened_at = excluded.opened_at,
			closed_at = excluded.closed_at`,
		string(d.ID), string(d.BuyerID), d.Title, string(d.Status),
		tn, ts, te, tc, tsu, td, tv,
		encodeTime(d.CreatedAt), encodeTimePtr(d.OpenedAt), encodeTimePtr(d.ClosedAt))
	if err != nil {
		return fmt.Errorf("failed to put deal %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) ListDealsByStatus(ctx context.Context, statuses ...market.DealStatus) ([]*market.Deal, error) {
	return listDeals(ctx, s.db, statuses)
}

func listDeals(ctx context.Context, q queryer, statuses []market.DealStatus) ([]*market.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*market.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (*market.Deal, error) {
	var (
		d                  market.Deal
		dealID, buyerID    string
		status, createdAt  string
		tc                 timerColumns
		openedAt, closedAt sql.NullString
	)
	if err := row.Scan(&dealID, &buyerID, &d.Title, &status,
		&tc.nominal, &tc.startedAt, &tc.elapsed, &tc.checkpoint,
		&tc.suspended, &tc.deadline, &tc.calVersion,
		&createdAt, &openedAt, &closedAt); err != nil {
		return nil, err
	}
	d.ID = market.DealID(dealID)
	d.BuyerID = market.BuyerID(buyerID)
	d.Status = market.DealStatus(status)

	var err error
	if d.DeadlineTimer, err = tc.decode(); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if d.OpenedAt, err = decodeTimePtr(openedAt); err != nil {
		return nil, err
	}
	if d.ClosedAt, err = decodeTimePtr(closedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// =============================================================================
// OFFERS
// =============================================================================

const offerColumns = `id, deal_id, seller_id, status, price,
	total_available_qty, reserved_qty, sold_qty,
	shipping_mode, shipping_fee_per_reservation, shipping_fee_per_qty,
	timer_nominal_ns, timer_started_at, timer_elapsed_ns, timer_checkpoint_at,
	timer_suspended_at, timer_deadline, timer_calendar_version,
	created_at, decided_at, decision_reason`

func (s *Store) GetOffer(ctx context.Context, id market.OfferID) (*market.Offer, error) {
	return getOffer(ctx, s.db, id)
}

func getOffer(ctx context.Context, q queryer, id market.OfferID) (*market.Offer, error) {
	row := q.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = ?`, string(id))
	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, &market.NotFoundError{Entity: "offer", ID: string(id)}
	}
	return o, err
}

func (s *Store) PutOffer(ctx context.Context, o *market.Offer) error {
	return putOffer(ctx, s.db, o)
}

func putOffer(ctx context.Context, q queryer, o *market.Offer) error {
	tn, ts, te, tc, tsu, td, tv := encodeTimer(o.DecisionTimer)
	_, err := q.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			price = excluded.price,
			total_available_qty = excluded.total_available_qty,
			reserved_qty = excluded.reserved_qty,
			sold_qty = excluded.sold_qty,
			shipping_mode = excluded.shipping_mode,
			shipping_fee_per_reservation = excluded.shipping_fee_per_reservation,
			shipping_fee_per_qty = excluded.shipping_fee_per_qty,
			timer_nominal_ns = excluded.timer_nominal_ns,
			timer_started_at = excluded.timer_started_at,
			timer_elapsed_ns = excluded.timer_elapsed_ns,
			timer_checkpoint_at = excluded.timer_checkpoint_at,
			timer_suspended_at = excluded.timer_suspended_at,
			timer_deadline = excluded.timer_deadline,
			timer_calendar_version = excluded.timer_calendar_version,
			decided_at = excluded.decided_at,
			decision_reason = excluded.decision_reason`,
		string(o.ID), string(o.DealID), string(o.SellerID), string(o.Status), o.Price.String(),
		o.TotalAvailableQty, o.ReservedQty, o.SoldQty,
		string(o.ShippingMode), o.ShippingFeePerReservation.String(), o.ShippingFeePerQty.String(),
		tn, ts, te, tc, tsu, td, tv,
		encodeTime(o.CreatedAt), encodeTimePtr(o.DecidedAt), o.DecisionReason)
	if err != nil {
		return fmt.Errorf("failed to put offer %s: %w", o.ID, err)
	}
	return nil
}

func (s *Store) ListOffersByDeal(ctx context.Context, dealID market.DealID) ([]*market.Offer, error) {
	return listOffersByDeal(ctx, s.db, dealID)
}

func listOffersByDeal(ctx context.Context, q queryer, dealID market.DealID) ([]*market.Offer, error) {
	return listOffers(ctx, q, `SELECT `+offerColumns+` FROM offers WHERE deal_id = ? ORDER BY created_at, id`, string(dealID))
}

func (s *Store) ListOffersByStatus(ctx context.Context, statuses ...market.OfferStatus) ([]*market.Offer, error) {
	return listOffersByStatus(ctx, s.db, statuses)
}

func listOffersByStatus(ctx context.Context, q queryer, statuses []market.OfferStatus) ([]*market.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`
	return listOffers(ctx, q, query, args...)
}

func listOffers(ctx context.Context, q queryer, query string, args ...any) ([]*market.Offer, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*market.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOffer(row rowScanner) (*market.Offer, error) {
	var (
		o                                   market.Offer
		offerID, dealID, sellerID, status   string
		price, feeRes, feeQty, shippingMode string
		tc                                  timerColumns
		createdAt                           string
		decidedAt                           sql.NullString
	)
	if err := row.Scan(&offerID, &dealID, &sellerID, &status, &price,
		&o.TotalAvailableQty, &o.ReservedQty, &o.SoldQty,
		&shippingMode, &feeRes, &feeQty,
		&tc.nominal, &tc.startedAt, &tc.elapsed, &tc.checkpoint,
		&tc.suspended, &tc.deadline, &tc.calVersion,
		&createdAt, &decidedAt, &o.DecisionReason); err != nil {
		return nil, err
	}
	o.ID = market.OfferID(offerID)
	o.DealID = market.DealID(dealID)
	o.SellerID = market.SellerID(sellerID)
	o.Status = market.OfferStatus(status)
	o.ShippingMode = market.ShippingMode(shippingMode)

	var err error
	if o.Price, err = market.ParseMoney(price); err != nil {
		return nil, err
	}
	if o.ShippingFeePerReservation, err = market.ParseMoney(feeRes); err != nil {
		return nil, err
	}
	if o.ShippingFeePerQty, err = market.ParseMoney(feeQty); err != nil {
		return nil, err
	}
	if o.DecisionTimer, err = tc.decode(); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if o.DecidedAt, err = decodeTimePtr(decidedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `id, offer_id, deal_id, buyer_id, status, qty,
	amount_items, amount_shipping, amount_total,
	refunded_qty, refunded_amount_total,
	timer_nominal_ns, timer_started_at, timer_elapsed_ns, timer_checkpoint_at,
	timer_suspended_at, timer_deadline, timer_calendar_version,
	shipped_at, delivered_at, arrival_confirmed_at,
	created_at, paid_at, cancelled_at, expired_at`

func (s *Store) GetReservation(ctx context.Context, id market.ReservationID) (*market.Reservation, error) {
	return getReservation(ctx, s.db, id)
}

func getReservation(ctx context.Context, q queryer, id market.ReservationID) (*market.Reservation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, string(id))
	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, &market.NotFoundError{Entity: "reservation", ID: string(id)}
	}
	return r, err
}

func (s *Store) PutReservation(ctx context.Context, r *market.Reservation) error {
	return putReservation(ctx, s.db, r)
}

func putReservation(ctx context.Context, q queryer, r *market.Reservation) error {
	tn, ts, te, tc, tsu, td, tv := encodeTimer(r.HoldTimer)
	_, err := q.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			refunded_qty = excluded.refunded_qty,
			refunded_amount_total = excluded.refunded_amount_total,
			timer_nominal_ns = excluded.timer_nominal_ns,
			timer_started_at = excluded.timer_started_at,
			timer_elapsed_ns = excluded.timer_elapsed_ns,
			timer_checkpoint_at = excluded.timer_checkpoint_at,
			timer_suspended_at = excluded.timer_suspended_at,
			timer_deadline = excluded.timer_deadline,
			timer_calendar_version = excluded.timer_calendar_version,
			shipped_at = excluded.shipped_at,
			delivered_at = excluded.delivered_at,
			arrival_confirmed_at = excluded.arrival_confirmed_at,
			paid_at = excluded.paid_at,
			cancelled_at = excluded.cancelled_at,
			expired_at = excluded.expired_at`,
		string(r.ID), string(r.OfferID), string(r.DealID), string(r.BuyerID), string(r.Status), r.Qty,
		r.AmountItems.String(), r.AmountShipping.String(), r.AmountTotal.String(),
		r.RefundedQty, r.RefundedAmountTotal.String(),
		tn, ts, te, tc, tsu, td, tv,
		encodeTimePtr(r.ShippedAt), encodeTimePtr(r.DeliveredAt), encodeTimePtr(r.ArrivalConfirmedAt),
		encodeTime(r.CreatedAt), encodeTimePtr(r.PaidAt), encodeTimePtr(r.CancelledAt), encodeTimePtr(r.ExpiredAt))
	if err != nil {
		return fmt.Errorf("failed to put reservation %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) ListReservationsByOffer(ctx context.Context, offerID market.OfferID, statuses ...market.ReservationStatus) ([]*market.Reservation, error) {
	return listReservationsByOffer(ctx, s.db, offerID, statuses)
}

func listReservationsByOffer(ctx context.Context, q queryer, offerID market.OfferID, statuses []market.ReservationStatus) ([]*market.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE offer_id = ?`
	args := []any{string(offerID)}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`
	return listReservations(ctx, q, query, args...)
}

func (s *Store) ListReservationsByStatus(ctx context.Context, statuses ...market.ReservationStatus) ([]*market.Reservation, error) {
	return listReservationsByStatus(ctx, s.db, statuses)
}

func listReservationsByStatus(ctx context.Context, q queryer, statuses []market.ReservationStatus) ([]*market.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`
	return listReservations(ctx, q, query, args...)
}

func listReservations(ctx context.Context, q queryer, query string, args ...any) ([]*market.Reservation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*market.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReservation(row rowScanner) (*market.Reservation, error) {
	var (
		r                                       market.Reservation
		resID, offerID, dealID, buyerID, status string
		items, shipping, total, refundedTotal   string
		tc                                      timerColumns
		shippedAt, deliveredAt, arrivalAt       sql.NullString
		createdAt                               string
		paidAt, cancelledAt, expiredAt          sql.NullString
	)
	if err := row.Scan(&resID, &offerID, &dealID, &buyerID, &status, &r.Qty,
		&items, &shipping, &total,
		&r.RefundedQty, &refundedTotal,
		&tc.nominal, &tc.startedAt, &tc.elapsed, &tc.checkpoint,
		&tc.suspended, &tc.deadline, &tc.calVersion,
		&shippedAt, &deliveredAt, &arrivalAt,
		&createdAt, &paidAt, &cancelledAt, &expiredAt); err != nil {
		return nil, err
	}
	r.ID = market.ReservationID(resID)
	r.OfferID = market.OfferID(offerID)
	r.DealID = market.DealID(dealID)
	r.BuyerID = market.BuyerID(buyerID)
	r.Status = market.ReservationStatus(status)

	var err error
	if r.AmountItems, err = market.ParseMoney(items); err != nil {
		return nil, err
	}
	if r.AmountShipping, err = market.ParseMoney(shipping); err != nil {
		return nil, err
	}
	if r.AmountTotal, err = market.ParseMoney(total); err != nil {
		return nil, err
	}
	if r.RefundedAmountTotal, err = market.ParseMoney(refundedTotal); err != nil {
		return nil, err
	}
	if r.HoldTimer, err = tc.decode(); err != nil {
		return nil, err
	}
	if r.ShippedAt, err = decodeTimePtr(shippedAt); err != nil {
		return nil, err
	}
	if r.DeliveredAt, err = decodeTimePtr(deliveredAt); err != nil {
		return nil, err
	}
	if r.ArrivalConfirmedAt, err = decodeTimePtr(arrivalAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if r.PaidAt, err = decodeTimePtr(paidAt); err != nil {
		return nil, err
	}
	if r.CancelledAt, err = decodeTimePtr(cancelledAt); err != nil {
		return nil, err
	}
	if r.ExpiredAt, err = decodeTimePtr(expiredAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(market.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetDeal(ctx context.Context, id market.DealID) (*market.Deal, error) {
	return getDeal(ctx, ts.tx, id)
}

func (ts *txStore) PutDeal(ctx context.Context, d *market.Deal) error {
	return putDeal(ctx, ts.tx, d)
}

func (ts *txStore) ListDealsByStatus(ctx context.Context, statuses ...market.DealStatus) ([]*market.Deal, error) {
	return listDeals(ctx, ts.tx, statuses)
}

func (ts *txStore) GetOffer(ctx context.Context, id market.OfferID) (*market.Offer, error) {
	return getOffer(ctx, ts.tx, id)
}

func (ts *txStore) PutOffer(ctx context.Context, o *market.Offer) error {
	return putOffer(ctx, ts.tx, o)
}

func (ts *txStore) ListOffersByDeal(ctx context.Context, dealID market.DealID) ([]*market.Offer, error) {
	return listOffersByDeal(ctx, ts.tx, dealID)
}

func (ts *txStore) ListOffersByStatus(ctx context.Context, statuses ...market.OfferStatus) ([]*market.Offer, error) {
	return listOffersByStatus(ctx, ts.tx, statuses)
}

func (ts *txStore) GetReservation(ctx context.Context, id market.ReservationID) (*market.Reservation, error) {
	return getReservation(ctx, ts.tx, id)
}

func (ts *txStore) PutReservation(ctx context.Context, r *market.Reservation) error {
	return putReservation(ctx, ts.tx, r)
}

func (ts *txStore) ListReservationsByOffer(ctx context.Context, offerID market.OfferID, statuses ...market.ReservationStatus) ([]*market.Reservation, error) {
	return listReservationsByOffer(ctx, ts.tx, offerID, statuses)
}

func (ts *txStore) ListReservationsByStatus(ctx context.Context, statuses ...market.ReservationStatus) ([]*market.Reservation, error) {
	return listReservationsByStatus(ctx, ts.tx, statuses)
}

// WithTx on a transactional store reuses the open transaction.
func (ts *txStore) WithTx(_ context.Context, fn func(market.Store) error) error {
	return fn(ts)
}

func placeholders(n int) string {
	switch n {
	case 0:
		return ""
	case 1:
		return "?"
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}
