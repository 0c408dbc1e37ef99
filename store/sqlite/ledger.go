/*
ledger.go - SQLite-backed point ledger and audit event log

Both tables are append-only; retries are absorbed by the UNIQUE
idempotency key instead of read-check-write.
*/
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/deal-engine/audit"
	"github.com/warp/deal-engine/points"
)

// =============================================================================
// POINT LEDGER
// =============================================================================

// AppendPoints inserts one point transaction. A duplicate idempotency key
// maps to points.ErrDuplicateIdempotencyKey.
func (s *Store) AppendPoints(ctx context.Context, tx points.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO point_transactions
		(id, account_type, account_id, amount, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, string(tx.AccountType), tx.AccountID, tx.Amount, tx.Reason,
		nullEmpty(tx.IdempotencyKey), encodeTime(tx.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return points.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append point transaction: %w", err)
	}
	return nil
}

// PointsBalance sums an account's transactions.
func (s *Store) PointsBalance(ctx context.Context, at points.AccountType, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM point_transactions
		WHERE account_type = ? AND account_id = ?`,
		string(at), accountID).Scan(&balance)
	return balance, err
}

// PointsHistory returns an account's transactions in append order.
func (s *Store) PointsHistory(ctx context.Context, at points.AccountType, accountID string) ([]points.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_type, account_id, amount, reason, COALESCE(idempotency_key, ''), created_at
		FROM point_transactions
		WHERE account_type = ? AND account_id = ?
		ORDER BY created_at, id`,
		string(at), accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []points.Transaction
	for rows.Next() {
		var tx points.Transaction
		var accountType, createdAt string
		if err := rows.Scan(&tx.ID, &accountType, &tx.AccountID, &tx.Amount, &tx.Reason, &tx.IdempotencyKey, &createdAt); err != nil {
			return nil, err
		}
		tx.AccountType = points.AccountType(accountType)
		if tx.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// PointLedger adapts the store to the points.Ledger interface.
type PointLedger struct {
	store *Store
}

func (s *Store) Points() *PointLedger { return &PointLedger{store: s} }

func (l *PointLedger) Append(ctx context.Context, tx points.Transaction) error {
	return l.store.AppendPoints(ctx, tx)
}

func (l *PointLedger) Balance(ctx context.Context, at points.AccountType, accountID string) (int64, error) {
	return l.store.PointsBalance(ctx, at, accountID)
}

func (l *PointLedger) History(ctx context.Context, at points.AccountType, accountID string) ([]points.Transaction, error) {
	return l.store.PointsHistory(ctx, at, accountID)
}

// =============================================================================
// AUDIT EVENT LOG
// =============================================================================

// EventLog adapts the store to the audit.Recorder interface. A replayed
// idempotency key is dropped silently, matching the in-memory recorder.
type EventLog struct {
	store *Store
}

func (s *Store) Events() *EventLog { return &EventLog{store: s} }

func (l *EventLog) Record(ctx context.Context, e audit.Event) error {
	var payload any
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
		payload = string(b)
	}
	_, err := l.store.db.ExecContext(ctx, `
		INSERT INTO events (idempotency_key, type, entity_id, at, payload_json)
		VALUES (?, ?, ?, ?, ?)`,
		e.IdempotencyKey, string(e.Type), e.EntityID, encodeTime(e.At), payload)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
