/*
Package points is the append-only reward-point ledger.

PURPOSE:
  Payments, acceptances, refunds, and withdrawal penalties all move buyer
  or seller points. Every movement is an immutable ledger entry; balance
  is always computed by replay, never stored.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no update, no delete. Corrections are new entries.
  2. IDEMPOTENT: each entry carries an idempotency key; replaying the same
     logical award is rejected with ErrDuplicateIdempotencyKey, which
     callers treat as success.

KEY SCHEME (deterministic, one per logical event):
  pt:paid:<reservation>            buyer award on payment
  pt:refund:<reservation>          buyer revocation on full cancellation
  pt:seller:accept:<offer>         seller award on acceptance
  pt:seller:withdraw:<offer>       seller penalty on withdrawal
*/
package points

import (
	"context"
	"errors"
	"sync"
	"time"
)

// =============================================================================
// TRANSACTION
// =============================================================================

type AccountType string

const (
	AccountBuyer  AccountType = "buyer"
	AccountSeller AccountType = "seller"
)

type Transaction struct {
	ID             string
	AccountType    AccountType
	AccountID      string
	Amount         int64 // signed: awards positive, revocations negative
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// ErrDuplicateIdempotencyKey is returned when the same logical award is
// appended twice. Expected under retries; callers no-op on it.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// Ledger persists point transactions. Append-only.
type Ledger interface {
	Append(ctx context.Context, tx Transaction) error
	Balance(ctx context.Context, at AccountType, accountID string) (int64, error)
	History(ctx context.Context, at AccountType, accountID string) ([]Transaction, error)
}

// =============================================================================
// MEMORY LEDGER
// =============================================================================

type account struct {
	Type AccountType
	ID   string
}

// Memory is the in-process Ledger used by tests and the dev server.
type Memory struct {
	mu          sync.RWMutex
	entries     map[account][]Transaction
	idempotency map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		entries:     make(map[account][]Transaction),
		idempotency: make(map[string]struct{}),
	}
}

func (m *Memory) Append(_ context.Context, tx Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if _, dup := m.idempotency[tx.IdempotencyKey]; dup {
			return ErrDuplicateIdempotencyKey
		}
		m.idempotency[tx.IdempotencyKey] = struct{}{}
	}
	k := account{tx.AccountType, tx.AccountID}
	m.entries[k] = append(m.entries[k], tx)
	return nil
}

func (m *Memory) Balance(_ context.Context, at AccountType, accountID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, tx := range m.entries[account{at, accountID}] {
		total += tx.Amount
	}
	return total, nil
}

func (m *Memory) History(_ context.Context, at AccountType, accountID string) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.entries[account{at, accountID}]
	out := make([]Transaction, len(src))
	copy(out, src)
	return out, nil
}
