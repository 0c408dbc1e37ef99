package points_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/deal-engine/points"
)

func tx(account, key string, amount int64) points.Transaction {
	return points.Transaction{
		ID:             key,
		AccountType:    points.AccountBuyer,
		AccountID:      account,
		Amount:         amount,
		IdempotencyKey: key,
		CreatedAt:      time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestMemory_BalanceIsReplayOfEntries(t *testing.T) {
	ctx := context.Background()
	m := points.NewMemory()

	require.NoError(t, m.Append(ctx, tx("b1", "pt:paid:r1", 20)))
	require.NoError(t, m.Append(ctx, tx("b1", "pt:paid:r2", 20)))
	require.NoError(t, m.Append(ctx, tx("b1", "pt:refund:r1", -20)))

	b, err := m.Balance(ctx, points.AccountBuyer, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), b)

	// Accounts are keyed by type and id together.
	b, err = m.Balance(ctx, points.AccountSeller, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b)
}

func TestMemory_DuplicateIdempotencyKeyRejected(t *testing.T) {
	ctx := context.Background()
	m := points.NewMemory()

	require.NoError(t, m.Append(ctx, tx("b1", "pt:paid:r1", 20)))
	err := m.Append(ctx, tx("b1", "pt:paid:r1", 20))
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)

	b, err := m.Balance(ctx, points.AccountBuyer, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), b, "the replay must not double-count")
}

func TestMemory_HistoryReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := points.NewMemory()
	require.NoError(t, m.Append(ctx, tx("b1", "pt:paid:r1", 20)))

	h, err := m.History(ctx, points.AccountBuyer, "b1")
	require.NoError(t, err)
	require.Len(t, h, 1)
	h[0].Amount = 999

	again, err := m.History(ctx, points.AccountBuyer, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), again[0].Amount)
}
