package giftcard

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glosshouse/squaresync/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testOrg = snowflake.ID(1001)

func seedCard(t *testing.T, db *gorm.DB, node *snowflake.Node, now time.Time) *GiftCard {
	t.Helper()
	repo := NewRepository()
	card, err := repo.Upsert(context.Background(), db, &GiftCard{
		ID: node.Generate(), OrgID: testOrg, ExternalID: "GC1",
		State: "ACTIVE", Currency: "USD", CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	return card
}

func TestAppendTransactionDuplicateActivityIsNoOp(t *testing.T) {
	db := testdb.Open(t)
	repo := NewRepository()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	card := seedCard(t, db, node, now)

	mk := func() *Transaction {
		return &Transaction{
			ID: node.Generate(), OrgID: testOrg, GiftCardID: card.ID,
			ActivityID: "act-1", Type: ActivityLoad, AmountCents: 5000,
			OccurredAt: now, CreatedAt: now,
		}
	}
	inserted, err := repo.AppendTransaction(ctx, db, mk())
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.AppendTransaction(ctx, db, mk())
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := repo.FindByExternalID(ctx, db, testOrg, "GC1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.BalanceCents)

	txns, err := repo.ListTransactions(ctx, db, card.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestAppendTransactionRedeemIsNegative(t *testing.T) {
	db := testdb.Open(t)
	repo := NewRepository()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	card := seedCard(t, db, node, now)

	_, err = repo.AppendTransaction(ctx, db, &Transaction{
		ID: node.Generate(), OrgID: testOrg, GiftCardID: card.ID,
		ActivityID: "act-load", Type: ActivityLoad,
		AmountCents: SignedAmount(ActivityLoad, 5000),
		OccurredAt:  now, CreatedAt: now,
	})
	require.NoError(t, err)

	// REDEEM arrives with an unsigned amount; the sign convention applies.
	_, err = repo.AppendTransaction(ctx, db, &Transaction{
		ID: node.Generate(), OrgID: testOrg, GiftCardID: card.ID,
		ActivityID: "act-redeem", Type: ActivityRedeem,
		AmountCents: SignedAmount(ActivityRedeem, 1500),
		OccurredAt:  now.Add(time.Hour), CreatedAt: now,
	})
	require.NoError(t, err)

	got, err := repo.FindByExternalID(ctx, db, testOrg, "GC1")
	require.NoError(t, err)
	assert.Equal(t, int64(3500), got.BalanceCents)

	ledger, err := repo.Balance(ctx, db, card.ID)
	require.NoError(t, err)
	assert.Equal(t, got.BalanceCents, ledger)
}

func TestAppendTransactionOrderIndependentBalance(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	activities := []struct {
		id     string
		typ    string
		amount int64
		at     time.Time
	}{
		{"act-1", ActivityActivate, 10000, now},
		{"act-2", ActivityRedeem, 4000, now.Add(time.Hour)},
		{"act-3", ActivityAdjustDecrement, 500, now.Add(2 * time.Hour)},
	}

	run := func(t *testing.T, order []int) int64 {
		db := testdb.Open(t)
		repo := NewRepository()
		card := seedCard(t, db, node, now)
		for _, i := range order {
			a := activities[i]
			_, err := repo.AppendTransaction(ctx, db, &Transaction{
				ID: node.Generate(), OrgID: testOrg, GiftCardID: card.ID,
				ActivityID: a.id, Type: a.typ,
				AmountCents: SignedAmount(a.typ, a.amount),
				OccurredAt:  a.at, CreatedAt: now,
			})
			require.NoError(t, err)
		}
		got, err := repo.FindByExternalID(ctx, db, testOrg, "GC1")
		require.NoError(t, err)
		return got.BalanceCents
	}

	forward := run(t, []int{0, 1, 2})
	scrambled := run(t, []int{2, 0, 1})
	assert.Equal(t, int64(5500), forward)
	assert.Equal(t, forward, scrambled)
}

func TestUpsertDoesNotResetBalance(t *testing.T) {
	db := testdb.Open(t)
	repo := NewRepository()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	card := seedCard(t, db, node, now)

	_, err = repo.AppendTransaction(ctx, db, &Transaction{
		ID: node.Generate(), OrgID: testOrg, GiftCardID: card.ID,
		ActivityID: "act-1", Type: ActivityLoad, AmountCents: 2500,
		OccurredAt: now, CreatedAt: now,
	})
	require.NoError(t, err)

	// A later card snapshot carries its own balance figure; the cached
	// projection stays derived from the transaction log.
	refreshed, err := repo.Upsert(ctx, db, &GiftCard{
		ID: node.Generate(), OrgID: testOrg, ExternalID: "GC1",
		State: "DEACTIVATED", CreatedAt: now, UpdatedAt: now.Add(time.Minute),
	})
	require.NoError(t, err)

	assert.Equal(t, "DEACTIVATED", refreshed.State)
	assert.Equal(t, int64(2500), refreshed.BalanceCents)
}
