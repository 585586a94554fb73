package giftcard

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) FindByExternalID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, externalID string) (*GiftCard, error) {
	var gc GiftCard
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, external_id, state, balance_cents, currency, created_at, updated_at
		 FROM gift_cards WHERE org_id = ? AND external_id = ?`,
		orgID, externalID,
	).Scan(&gc).Error
	if err != nil {
		return nil, err
	}
	if gc.ID == 0 {
		return nil, nil
	}
	return &gc, nil
}

// Upsert creates or refreshes the card row. The upstream balance field is
// deliberately ignored here; only state and currency are merged.
func (r *Repository) Upsert(ctx context.Context, db *gorm.DB, gc *GiftCard) (*GiftCard, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO gift_cards (id, org_id, external_id, state, balance_cents, currency, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, external_id) DO UPDATE SET
		   state = CASE WHEN excluded.state <> '' THEN excluded.state ELSE gift_cards.state END,
		   currency = CASE WHEN excluded.currency <> '' THEN excluded.currency ELSE gift_cards.currency END,
		   updated_at = excluded.updated_at`,
		gc.ID, gc.OrgID, gc.ExternalID, gc.State, 0, gc.Currency, gc.CreatedAt, gc.UpdatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	return r.FindByExternalID(ctx, db, gc.OrgID, gc.ExternalID)
}

// AppendTransaction inserts an activity and recomputes the cached balance in
// the same database transaction. A duplicate activity id is a no-op and
// leaves the balance untouched. Returns whether a row was appended.
func (r *Repository) AppendTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) (bool, error) {
	inserted := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			`INSERT INTO gift_card_transactions (id, org_id, gift_card_id, activity_id, type, amount_cents, occurred_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (activity_id) DO NOTHING`,
			txn.ID, txn.OrgID, txn.GiftCardID, txn.ActivityID, txn.Type, txn.AmountCents, txn.OccurredAt, txn.CreatedAt,
		)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected > 0
		if !inserted {
			return nil
		}
		return tx.Exec(
			`UPDATE gift_cards
			 SET balance_cents = (SELECT COALESCE(SUM(amount_cents), 0) FROM gift_card_transactions WHERE gift_card_id = ?),
			     updated_at = ?
			 WHERE id = ?`,
			txn.GiftCardID, txn.CreatedAt, txn.GiftCardID,
		).Error
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// Balance recomputes the balance from the transaction log, bypassing the
// cached projection. Drift audits compare this against balance_cents.
func (r *Repository) Balance(ctx context.Context, db *gorm.DB, giftCardID snowflake.ID) (int64, error) {
	var row struct{ Total int64 }
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount_cents), 0) AS total FROM gift_card_transactions WHERE gift_card_id = ?`,
		giftCardID,
	).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	return row.Total, nil
}

func (r *Repository) ListTransactions(ctx context.Context, db *gorm.DB, giftCardID snowflake.ID) ([]Transaction, error) {
	var txns []Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, gift_card_id, activity_id, type, amount_cents, occurred_at, created_at
		 FROM gift_card_transactions WHERE gift_card_id = ? ORDER BY occurred_at, id`,
		giftCardID,
	).Scan(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

// Touch bumps updated_at, used after out-of-band reconciliation.
func (r *Repository) Touch(ctx context.Context, db *gorm.DB, giftCardID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE gift_cards SET updated_at = ? WHERE id = ?`, now, giftCardID,
	).Error
}
