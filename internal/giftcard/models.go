package giftcard

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	ActivityActivate        = "ACTIVATE"
	ActivityLoad            = "LOAD"
	ActivityRedeem          = "REDEEM"
	ActivityAdjustIncrement = "ADJUST_INCREMENT"
	ActivityAdjustDecrement = "ADJUST_DECREMENT"
)

// GiftCard is keyed by (org, external gift-card id). BalanceCents is a
// cached projection over the card's transactions, never ground truth: it is
// recomputed from the transaction sum whenever an activity is appended.
type GiftCard struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID        snowflake.ID `gorm:"not null;uniqueIndex:idx_giftcards_org_external,priority:1" json:"organization_id"`
	ExternalID   string       `gorm:"not null;uniqueIndex:idx_giftcards_org_external,priority:2" json:"external_id"`
	State        string       `json:"state,omitempty"`
	BalanceCents int64        `gorm:"not null;default:0" json:"balance_cents"`
	Currency     string       `json:"currency,omitempty"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"not null" json:"updated_at"`
}

func (GiftCard) TableName() string { return "gift_cards" }

// Transaction is one gift-card activity, idempotent on the upstream activity
// id. AmountCents is signed: REDEEM and ADJUST_DECREMENT are stored negative.
type Transaction struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID `gorm:"not null;index" json:"organization_id"`
	GiftCardID  snowflake.ID `gorm:"not null;index" json:"gift_card_id"`
	ActivityID  string       `gorm:"uniqueIndex;not null" json:"activity_id"`
	Type        string       `gorm:"not null" json:"type"`
	AmountCents int64        `gorm:"not null" json:"amount_cents"`
	OccurredAt  time.Time    `gorm:"not null" json:"occurred_at"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
}

func (Transaction) TableName() string { return "gift_card_transactions" }

// SignedAmount applies the activity sign convention to a raw upstream amount.
func SignedAmount(activityType string, amountCents int64) int64 {
	if amountCents < 0 {
		amountCents = -amountCents
	}
	switch activityType {
	case ActivityRedeem, ActivityAdjustDecrement:
		return -amountCents
	default:
		return amountCents
	}
}
