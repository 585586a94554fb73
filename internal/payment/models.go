package payment

import (
	"database/sql"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	StatusApproved  = "APPROVED"
	StatusCompleted = "COMPLETED"
	StatusCanceled  = "CANCELED"
	StatusFailed    = "FAILED"
)

// Payment is keyed by (org, external payment id). The booking and staff
// links are populated by the deferred linker, not at ingestion: the payment
// event frequently arrives before the booking or the order's line items.
// Once set, a link is never cleared by a later event.
type Payment struct {
	ID                snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID             snowflake.ID   `gorm:"not null;uniqueIndex:idx_payments_org_external,priority:1" json:"organization_id"`
	ExternalID        string         `gorm:"not null;uniqueIndex:idx_payments_org_external,priority:2" json:"external_id"`
	OrderExternalID   sql.NullString `json:"order_external_id,omitempty"`
	OrderID           *snowflake.ID  `json:"order_id,omitempty"`
	CustomerID        *snowflake.ID  `json:"customer_id,omitempty"`
	LocationID        *snowflake.ID  `json:"location_id,omitempty"`
	BookingID         *snowflake.ID  `json:"booking_id,omitempty"`
	TechnicianID      *snowflake.ID  `json:"technician_id,omitempty"`
	AdministratorID   *snowflake.ID  `json:"administrator_id,omitempty"`
	LinkConfidence    sql.NullString `json:"link_confidence,omitempty"`
	Status            string         `gorm:"not null" json:"status"`
	AmountCents       int64          `gorm:"not null;default:0" json:"amount_cents"`
	TipCents          int64          `gorm:"not null;default:0" json:"tip_cents"`
	Currency          string         `json:"currency,omitempty"`
	UpstreamUpdatedAt sql.NullTime   `json:"upstream_updated_at,omitempty"`
	RawPayload        datatypes.JSON `json:"raw_payload,omitempty"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }
