package order

import (
	"database/sql"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	StateOpen      = "OPEN"
	StateCompleted = "COMPLETED"
	StateCanceled  = "CANCELED"
	StateDraft     = "DRAFT"
)

// Order is keyed by (org, external order id). State and totals follow the
// upstream version counter: an update with a lower version never overwrites
// them. Identity references (location, customer) only fill gaps.
type Order struct {
	ID                snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID             snowflake.ID   `gorm:"not null;uniqueIndex:idx_orders_org_external,priority:1" json:"organization_id"`
	ExternalID        string         `gorm:"not null;uniqueIndex:idx_orders_org_external,priority:2" json:"external_id"`
	LocationID        *snowflake.ID  `json:"location_id,omitempty"`
	CustomerID        *snowflake.ID  `json:"customer_id,omitempty"`
	State             string         `gorm:"not null;default:OPEN" json:"state"`
	Version           int64          `gorm:"not null;default:0" json:"version"`
	TotalCents        int64          `gorm:"not null;default:0" json:"total_cents"`
	Currency          string         `json:"currency,omitempty"`
	CreatedAtUpstream sql.NullTime   `json:"created_at_upstream,omitempty"`
	RawPayload        datatypes.JSON `json:"raw_payload,omitempty"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null" json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

// LineItem carries a denormalized snapshot of the order-level total at write
// time, intentionally, so line-item reporting does not join back to a
// possibly-since-changed order. Upstream line-item uids are optional: rows
// without one are always inserted as new.
type LineItem struct {
	ID                 snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID              snowflake.ID   `gorm:"not null;index" json:"organization_id"`
	OrderID            snowflake.ID   `gorm:"not null;index" json:"order_id"`
	UID                sql.NullString `json:"uid,omitempty"`
	Name               string         `json:"name,omitempty"`
	Note               sql.NullString `json:"note,omitempty"`
	Quantity           string         `gorm:"not null;default:1" json:"quantity"`
	ServiceVariationID sql.NullString `json:"service_variation_id,omitempty"`
	AmountCents        int64          `gorm:"not null;default:0" json:"amount_cents"`
	Currency           string         `json:"currency,omitempty"`
	OrderTotalCents    int64          `gorm:"not null;default:0" json:"order_total_cents"`
	TechnicianID       *snowflake.ID  `json:"technician_id,omitempty"`
	AdministratorID    *snowflake.ID  `json:"administrator_id,omitempty"`
	LinkConfidence     sql.NullString `json:"link_confidence,omitempty"`
	CreatedAt          time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null" json:"updated_at"`
}

func (LineItem) TableName() string { return "order_line_items" }
