package booking

import (
	"database/sql"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	StatusPending   = "PENDING"
	StatusAccepted  = "ACCEPTED"
	StatusDeclined  = "DECLINED"
	StatusCanceled  = "CANCELLED_BY_CUSTOMER"
	StatusNoShow    = "NO_SHOW"
	StatusCompleted = "COMPLETED"
)

// Booking is keyed by (org, external booking id). A multi-segment upstream
// booking is one row with child Segment rows rather than a synthetic
// composite key, so segment reordering cannot collide keys.
type Booking struct {
	ID         snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID   `gorm:"not null;uniqueIndex:idx_bookings_org_external,priority:1" json:"organization_id"`
	ExternalID string         `gorm:"not null;uniqueIndex:idx_bookings_org_external,priority:2" json:"external_id"`
	LocationID *snowflake.ID  `json:"location_id,omitempty"`
	CustomerID *snowflake.ID  `json:"customer_id,omitempty"`
	Status     string         `gorm:"not null;default:PENDING" json:"status"`
	Version    int64          `gorm:"not null;default:0" json:"version"`
	StartAt    sql.NullTime   `json:"start_at,omitempty"`
	RawPayload datatypes.JSON `json:"raw_payload,omitempty"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
}

func (Booking) TableName() string { return "bookings" }

// Segment is one appointment segment of a Booking.
type Segment struct {
	ID                 snowflake.ID  `gorm:"primaryKey" json:"id"`
	OrgID              snowflake.ID  `gorm:"not null;index" json:"organization_id"`
	BookingID          snowflake.ID  `gorm:"not null;uniqueIndex:idx_segments_booking_index,priority:1" json:"booking_id"`
	SegmentIndex       int           `gorm:"not null;uniqueIndex:idx_segments_booking_index,priority:2" json:"segment_index"`
	ServiceVariationID string        `json:"service_variation_id,omitempty"`
	StaffExternalID    string        `json:"staff_external_id,omitempty"`
	StaffID            *snowflake.ID `json:"staff_id,omitempty"`
	DurationMinutes    int64         `gorm:"not null;default:0" json:"duration_minutes"`
	CreatedAt          time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time     `gorm:"not null" json:"updated_at"`
}

func (Segment) TableName() string { return "booking_segments" }

// Candidate is a booking match produced by the deferred linker search,
// carrying the fields the nearest-neighbor tie break needs.
type Candidate struct {
	BookingID       snowflake.ID
	StaffID         *snowflake.ID
	StaffExternalID string
	StartAt         time.Time
}
