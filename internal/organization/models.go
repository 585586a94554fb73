package organization

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Organization is the tenant root, keyed by the upstream merchant id.
// Immutable once created except for the activation flag.
type Organization struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	MerchantID string       `gorm:"uniqueIndex;not null" json:"merchant_id"`
	Name       string       `gorm:"not null" json:"name"`
	Active     bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt  time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null" json:"updated_at"`
}

func (Organization) TableName() string { return "organizations" }

// Location belongs to exactly one Organization. Stub rows are created on
// first reference with NeedsBackfill set so the backfill job can repair the
// placeholder name from the upstream platform.
type Location struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID `gorm:"not null;uniqueIndex:idx_locations_org_external,priority:1" json:"organization_id"`
	ExternalID    string       `gorm:"not null;uniqueIndex:idx_locations_org_external,priority:2" json:"external_id"`
	Name          string       `gorm:"not null" json:"name"`
	Timezone      string       `json:"timezone,omitempty"`
	NeedsBackfill bool         `gorm:"not null;default:false" json:"needs_backfill"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"not null" json:"updated_at"`
}

func (Location) TableName() string { return "locations" }

const (
	StaffRoleTechnician    = "technician"
	StaffRoleAdministrator = "administrator"
)

// StaffMember is looked up but never stub-created: an unresolved staff
// reference is a linking gap to retry, not a new entity.
type StaffMember struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID `gorm:"not null;uniqueIndex:idx_staff_org_external,priority:1" json:"organization_id"`
	ExternalID  string       `gorm:"not null;uniqueIndex:idx_staff_org_external,priority:2" json:"external_id"`
	DisplayName string       `gorm:"not null" json:"display_name"`
	Email       string       `json:"email,omitempty"`
	Role        string       `gorm:"not null;default:technician" json:"role"`
	Active      bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

func (StaffMember) TableName() string { return "staff_members" }
