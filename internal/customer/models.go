package customer

import (
	"database/sql"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Customer is keyed by the upstream customer id, which is globally unique on
// the platform rather than per organization. PII fields follow "first write
// wins, later non-null fields fill gaps": stub rows created by the resolver
// carry null PII that real customer payloads fill in later.
type Customer struct {
	ID         snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID   `gorm:"not null;index" json:"organization_id"`
	ExternalID string         `gorm:"uniqueIndex;not null" json:"external_id"`
	GivenName  sql.NullString `json:"given_name,omitempty"`
	FamilyName sql.NullString `json:"family_name,omitempty"`
	Email      sql.NullString `json:"email,omitempty"`
	Phone      sql.NullString `json:"phone,omitempty"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
}

func (Customer) TableName() string { return "customers" }
