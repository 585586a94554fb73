package customer

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Customer, error) {
	var c Customer
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, external_id, given_name, family_name, email, phone, created_at, updated_at
		 FROM customers WHERE external_id = ?`,
		externalID,
	).Scan(&c).Error
	if err != nil {
		return nil, err
	}
	if c.ID == 0 {
		return nil, nil
	}
	return &c, nil
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Customer, error) {
	var c Customer
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, external_id, given_name, family_name, email, phone, created_at, updated_at
		 FROM customers WHERE id = ?`,
		id,
	).Scan(&c).Error
	if err != nil {
		return nil, err
	}
	if c.ID == 0 {
		return nil, nil
	}
	return &c, nil
}

// Upsert applies the gap-fill merge in one statement: existing non-null
// values win, incoming non-null values fill what is still null. Commutative
// for disjoint field sets, so delivery order does not matter.
func (r *Repository) Upsert(ctx context.Context, db *gorm.DB, c *Customer) (*Customer, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO customers (id, org_id, external_id, given_name, family_name, email, phone, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_id) DO UPDATE SET
		   given_name = COALESCE(customers.given_name, excluded.given_name),
		   family_name = COALESCE(customers.family_name, excluded.family_name),
		   email = COALESCE(customers.email, excluded.email),
		   phone = COALESCE(customers.phone, excluded.phone),
		   updated_at = excluded.updated_at`,
		c.ID, c.OrgID, c.ExternalID, c.GivenName, c.FamilyName, c.Email, c.Phone, c.CreatedAt, c.UpdatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	return r.FindByExternalID(ctx, db, c.ExternalID)
}
