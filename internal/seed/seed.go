// Package seed bootstraps the tenant row for deployments configured with a
// fixed merchant id, so ingestion works before the first webhook arrives.
package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glosshouse/squaresync/internal/organization"
	"gorm.io/gorm"
)

// EnsureOrganization inserts the organization for merchantID when no row
// exists yet. Safe to call on every startup.
func EnsureOrganization(db *gorm.DB, merchantID, name string) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return errors.New("seed merchant id is required")
	}
	if strings.TrimSpace(name) == "" {
		name = "Main"
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	repo := organization.NewRepository()
	existing, err := repo.FindByMerchantID(ctx, db, merchantID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	now := time.Now().UTC()
	return repo.Insert(ctx, db, &organization.Organization{
		ID:         node.Generate(),
		MerchantID: merchantID,
		Name:       name,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}
