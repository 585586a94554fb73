package organization

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

func (r *Repository) FindByMerchantID(ctx context.Context, db *gorm.DB, merchantID string) (*Organization, error) {
	var org Organization
	err := db.WithContext(ctx).Raw(
		`SELECT id, merchant_id, name, active, created_at, updated_at
		 FROM organizations WHERE merchant_id = ?`,
		merchantID,
	).Scan(&org).Error
	if err != nil {
		return nil, err
	}
	if org.ID == 0 {
		return nil, nil
	}
	return &org, nil
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Organization, error) {
	var org Organization
	err := db.WithContext(ctx).Raw(
		`SELECT id, merchant_id, name, active, created_at, updated_at
		 FROM organizations WHERE id = ?`,
		id,
	).Scan(&org).Error
	if err != nil {
		return nil, err
	}
	if org.ID == 0 {
		return nil, nil
	}
	return &org, nil
}

// FindSingleActive returns the only active organization, or nil when the
// deployment has zero or more than one. Used as the last resolution fallback
// in single-tenant deployments.
func (r *Repository) FindSingleActive(ctx context.Context, db *gorm.DB) (*Organization, error) {
	var orgs []Organization
	err := db.WithContext(ctx).Raw(
		`SELECT id, merchant_id, name, active, created_at, updated_at
		 FROM organizations WHERE active LIMIT 2`,
	).Scan(&orgs).Error
	if err != nil {
		return nil, err
	}
	if len(orgs) != 1 {
		return nil, nil
	}
	return &orgs[0], nil
}

func (r *Repository) Insert(ctx context.Context, db *gorm.DB, org *Organization) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO organizations (id, merchant_id, name, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (merchant_id) DO NOTHING`,
		org.ID, org.MerchantID, org.Name, org.Active, org.CreatedAt, org.UpdatedAt,
	).Error
}

func (r *Repository) SetActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organizations SET active = ?, updated_at = ? WHERE id = ?`,
		active, now, id,
	).Error
}

func (r *Repository) FindLocation(ctx context.Context, db *gorm.DB, orgID snowflake.ID, externalID string) (*Location, error) {
	var loc Location
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, external_id, name, timezone, needs_backfill, created_at, updated_at
		 FROM locations WHERE org_id = ? AND external_id = ?`,
		orgID, externalID,
	).Scan(&loc).Error
	if err != nil {
		return nil, err
	}
	if loc.ID == 0 {
		return nil, nil
	}
	return &loc, nil
}

// FindOrgByLocationExternalID resolves tenancy from a bare location id, for
// events that omit the merchant id.
func (r *Repository) FindOrgByLocationExternalID(ctx context.Context, db *gorm.DB, externalID string) (snowflake.ID, error) {
	var row struct{ OrgID snowflake.ID }
	err := db.WithContext(ctx).Raw(
		`SELECT org_id FROM locations WHERE external_id = ? LIMIT 1`,
		externalID,
	).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	return row.OrgID, nil
}

// EnsureLocation inserts a stub when the location is unknown, otherwise
// returns the existing row untouched. Single statement so concurrent events
// racing on the same location cannot double-insert.
func (r *Repository) EnsureLocation(ctx context.Context, db *gorm.DB, stub *Location) (*Location, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO locations (id, org_id, external_id, name, timezone, needs_backfill, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, external_id) DO NOTHING`,
		stub.ID, stub.OrgID, stub.ExternalID, stub.Name, stub.Timezone, stub.NeedsBackfill, stub.CreatedAt, stub.UpdatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	return r.FindLocation(ctx, db, stub.OrgID, stub.ExternalID)
}

// RepairLocation overwrites a stub's placeholder fields with upstream data.
func (r *Repository) RepairLocation(ctx context.Context, db *gorm.DB, orgID snowflake.ID, externalID, name, timezone string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE locations SET name = ?, timezone = ?, needs_backfill = ?, updated_at = ?
		 WHERE org_id = ? AND external_id = ?`,
		name, timezone, false, now, orgID, externalID,
	).Error
}

func (r *Repository) ListLocationsNeedingBackfill(ctx context.Context, db *gorm.DB, limit int) ([]Location, error) {
	var locs []Location
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, external_id, name, timezone, needs_backfill, created_at, updated_at
		 FROM locations WHERE needs_backfill ORDER BY created_at LIMIT ?`,
		limit,
	).Scan(&locs).Error
	if err != nil {
		return nil, err
	}
	return locs, nil
}

func (r *Repository) FindStaffByExternalID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, externalID string) (*StaffMember, error) {
	var staff StaffMember
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, external_id, display_name, email, role, active, created_at, updated_at
		 FROM staff_members WHERE org_id = ? AND external_id = ?`,
		orgID, externalID,
	).Scan(&staff).Error
	if err != nil {
		return nil, err
	}
	if staff.ID == 0 {
		return nil, nil
	}
	return &staff, nil
}

func (r *Repository) ListActiveStaff(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]StaffMember, error) {
	var staff []StaffMember
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, external_id, display_name, email, role, active, created_at, updated_at
		 FROM staff_members WHERE org_id = ? AND active`,
		orgID,
	).Scan(&staff).Error
	if err != nil {
		return nil, err
	}
	return staff, nil
}

// UpsertStaff is used by backfill; webhook ingestion never creates staff.
func (r *Repository) UpsertStaff(ctx context.Context, db *gorm.DB, staff *StaffMember) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO staff_members (id, org_id, external_id, display_name, email, role, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, external_id) DO UPDATE SET
		   display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE staff_members.display_name END,
		   email = CASE WHEN excluded.email <> '' THEN excluded.email ELSE staff_members.email END,
		   role = excluded.role,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		staff.ID, staff.OrgID, staff.ExternalID, staff.DisplayName, staff.Email, staff.Role, staff.Active, staff.CreatedAt, staff.UpdatedAt,
	).Error
}
