package booking

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

const bookingColumns = `id, org_id, external_id, location_id, customer_id, status, version,
	start_at, raw_payload, created_at, updated_at`

func (r *Repository) FindByExternalID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, externalID string) (*Booking, error) {
	var b Booking
	err := db.WithContext(ctx).Raw(
		`SELECT `+bookingColumns+` FROM bookings WHERE org_id = ? AND external_id = ?`,
		orgID, externalID,
	).Scan(&b).Error
	if err != nil {
		return nil, err
	}
	if b.ID == 0 {
		return nil, nil
	}
	return &b, nil
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Booking, error) {
	var b Booking
	err := db.WithContext(ctx).Raw(
		`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id,
	).Scan(&b).Error
	if err != nil {
		return nil, err
	}
	if b.ID == 0 {
		return nil, nil
	}
	return &b, nil
}

func (r *Repository) FindOrgByExternalID(ctx context.Context, db *gorm.DB, externalID string) (snowflake.ID, error) {
	var row struct{ OrgID snowflake.ID }
	err := db.WithContext(ctx).Raw(
		`SELECT org_id FROM bookings WHERE external_id = ? LIMIT 1`,
		externalID,
	).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	return row.OrgID, nil
}

// Upsert merges a booking row: identity references fill gaps, status and
// schedule fields are latest-wins on the upstream version counter.
func (r *Repository) Upsert(ctx context.Context, db *gorm.DB, b *Booking) (*Booking, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO bookings (id, org_id, external_id, location_id, customer_id, status, version,
		                       start_at, raw_payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, external_id) DO UPDATE SET
		   location_id = COALESCE(excluded.location_id, bookings.location_id),
		   customer_id = COALESCE(excluded.customer_id, bookings.customer_id),
		   status = CASE WHEN excluded.version >= bookings.version THEN excluded.status ELSE bookings.status END,
		   start_at = CASE WHEN excluded.version >= bookings.version THEN COALESCE(excluded.start_at, bookings.start_at) ELSE bookings.start_at END,
		   raw_payload = CASE WHEN excluded.version >= bookings.version THEN excluded.raw_payload ELSE bookings.raw_payload END,
		   version = CASE WHEN excluded.version >= bookings.version THEN excluded.version ELSE bookings.version END,
		   updated_at = excluded.updated_at`,
		b.ID, b.OrgID, b.ExternalID, b.LocationID, b.CustomerID, b.Status, b.Version,
		b.StartAt, b.RawPayload, b.CreatedAt, b.UpdatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	return r.FindByExternalID(ctx, db, b.OrgID, b.ExternalID)
}

// ReplaceSegments rewrites the child segment rows. Callers only invoke this
// when their event's version won the booking upsert, so a stale event never
// clobbers newer segments.
func (r *Repository) ReplaceSegments(ctx context.Context, db *gorm.DB, bookingID snowflake.ID, segments []Segment) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`DELETE FROM booking_segments WHERE booking_id = ?`, bookingID).Error; err != nil {
			return err
		}
		for i := range segments {
			seg := &segments[i]
			if err := tx.Exec(
				`INSERT INTO booking_segments (id, org_id, booking_id, segment_index, service_variation_id,
				                               staff_external_id, staff_id, duration_minutes, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				seg.ID, seg.OrgID, seg.BookingID, seg.SegmentIndex, seg.ServiceVariationID,
				seg.StaffExternalID, seg.StaffID, seg.DurationMinutes, seg.CreatedAt, seg.UpdatedAt,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) ListSegments(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) ([]Segment, error) {
	var segments []Segment
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, booking_id, segment_index, service_variation_id, staff_external_id,
		        staff_id, duration_minutes, created_at, updated_at
		 FROM booking_segments WHERE booking_id = ? ORDER BY segment_index`,
		bookingID,
	).Scan(&segments).Error
	if err != nil {
		return nil, err
	}
	return segments, nil
}

// SearchCandidatesByService finds bookings for the same customer whose
// segments reference the given service variation inside the time window.
// Location narrows the search when known.
func (r *Repository) SearchCandidatesByService(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, locationID *snowflake.ID, serviceVariationID string, from, to time.Time) ([]Candidate, error) {
	query := `SELECT b.id AS booking_id, s.staff_id, s.staff_external_id, b.start_at
	          FROM bookings b
	          JOIN booking_segments s ON s.booking_id = b.id
	          WHERE b.org_id = ? AND b.customer_id = ? AND s.service_variation_id = ?
	            AND b.start_at >= ? AND b.start_at <= ?`
	args := []any{orgID, customerID, serviceVariationID, from, to}
	if locationID != nil {
		query += ` AND b.location_id = ?`
		args = append(args, *locationID)
	}

	var candidates []Candidate
	err := db.WithContext(ctx).Raw(query, args...).Scan(&candidates).Error
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// SearchCandidatesByCustomer is the low-confidence fallback: same customer
// and window, service ignored.
func (r *Repository) SearchCandidatesByCustomer(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, locationID *snowflake.ID, from, to time.Time) ([]Candidate, error) {
	query := `SELECT b.id AS booking_id, NULL AS staff_id, '' AS staff_external_id, b.start_at
	          FROM bookings b
	          WHERE b.org_id = ? AND b.customer_id = ?
	            AND b.start_at >= ? AND b.start_at <= ?`
	args := []any{orgID, customerID, from, to}
	if locationID != nil {
		query += ` AND b.location_id = ?`
		args = append(args, *locationID)
	}

	var candidates []Candidate
	err := db.WithContext(ctx).Raw(query, args...).Scan(&candidates).Error
	if err != nil {
		return nil, err
	}
	return candidates, nil
}
