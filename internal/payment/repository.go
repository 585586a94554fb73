package payment

import (
	"context"
	"database/sql"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const paymentColumns = `id, org_id, external_id, order_external_id, order_id, customer_id, location_id,
	booking_id, technician_id, administrator_id, link_confidence, status, amount_cents, tip_cents,
	currency, upstream_updated_at, raw_payload, created_at, updated_at`

func (r *Repository) FindByExternalID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, externalID string) (*Payment, error) {
	var p Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments WHERE org_id = ? AND external_id = ?`,
		orgID, externalID,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error) {
	var p Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

// Upsert merges a payment row. Payments carry no upstream version counter,
// so volatile fields are guarded on the upstream updated-at timestamp
// instead; identity and link references only ever fill gaps.
func (r *Repository) Upsert(ctx context.Context, db *gorm.DB, p *Payment) (*Payment, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO payments (id, org_id, external_id, order_external_id, order_id, customer_id, location_id,
		                       booking_id, technician_id, administrator_id, link_confidence, status, amount_cents,
		                       tip_cents, currency, upstream_updated_at, raw_payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, external_id) DO UPDATE SET
		   order_external_id = COALESCE(payments.order_external_id, excluded.order_external_id),
		   order_id = COALESCE(payments.order_id, excluded.order_id),
		   customer_id = COALESCE(payments.customer_id, excluded.customer_id),
		   location_id = COALESCE(payments.location_id, excluded.location_id),
		   booking_id = COALESCE(payments.booking_id, excluded.booking_id),
		   technician_id = COALESCE(payments.technician_id, excluded.technician_id),
		   administrator_id = COALESCE(payments.administrator_id, excluded.administrator_id),
		   link_confidence = COALESCE(payments.link_confidence, excluded.link_confidence),
		   status = CASE WHEN payments.upstream_updated_at IS NULL OR excluded.upstream_updated_at >= payments.upstream_updated_at
		                 THEN excluded.status ELSE payments.status END,
		   amount_cents = CASE WHEN payments.upstream_updated_at IS NULL OR excluded.upstream_updated_at >= payments.upstream_updated_at
		                 THEN excluded.amount_cents ELSE payments.amount_cents END,
		   tip_cents = CASE WHEN payments.upstream_updated_at IS NULL OR excluded.upstream_updated_at >= payments.upstream_updated_at
		                 THEN excluded.tip_cents ELSE payments.tip_cents END,
		   currency = CASE WHEN excluded.currency <> '' THEN excluded.currency ELSE payments.currency END,
		   raw_payload = CASE WHEN payments.upstream_updated_at IS NULL OR excluded.upstream_updated_at >= payments.upstream_updated_at
		                 THEN excluded.raw_payload ELSE payments.raw_payload END,
		   upstream_updated_at = CASE WHEN payments.upstream_updated_at IS NULL OR excluded.upstream_updated_at >= payments.upstream_updated_at
		                 THEN excluded.upstream_updated_at ELSE payments.upstream_updated_at END,
		   updated_at = excluded.updated_at`,
		p.ID, p.OrgID, p.ExternalID, p.OrderExternalID, p.OrderID, p.CustomerID, p.LocationID,
		p.BookingID, p.TechnicianID, p.AdministratorID, p.LinkConfidence, p.Status, p.AmountCents,
		p.TipCents, p.Currency, p.UpstreamUpdatedAt, p.RawPayload, p.CreatedAt, p.UpdatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	return r.FindByExternalID(ctx, db, p.OrgID, p.ExternalID)
}

// SetOrderLink backfills the internal order reference once the order row
// exists. Write-once: an already linked payment is left alone.
func (r *Repository) SetOrderLink(ctx context.Context, db *gorm.DB, paymentID, orderID snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments SET order_id = ?, updated_at = ? WHERE id = ? AND order_id IS NULL`,
		orderID, now, paymentID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetBookingLink writes the deferred booking/staff link with its confidence.
// Write-once for the same reason the linker runs most-specific-first: a
// low-confidence match written early could never be corrected later.
func (r *Repository) SetBookingLink(ctx context.Context, db *gorm.DB, paymentID, bookingID snowflake.ID, technicianID, administratorID *snowflake.ID, confidence string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET booking_id = ?,
		     technician_id = COALESCE(technician_id, ?),
		     administrator_id = COALESCE(administrator_id, ?),
		     link_confidence = ?,
		     updated_at = ?
		 WHERE id = ? AND booking_id IS NULL`,
		bookingID, technicianID, administratorID, sql.NullString{String: confidence, Valid: confidence != ""}, now, paymentID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
