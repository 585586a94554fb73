package order

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

const orderColumns = `id, org_id, external_id, location_id, customer_id, state, version,
	total_cents, currency, created_at_upstream, raw_payload, created_at, updated_at`

func (r *Repository) FindByExternalID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, externalID string) (*Order, error) {
	var o Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders WHERE org_id = ? AND external_id = ?`,
		orgID, externalID,
	).Scan(&o).Error
	if err != nil {
		return nil, err
	}
	if o.ID == 0 {
		return nil, nil
	}
	return &o, nil
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error) {
	var o Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id,
	).Scan(&o).Error
	if err != nil {
		return nil, err
	}
	if o.ID == 0 {
		return nil, nil
	}
	return &o, nil
}

// FindOrgByExternalID resolves tenancy from a sibling order row that a prior
// event already established.
func (r *Repository) FindOrgByExternalID(ctx context.Context, db *gorm.DB, externalID string) (snowflake.ID, error) {
	var row struct{ OrgID snowflake.ID }
	err := db.WithContext(ctx).Raw(
		`SELECT org_id FROM orders WHERE external_id = ? LIMIT 1`,
		externalID,
	).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	return row.OrgID, nil
}

// Upsert applies the non-destructive merge in a single statement. Identity
// references fill gaps; state, totals and the raw snapshot are latest-wins
// keyed on the upstream version counter, never on arrival order.
func (r *Repository) Upsert(ctx context.Context, db *gorm.DB, o *Order) (*Order, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO orders (id, org_id, external_id, location_id, customer_id, state, version,
		                     total_cents, currency, created_at_upstream, raw_payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, external_id) DO UPDATE SET
		   location_id = COALESCE(excluded.location_id, orders.location_id),
		   customer_id = COALESCE(excluded.customer_id, orders.customer_id),
		   created_at_upstream = COALESCE(orders.created_at_upstream, excluded.created_at_upstream),
		   currency = CASE WHEN excluded.currency <> '' THEN excluded.currency ELSE orders.currency END,
		   state = CASE WHEN excluded.version >= orders.version THEN excluded.state ELSE orders.state END,
		   total_cents = CASE WHEN excluded.version >= orders.version THEN excluded.total_cents ELSE orders.total_cents END,
		   raw_payload = CASE WHEN excluded.version >= orders.version THEN excluded.raw_payload ELSE orders.raw_payload END,
		   version = CASE WHEN excluded.version >= orders.version THEN excluded.version ELSE orders.version END,
		   updated_at = excluded.updated_at`,
		o.ID, o.OrgID, o.ExternalID, o.LocationID, o.CustomerID, o.State, o.Version,
		o.TotalCents, o.Currency, o.CreatedAtUpstream, o.RawPayload, o.CreatedAt, o.UpdatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	return r.FindByExternalID(ctx, db, o.OrgID, o.ExternalID)
}

const lineItemColumns = `id, org_id, order_id, uid, name, note, quantity, service_variation_id,
	amount_cents, currency, order_total_cents, technician_id, administrator_id, link_confidence,
	created_at, updated_at`

// UpsertLineItem merges on (org, uid) when the upstream uid is present and
// always inserts otherwise. Existing staff links are never cleared.
func (r *Repository) UpsertLineItem(ctx context.Context, db *gorm.DB, li *LineItem) error {
	if !li.UID.Valid {
		return db.WithContext(ctx).Exec(
			`INSERT INTO order_line_items (id, org_id, order_id, uid, name, note, quantity, service_variation_id,
			                               amount_cents, currency, order_total_cents, technician_id, administrator_id,
			                               link_confidence, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			li.ID, li.OrgID, li.OrderID, li.UID, li.Name, li.Note, li.Quantity, li.ServiceVariationID,
			li.AmountCents, li.Currency, li.OrderTotalCents, li.TechnicianID, li.AdministratorID,
			li.LinkConfidence, li.CreatedAt, li.UpdatedAt,
		).Error
	}

	return db.WithContext(ctx).Exec(
		`INSERT INTO order_line_items (id, org_id, order_id, uid, name, note, quantity, service_variation_id,
		                               amount_cents, currency, order_total_cents, technician_id, administrator_id,
		                               link_confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, uid) WHERE uid IS NOT NULL DO UPDATE SET
		   name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE order_line_items.name END,
		   note = COALESCE(excluded.note, order_line_items.note),
		   quantity = excluded.quantity,
		   service_variation_id = COALESCE(excluded.service_variation_id, order_line_items.service_variation_id),
		   amount_cents = excluded.amount_cents,
		   currency = CASE WHEN excluded.currency <> '' THEN excluded.currency ELSE order_line_items.currency END,
		   order_total_cents = excluded.order_total_cents,
		   technician_id = COALESCE(order_line_items.technician_id, excluded.technician_id),
		   administrator_id = COALESCE(order_line_items.administrator_id, excluded.administrator_id),
		   link_confidence = COALESCE(order_line_items.link_confidence, excluded.link_confidence),
		   updated_at = excluded.updated_at`,
		li.ID, li.OrgID, li.OrderID, li.UID, li.Name, li.Note, li.Quantity, li.ServiceVariationID,
		li.AmountCents, li.Currency, li.OrderTotalCents, li.TechnicianID, li.AdministratorID,
		li.LinkConfidence, li.CreatedAt, li.UpdatedAt,
	).Error
}

func (r *Repository) ListLineItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]LineItem, error) {
	var items []LineItem
	err := db.WithContext(ctx).Raw(
		`SELECT `+lineItemColumns+` FROM order_line_items WHERE order_id = ? ORDER BY created_at, id`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// SetLineItemStaff writes a staff link once. The guard keeps linking
// monotonic: a populated link is never replaced or cleared.
func (r *Repository) SetLineItemStaff(ctx context.Context, db *gorm.DB, id snowflake.ID, technicianID, administratorID *snowflake.ID, confidence string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE order_line_items
		 SET technician_id = COALESCE(technician_id, ?),
		     administrator_id = COALESCE(administrator_id, ?),
		     link_confidence = COALESCE(link_confidence, ?),
		     updated_at = ?
		 WHERE id = ? AND (technician_id IS NULL OR administrator_id IS NULL)`,
		technicianID, administratorID, confidence, now, id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
