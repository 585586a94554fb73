// Package testdb opens an isolated in-memory sqlite database with the full
// schema for repository and pipeline tests.
package testdb

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

func Open(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:testdb_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range strings.Split(schema, ";\n\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v\n%s", err, stmt)
		}
	}
	return db
}

const schema = `
CREATE TABLE organizations (
	id INTEGER PRIMARY KEY,
	merchant_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE locations (
	id INTEGER PRIMARY KEY,
	org_id INTEGER NOT NULL,
	external_id TEXT NOT NULL,
	name TEXT NOT NULL,
	timezone TEXT,
	needs_backfill BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (org_id, external_id)
);

CREATE TABLE staff_members (
	id INTEGER PRIMARY KEY,
	org_id INTEGER NOT NULL,
	external_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	email TEXT,
	role TEXT NOT NULL DEFAULT 'technician',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (org_id, external_id)
);

CREATE TABLE customers (
	id INTEGER PRIMARY KEY,
	org_id INTEGER NOT NULL,
	external_id TEXT NOT NULL UNIQUE,
	given_name TEXT,
	family_name TEXT,
	email TEXT,
	phone TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE orders (
	id INTEGER PRIMARY KEY,
	org_id INTEGER NOT NULL,
	external_id TEXT NOT NULL,
	location_id INTEGER,
	customer_id INTEGER,
	state TEXT NOT NULL DEFAULT 'OPEN',
	version INTEGER NOT NULL DEFAULT 0,
	total_cents INTEGER NOT NULL DEFAULT 0,
	currency TEXT,
	created_at_upstream DATETIME,
	raw_payload TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (org_id, external_id)
);

CREATE TABLE order_line_items (
	id INTEGER PRIMARY KEY,
	org_id INTEGER NOT NULL,
	order_id INTEGER NOT NULL,
	uid TEXT,
	name TEXT,
	note TEXT,
	quantity TEXT NOT NULL DEFAULT '1',
	service_variation_id TEXT,
	amount_cents INTEGER NOT NULL DEFAULT 0,
	currency TEXT,
	order_total_cents INTEGER NOT NULL DEFAULT 0,
	technician_id INTEGER,
	administrator_id INTEGER,
	link_confidence TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX idx_line_items_org_uid
	ON order_line_items (org_id, uid) WHERE uid IS NOT NULL;

CREATE TABLE bookings (
	id INTEGER PRIMARY KEY,
	org_id INTEGER NOT NULL,
	external_id TEXT NOT NULL,
	location_id INTEGER,
	customer_id INTEGER,
	status TEXT NOT NULL DEFAULT 'PENDING',
	version INTEGER NOT NULL DEFAULT 0,
	start_at DATETIME,
	raw_payload TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (org_id, external_id)
);

CREATE TABLE booking_segments (
	id INTEGER PRIMARY KEY,
	org_id INTEGER NOT NULL,
	booking_id INTEGER NOT NULL,
	segment_index INTEGER NOT NULL,
	service_variation_id TEXT,
	staff_external_id TEXT,
	staff_id INTEGER,
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (booking_id, segment_index)
);

CREATE TABLE payments (
	id INTEGER PRIMARY KEY,
	org_id INTEGER NOT NULL,
	external_id TEXT NOT NULL,
	order_external_id TEXT,
	order_id INTEGER,
	customer_id INTEGER,
	location_id INTEGER,
	booking_id INTEGER,
	technician_id INTEGER,
	administrator_id INTEGER,
	link_confidence TEXT,
	status TEXT NOT NULL,
	amount_cents INTEGER NOT NULL DEFAULT 0,
	tip_cents INTEGER NOT NULL DEFAULT 0,
	currency TEXT,
	upstream_updated_at DATETIME,
	raw_payload TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (org_id, external_id)
);

CREATE TABLE gift_cards (
	id INTEGER PRIMARY KEY,
	org_id INTEGER NOT NULL,
	external_id TEXT NOT NULL,
	state TEXT,
	balance_cents INTEGER NOT NULL DEFAULT 0,
	currency TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (org_id, external_id)
);

CREATE TABLE gift_card_transactions (
	id INTEGER PRIMARY KEY,
	org_id INTEGER NOT NULL,
	gift_card_id INTEGER NOT NULL,
	activity_id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	amount_cents INTEGER NOT NULL,
	occurred_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE retry_jobs (
	id INTEGER PRIMARY KEY,
	correlation_id TEXT NOT NULL UNIQUE,
	org_id INTEGER NOT NULL,
	stage TEXT NOT NULL,
	payload TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	scheduled_at DATETIME NOT NULL,
	last_error TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`
