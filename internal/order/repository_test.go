package order

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glosshouse/squaresync/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOrg = snowflake.ID(1001)

func newNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func TestUpsertVersionGuard(t *testing.T) {
	db := testdb.Open(t)
	repo := NewRepository()
	node := newNode(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	v3 := &Order{
		ID: node.Generate(), OrgID: testOrg, ExternalID: "ORD1",
		State: StateCompleted, Version: 3, TotalCents: 9000,
		CreatedAt: now, UpdatedAt: now,
	}
	merged, err := repo.Upsert(ctx, db, v3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), merged.Version)

	// A stale version must not roll state or totals back.
	v1 := &Order{
		ID: node.Generate(), OrgID: testOrg, ExternalID: "ORD1",
		State: StateOpen, Version: 1, TotalCents: 5000,
		CreatedAt: now, UpdatedAt: now.Add(time.Minute),
	}
	merged, err = repo.Upsert(ctx, db, v1)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, merged.State)
	assert.Equal(t, int64(9000), merged.TotalCents)
	assert.Equal(t, int64(3), merged.Version)
}

func TestUpsertIdentityGapFill(t *testing.T) {
	db := testdb.Open(t)
	repo := NewRepository()
	node := newNode(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	bare := &Order{
		ID: node.Generate(), OrgID: testOrg, ExternalID: "ORD1",
		State: StateOpen, Version: 2, CreatedAt: now, UpdatedAt: now,
	}
	_, err := repo.Upsert(ctx, db, bare)
	require.NoError(t, err)

	locID := snowflake.ID(55)
	custID := snowflake.ID(66)
	withRefs := &Order{
		ID: node.Generate(), OrgID: testOrg, ExternalID: "ORD1",
		LocationID: &locID, CustomerID: &custID,
		State: StateOpen, Version: 1,
		CreatedAtUpstream: sql.NullTime{Time: now.Add(-time.Hour), Valid: true},
		CreatedAt:         now, UpdatedAt: now,
	}
	merged, err := repo.Upsert(ctx, db, withRefs)
	require.NoError(t, err)

	// Identity references fill even from a stale version.
	require.NotNil(t, merged.LocationID)
	assert.Equal(t, locID, *merged.LocationID)
	require.NotNil(t, merged.CustomerID)
	assert.Equal(t, custID, *merged.CustomerID)
	assert.True(t, merged.CreatedAtUpstream.Valid)
	assert.Equal(t, int64(2), merged.Version)
}

func TestUpsertConvergesRegardlessOfArrivalOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	locID := snowflake.ID(55)

	eventA := func(node *snowflake.Node) *Order {
		return &Order{
			ID: node.Generate(), OrgID: testOrg, ExternalID: "ORD1",
			LocationID: &locID, State: StateOpen, Version: 1, TotalCents: 5000,
			CreatedAt: now, UpdatedAt: now,
		}
	}
	eventB := func(node *snowflake.Node) *Order {
		return &Order{
			ID: node.Generate(), OrgID: testOrg, ExternalID: "ORD1",
			State: StateCompleted, Version: 2, TotalCents: 5500,
			CreatedAt: now, UpdatedAt: now,
		}
	}

	apply := func(t *testing.T, events ...func(*snowflake.Node) *Order) *Order {
		db := testdb.Open(t)
		repo := NewRepository()
		node := newNode(t)
		var last *Order
		for _, ev := range events {
			var err error
			last, err = repo.Upsert(ctx, db, ev(node))
			require.NoError(t, err)
		}
		return last
	}

	forward := apply(t, eventA, eventB)
	reversed := apply(t, eventB, eventA)

	assert.Equal(t, forward.State, reversed.State)
	assert.Equal(t, forward.Version, reversed.Version)
	assert.Equal(t, forward.TotalCents, reversed.TotalCents)
	assert.Equal(t, *forward.LocationID, *reversed.LocationID)
}

func TestUpsertLineItemPreservesStaffLinks(t *testing.T) {
	db := testdb.Open(t)
	repo := NewRepository()
	node := newNode(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	orderID := node.Generate()

	techID := snowflake.ID(77)
	first := &LineItem{
		ID: node.Generate(), OrgID: testOrg, OrderID: orderID,
		UID:  sql.NullString{String: "li-1", Valid: true},
		Name: "Pedicure", Quantity: "1", AmountCents: 4000,
		TechnicianID:   &techID,
		LinkConfidence: sql.NullString{String: "exact", Valid: true},
		CreatedAt:      now, UpdatedAt: now,
	}
	require.NoError(t, repo.UpsertLineItem(ctx, db, first))

	// Replay without the staff link; the link must survive.
	replay := &LineItem{
		ID: node.Generate(), OrgID: testOrg, OrderID: orderID,
		UID:  sql.NullString{String: "li-1", Valid: true},
		Name: "Pedicure Deluxe", Quantity: "1", AmountCents: 4500,
		CreatedAt: now, UpdatedAt: now.Add(time.Minute),
	}
	require.NoError(t, repo.UpsertLineItem(ctx, db, replay))

	items, err := repo.ListLineItems(ctx, db, orderID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Pedicure Deluxe", items[0].Name)
	assert.Equal(t, int64(4500), items[0].AmountCents)
	require.NotNil(t, items[0].TechnicianID)
	assert.Equal(t, techID, *items[0].TechnicianID)
}

func TestUpsertLineItemWithoutUIDAlwaysInserts(t *testing.T) {
	db := testdb.Open(t)
	repo := NewRepository()
	node := newNode(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	orderID := node.Generate()

	for i := 0; i < 2; i++ {
		item := &LineItem{
			ID: node.Generate(), OrgID: testOrg, OrderID: orderID,
			Name: "Walk-in service", Quantity: "1", AmountCents: 3000,
			CreatedAt: now.Add(time.Duration(i) * time.Second), UpdatedAt: now,
		}
		require.NoError(t, repo.UpsertLineItem(ctx, db, item))
	}

	items, err := repo.ListLineItems(ctx, db, orderID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestSetLineItemStaffIsWriteOnce(t *testing.T) {
	db := testdb.Open(t)
	repo := NewRepository()
	node := newNode(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	orderID := node.Generate()

	item := &LineItem{
		ID: node.Generate(), OrgID: testOrg, OrderID: orderID,
		UID:  sql.NullString{String: "li-1", Valid: true},
		Name: "Color", Quantity: "1",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, repo.UpsertLineItem(ctx, db, item))

	tech1 := snowflake.ID(71)
	set, err := repo.SetLineItemStaff(ctx, db, item.ID, &tech1, nil, "service_window", now)
	require.NoError(t, err)
	assert.True(t, set)

	tech2 := snowflake.ID(72)
	_, err = repo.SetLineItemStaff(ctx, db, item.ID, &tech2, nil, "heuristic", now)
	require.NoError(t, err)

	items, err := repo.ListLineItems(ctx, db, orderID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].TechnicianID)
	assert.Equal(t, tech1, *items[0].TechnicianID)
	assert.Equal(t, "service_window", items[0].LinkConfidence.String)
}
