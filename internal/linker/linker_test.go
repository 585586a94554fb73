package linker

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glosshouse/squaresync/internal/booking"
	"github.com/glosshouse/squaresync/internal/clock"
	"github.com/glosshouse/squaresync/internal/config"
	"github.com/glosshouse/squaresync/internal/order"
	"github.com/glosshouse/squaresync/internal/organization"
	"github.com/glosshouse/squaresync/internal/payment"
	"github.com/glosshouse/squaresync/internal/retryqueue"
	"github.com/glosshouse/squaresync/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testOrg = snowflake.ID(1001)

type fixture struct {
	db          *gorm.DB
	linker      *Linker
	node        *snowflake.Node
	now         time.Time
	orgRepo     *organization.Repository
	orderRepo   *order.Repository
	bookingRepo *booking.Repository
	paymentRepo *payment.Repository
}

func newFixture(t *testing.T, linkCfg config.LinkingConfig) *fixture {
	t.Helper()
	db := testdb.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	f := &fixture{
		db:          db,
		node:        node,
		now:         now,
		orgRepo:     organization.NewRepository(),
		orderRepo:   order.NewRepository(),
		bookingRepo: booking.NewRepository(),
		paymentRepo: payment.NewRepository(),
	}
	f.linker = New(Params{
		DB:          db,
		Log:         zap.NewNop(),
		Clock:       clock.NewFakeClock(now),
		LinkingCfg:  config.NewStaticLinkingConfigHolder(linkCfg),
		PaymentRepo: f.paymentRepo,
		OrderRepo:   f.orderRepo,
		BookingRepo: f.bookingRepo,
		OrgRepo:     f.orgRepo,
	})
	return f
}

func defaultWindow() config.LinkingConfig {
	return config.LinkingConfig{WindowBeforeDays: 7, WindowAfterDays: 1}
}

func (f *fixture) seedStaff(t *testing.T, ext, name, role string) snowflake.ID {
	t.Helper()
	staff := &organization.StaffMember{
		ID: f.node.Generate(), OrgID: testOrg, ExternalID: ext,
		DisplayName: name, Role: role, Active: true,
		CreatedAt: f.now, UpdatedAt: f.now,
	}
	require.NoError(t, f.orgRepo.UpsertStaff(context.Background(), f.db, staff))
	return staff.ID
}

func (f *fixture) seedBooking(t *testing.T, ext string, custID snowflake.ID, svc string, staffID snowflake.ID, startAt time.Time) snowflake.ID {
	t.Helper()
	ctx := context.Background()
	b, err := f.bookingRepo.Upsert(ctx, f.db, &booking.Booking{
		ID: f.node.Generate(), OrgID: testOrg, ExternalID: ext,
		CustomerID: &custID, Status: booking.StatusAccepted, Version: 1,
		StartAt:   sql.NullTime{Time: startAt, Valid: true},
		CreatedAt: f.now, UpdatedAt: f.now,
	})
	require.NoError(t, err)
	require.NoError(t, f.bookingRepo.ReplaceSegments(ctx, f.db, b.ID, []booking.Segment{{
		ID: f.node.Generate(), OrgID: testOrg, BookingID: b.ID, SegmentIndex: 0,
		ServiceVariationID: svc, StaffID: &staffID, DurationMinutes: 30,
		CreatedAt: f.now, UpdatedAt: f.now,
	}}))
	return b.ID
}

func (f *fixture) seedOrder(t *testing.T, ext string, custID snowflake.ID, svc string) *order.Order {
	t.Helper()
	ctx := context.Background()
	ord, err := f.orderRepo.Upsert(ctx, f.db, &order.Order{
		ID: f.node.Generate(), OrgID: testOrg, ExternalID: ext,
		CustomerID: &custID, State: order.StateCompleted, Version: 1,
		CreatedAtUpstream: sql.NullTime{Time: f.now, Valid: true},
		CreatedAt:         f.now, UpdatedAt: f.now,
	})
	require.NoError(t, err)
	require.NoError(t, f.orderRepo.UpsertLineItem(ctx, f.db, &order.LineItem{
		ID: f.node.Generate(), OrgID: testOrg, OrderID: ord.ID,
		UID:  sql.NullString{String: "li-" + ext, Valid: true},
		Name: "Gel Manicure", Quantity: "1",
		ServiceVariationID: sql.NullString{String: svc, Valid: svc != ""},
		CreatedAt:          f.now, UpdatedAt: f.now,
	}))
	return ord
}

func (f *fixture) seedPayment(t *testing.T, ext string, orderExt string, custID snowflake.ID) *payment.Payment {
	t.Helper()
	p, err := f.paymentRepo.Upsert(context.Background(), f.db, &payment.Payment{
		ID: f.node.Generate(), OrgID: testOrg, ExternalID: ext,
		OrderExternalID: sql.NullString{String: orderExt, Valid: orderExt != ""},
		CustomerID:      &custID,
		Status:          payment.StatusCompleted, AmountCents: 6500,
		UpstreamUpdatedAt: sql.NullTime{Time: f.now, Valid: true},
		CreatedAt:         f.now, UpdatedAt: f.now,
	})
	require.NoError(t, err)
	return p
}

func TestLinkPaymentServiceWindowNearestNeighbor(t *testing.T) {
	f := newFixture(t, defaultWindow())
	ctx := context.Background()
	cust := snowflake.ID(66)

	tech := f.seedStaff(t, "TM1", "Mai Vu", organization.StaffRoleTechnician)
	other := f.seedStaff(t, "TM2", "Lena Park", organization.StaffRoleTechnician)
	far := f.seedBooking(t, "BK-far", cust, "svc-mani", other, f.now.Add(-20*time.Hour))
	near := f.seedBooking(t, "BK-near", cust, "svc-mani", tech, f.now.Add(-time.Hour))
	_ = far

	f.seedOrder(t, "ORD1", cust, "svc-mani")
	p := f.seedPayment(t, "PAY1", "ORD1", cust)

	require.NoError(t, f.linker.LinkPayment(ctx, p.ID, false))

	got, err := f.paymentRepo.FindByID(ctx, f.db, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BookingID)
	assert.Equal(t, near, *got.BookingID)
	require.NotNil(t, got.TechnicianID)
	assert.Equal(t, tech, *got.TechnicianID)
	assert.Equal(t, ConfidenceServiceWindow, got.LinkConfidence.String)
	require.NotNil(t, got.OrderID)
}

func TestLinkPaymentAdministratorRoleColumn(t *testing.T) {
	f := newFixture(t, defaultWindow())
	ctx := context.Background()
	cust := snowflake.ID(66)

	admin := f.seedStaff(t, "TM1", "Rosa Diaz", organization.StaffRoleAdministrator)
	f.seedBooking(t, "BK1", cust, "svc-mani", admin, f.now.Add(-time.Hour))
	f.seedOrder(t, "ORD1", cust, "svc-mani")
	p := f.seedPayment(t, "PAY1", "ORD1", cust)

	require.NoError(t, f.linker.LinkPayment(ctx, p.ID, false))

	got, err := f.paymentRepo.FindByID(ctx, f.db, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.TechnicianID)
	require.NotNil(t, got.AdministratorID)
	assert.Equal(t, admin, *got.AdministratorID)
}

func TestLinkPaymentCustomerWindowOnlyOnLastAttempt(t *testing.T) {
	f := newFixture(t, defaultWindow())
	ctx := context.Background()
	cust := snowflake.ID(66)

	tech := f.seedStaff(t, "TM1", "Mai Vu", organization.StaffRoleTechnician)
	bk := f.seedBooking(t, "BK1", cust, "svc-color", tech, f.now.Add(-time.Hour))

	// The order's line item references a different service variation, so
	// only the customer-window fallback can match.
	f.seedOrder(t, "ORD1", cust, "svc-mani")
	p := f.seedPayment(t, "PAY1", "ORD1", cust)

	err := f.linker.LinkPayment(ctx, p.ID, false)
	assert.ErrorIs(t, err, retryqueue.ErrNoMatch)

	require.NoError(t, f.linker.LinkPayment(ctx, p.ID, true))

	got, err := f.paymentRepo.FindByID(ctx, f.db, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BookingID)
	assert.Equal(t, bk, *got.BookingID)
	assert.Equal(t, ConfidenceCustomerWindow, got.LinkConfidence.String)
}

func TestLinkPaymentOrderNotYetIngested(t *testing.T) {
	f := newFixture(t, defaultWindow())
	cust := snowflake.ID(66)

	p := f.seedPayment(t, "PAY1", "ORD-missing", cust)

	err := f.linker.LinkPayment(context.Background(), p.ID, false)
	assert.ErrorIs(t, err, retryqueue.ErrDependencyNotReady)
}

func TestLinkPaymentWithoutCustomerIsNoMatch(t *testing.T) {
	f := newFixture(t, defaultWindow())
	ctx := context.Background()

	p, err := f.paymentRepo.Upsert(ctx, f.db, &payment.Payment{
		ID: f.node.Generate(), OrgID: testOrg, ExternalID: "PAY1",
		Status: payment.StatusCompleted, CreatedAt: f.now, UpdatedAt: f.now,
	})
	require.NoError(t, err)

	err = f.linker.LinkPayment(ctx, p.ID, true)
	assert.ErrorIs(t, err, retryqueue.ErrNoMatch)
}

func TestLinkPaymentMissingPaymentIsTerminal(t *testing.T) {
	f := newFixture(t, defaultWindow())

	err := f.linker.LinkPayment(context.Background(), snowflake.ID(424242), false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, retryqueue.ErrNoMatch)
	assert.NotErrorIs(t, err, retryqueue.ErrDependencyNotReady)
}

func TestLinkOrderStaffFromSegments(t *testing.T) {
	f := newFixture(t, defaultWindow())
	ctx := context.Background()
	cust := snowflake.ID(66)

	tech := f.seedStaff(t, "TM1", "Mai Vu", organization.StaffRoleTechnician)
	f.seedBooking(t, "BK1", cust, "svc-mani", tech, f.now.Add(-time.Hour))
	ord := f.seedOrder(t, "ORD1", cust, "svc-mani")

	require.NoError(t, f.linker.LinkOrderStaff(ctx, ord.ID, false))

	items, err := f.orderRepo.ListLineItems(ctx, f.db, ord.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].TechnicianID)
	assert.Equal(t, tech, *items[0].TechnicianID)
	assert.Equal(t, ConfidenceServiceWindow, items[0].LinkConfidence.String)
}

func TestLinkOrderStaffNameHeuristicGatedOnLastAttempt(t *testing.T) {
	cfg := defaultWindow()
	cfg.StaffNameHeuristic = true
	f := newFixture(t, cfg)
	ctx := context.Background()
	cust := snowflake.ID(66)

	tech := f.seedStaff(t, "TM1", "Mai Vu", organization.StaffRoleTechnician)

	ord, err := f.orderRepo.Upsert(ctx, f.db, &order.Order{
		ID: f.node.Generate(), OrgID: testOrg, ExternalID: "ORD1",
		CustomerID: &cust, State: order.StateCompleted, Version: 1,
		CreatedAt: f.now, UpdatedAt: f.now,
	})
	require.NoError(t, err)
	require.NoError(t, f.orderRepo.UpsertLineItem(ctx, f.db, &order.LineItem{
		ID: f.node.Generate(), OrgID: testOrg, OrderID: ord.ID,
		UID:  sql.NullString{String: "li-1", Valid: true},
		Name: "Pedicure", Quantity: "1",
		Note:      sql.NullString{String: "with Mai Vu", Valid: true},
		CreatedAt: f.now, UpdatedAt: f.now,
	}))

	err = f.linker.LinkOrderStaff(ctx, ord.ID, false)
	assert.ErrorIs(t, err, retryqueue.ErrNoMatch)

	require.NoError(t, f.linker.LinkOrderStaff(ctx, ord.ID, true))

	items, err := f.orderRepo.ListLineItems(ctx, f.db, ord.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].TechnicianID)
	assert.Equal(t, tech, *items[0].TechnicianID)
	assert.Equal(t, ConfidenceHeuristic, items[0].LinkConfidence.String)
}

func TestLinkOrderStaffHeuristicDisabledByDefault(t *testing.T) {
	f := newFixture(t, defaultWindow())
	ctx := context.Background()
	cust := snowflake.ID(66)

	f.seedStaff(t, "TM1", "Mai Vu", organization.StaffRoleTechnician)

	ord, err := f.orderRepo.Upsert(ctx, f.db, &order.Order{
		ID: f.node.Generate(), OrgID: testOrg, ExternalID: "ORD1",
		CustomerID: &cust, State: order.StateCompleted, Version: 1,
		CreatedAt: f.now, UpdatedAt: f.now,
	})
	require.NoError(t, err)
	require.NoError(t, f.orderRepo.UpsertLineItem(ctx, f.db, &order.LineItem{
		ID: f.node.Generate(), OrgID: testOrg, OrderID: ord.ID,
		UID:  sql.NullString{String: "li-1", Valid: true},
		Name: "Pedicure with Mai Vu", Quantity: "1",
		CreatedAt: f.now, UpdatedAt: f.now,
	}))

	err = f.linker.LinkOrderStaff(ctx, ord.ID, true)
	assert.ErrorIs(t, err, retryqueue.ErrNoMatch)

	items, err := f.orderRepo.ListLineItems(ctx, f.db, ord.ID)
	require.NoError(t, err)
	assert.Nil(t, items[0].TechnicianID)
}

func TestLinkOrderStaffAlreadyLinkedIsNoOp(t *testing.T) {
	f := newFixture(t, defaultWindow())
	ctx := context.Background()
	cust := snowflake.ID(66)

	tech := f.seedStaff(t, "TM1", "Mai Vu", organization.StaffRoleTechnician)
	ord := f.seedOrder(t, "ORD1", cust, "svc-mani")

	items, err := f.orderRepo.ListLineItems(ctx, f.db, ord.ID)
	require.NoError(t, err)
	_, err = f.orderRepo.SetLineItemStaff(ctx, f.db, items[0].ID, &tech, nil, ConfidenceExact, f.now)
	require.NoError(t, err)

	assert.NoError(t, f.linker.LinkOrderStaff(ctx, ord.ID, true))
}
