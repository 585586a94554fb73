// Package resolver converts upstream identifiers into internal records,
// creating minimal stubs where the referent is allowed to not exist yet.
package resolver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/glosshouse/squaresync/internal/booking"
	"github.com/glosshouse/squaresync/internal/clock"
	"github.com/glosshouse/squaresync/internal/config"
	"github.com/glosshouse/squaresync/internal/customer"
	"github.com/glosshouse/squaresync/internal/order"
	"github.com/glosshouse/squaresync/internal/organization"
	"github.com/glosshouse/squaresync/internal/retryqueue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrOrganizationUnresolved aborts ingestion of the whole event: writing a
// row without tenant scope is worse than dropping the event.
var ErrOrganizationUnresolved = errors.New("organization unresolved")

// OrgHints carries every identifier on an event that can establish tenancy.
type OrgHints struct {
	MerchantID         string
	LocationExternalID string
	OrderExternalID    string
	BookingExternalID  string
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Cfg          config.Config
	OrgRepo      *organization.Repository
	CustomerRepo *customer.Repository
	OrderRepo    *order.Repository
	BookingRepo  *booking.Repository
	RetryRepo    *retryqueue.Repository
}

type Resolver struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	cfg          config.Config
	orgRepo      *organization.Repository
	customerRepo *customer.Repository
	orderRepo    *order.Repository
	bookingRepo  *booking.Repository
	retryRepo    *retryqueue.Repository
}

func New(p Params) *Resolver {
	return &Resolver{
		db:           p.DB,
		log:          p.Log.Named("resolver"),
		genID:        p.GenID,
		clock:        p.Clock,
		cfg:          p.Cfg,
		orgRepo:      p.OrgRepo,
		customerRepo: p.CustomerRepo,
		orderRepo:    p.OrderRepo,
		bookingRepo:  p.BookingRepo,
		retryRepo:    p.RetryRepo,
	}
}

// ResolveOrganization walks the fallback chain, short-circuiting on the
// first hit:
//  1. merchant id on the event
//  2. owning org of a known location id
//  3. a sibling row already persisted under the same external order/booking id
//  4. the single active org, when the deployment opts into single-tenant mode
func (r *Resolver) ResolveOrganization(ctx context.Context, hints OrgHints) (*organization.Organization, error) {
	if hints.MerchantID != "" {
		org, err := r.orgRepo.FindByMerchantID(ctx, r.db, hints.MerchantID)
		if err != nil {
			return nil, err
		}
		if org != nil {
			return org, nil
		}
	}

	if hints.LocationExternalID != "" {
		orgID, err := r.orgRepo.FindOrgByLocationExternalID(ctx, r.db, hints.LocationExternalID)
		if err != nil {
			return nil, err
		}
		if orgID != 0 {
			return r.orgRepo.FindByID(ctx, r.db, orgID)
		}
	}

	if hints.OrderExternalID != "" {
		orgID, err := r.orderRepo.FindOrgByExternalID(ctx, r.db, hints.OrderExternalID)
		if err != nil {
			return nil, err
		}
		if orgID != 0 {
			return r.orgRepo.FindByID(ctx, r.db, orgID)
		}
	}
	if hints.BookingExternalID != "" {
		orgID, err := r.bookingRepo.FindOrgByExternalID(ctx, r.db, hints.BookingExternalID)
		if err != nil {
			return nil, err
		}
		if orgID != 0 {
			return r.orgRepo.FindByID(ctx, r.db, orgID)
		}
	}

	if r.cfg.SingleTenantFallback {
		org, err := r.orgRepo.FindSingleActive(ctx, r.db)
		if err != nil {
			return nil, err
		}
		if org != nil {
			r.log.Debug("organization resolved via single-tenant fallback",
				zap.String("merchant_id", org.MerchantID))
			return org, nil
		}
	}

	return nil, ErrOrganizationUnresolved
}

// ResolveLocation finds or stub-creates the location. The placeholder name
// is repaired later by the location backfill job.
func (r *Resolver) ResolveLocation(ctx context.Context, orgID snowflake.ID, externalID string) (*organization.Location, error) {
	if externalID == "" {
		return nil, nil
	}
	loc, err := r.orgRepo.FindLocation(ctx, r.db, orgID, externalID)
	if err != nil {
		return nil, err
	}
	if loc != nil {
		return loc, nil
	}

	now := r.clock.Now()
	stub := &organization.Location{
		ID:            r.genID.Generate(),
		OrgID:         orgID,
		ExternalID:    externalID,
		Name:          "Location " + externalID,
		NeedsBackfill: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.log.Info("creating stub location",
		zap.String("external_id", externalID),
		zap.Int64("org_id", orgID.Int64()))
	loc, err = r.orgRepo.EnsureLocation(ctx, r.db, stub)
	if err != nil {
		return nil, err
	}
	// Schedule the repair job so the placeholder gets its real name and
	// timezone without waiting for an operator-run backfill.
	if err := r.enqueueLocationBackfill(ctx, orgID, externalID); err != nil {
		return nil, err
	}
	return loc, nil
}

func (r *Resolver) enqueueLocationBackfill(ctx context.Context, orgID snowflake.ID, externalID string) error {
	body, err := json.Marshal(map[string]string{"location_external_id": externalID})
	if err != nil {
		return err
	}
	now := r.clock.Now()
	_, err = r.retryRepo.Enqueue(ctx, r.db, &retryqueue.Job{
		ID:            r.genID.Generate(),
		CorrelationID: "backfill-location-" + externalID,
		OrgID:         orgID,
		Stage:         retryqueue.StageBackfillLocation,
		Payload:       datatypes.JSON(body),
		MaxAttempts:   r.cfg.RetryMaxAttempts,
		Status:        retryqueue.StatusQueued,
		ScheduledAt:   now.Add(r.cfg.RetryBackoffBase),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	return err
}

// ResolveCustomer finds or stub-creates the customer with null PII; a later
// customer event fills the gaps through the normal merge.
func (r *Resolver) ResolveCustomer(ctx context.Context, orgID snowflake.ID, externalID string) (*customer.Customer, error) {
	if externalID == "" {
		return nil, nil
	}
	existing, err := r.customerRepo.FindByExternalID(ctx, r.db, externalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := r.clock.Now()
	stub := &customer.Customer{
		ID:         r.genID.Generate(),
		OrgID:      orgID,
		ExternalID: externalID,
		GivenName:  sql.NullString{},
		FamilyName: sql.NullString{},
		Email:      sql.NullString{},
		Phone:      sql.NullString{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return r.customerRepo.Upsert(ctx, r.db, stub)
}

// ResolveStaff looks a staff member up and returns nil when absent. Staff
// are never stub-created: an unresolved staff reference is a linking gap to
// retry, not a new entity.
func (r *Resolver) ResolveStaff(ctx context.Context, orgID snowflake.ID, externalID string) (*organization.StaffMember, error) {
	if externalID == "" {
		return nil, nil
	}
	return r.orgRepo.FindStaffByExternalID(ctx, r.db, orgID, externalID)
}

var Module = fx.Module("resolver",
	fx.Provide(New),
)
