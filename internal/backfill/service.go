// Package backfill pulls history from the upstream API and replays it
// through the ingestion pipeline. Fetched documents are wrapped in a
// synthetic webhook envelope so backfilled and live data take the exact
// same merge path.
package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glosshouse/squaresync/internal/clock"
	"github.com/glosshouse/squaresync/internal/config"
	"github.com/glosshouse/squaresync/internal/giftcard"
	"github.com/glosshouse/squaresync/internal/ingest"
	"github.com/glosshouse/squaresync/internal/observability"
	"github.com/glosshouse/squaresync/internal/organization"
	"github.com/glosshouse/squaresync/internal/retryqueue"
	"github.com/glosshouse/squaresync/internal/upstream"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Cfg          config.Config
	Metrics      *observability.Metrics `optional:"true"`
	Client       upstream.Client
	Ingest       *ingest.Service
	OrgRepo      *organization.Repository
	GiftCardRepo *giftcard.Repository
	RetryRepo    *retryqueue.Repository
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	cfg          config.Config
	metrics      *observability.Metrics
	client       upstream.Client
	ingest       *ingest.Service
	orgRepo      *organization.Repository
	giftCardRepo *giftcard.Repository
	retryRepo    *retryqueue.Repository
}

func New(p Params) *Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("backfill"),
		genID:        p.GenID,
		clock:        p.Clock,
		cfg:          p.Cfg,
		metrics:      p.Metrics,
		client:       p.Client,
		ingest:       p.Ingest,
		orgRepo:      p.OrgRepo,
		giftCardRepo: p.GiftCardRepo,
		retryRepo:    p.RetryRepo,
	}
}

// RepairLocations replaces stub location names with the upstream document.
func (s *Service) RepairLocations(ctx context.Context) error {
	stubs, err := s.orgRepo.ListLocationsNeedingBackfill(ctx, s.db, s.cfg.BackfillBatchSize)
	if err != nil {
		return err
	}
	var errs []error
	for i := range stubs {
		stub := &stubs[i]
		doc, err := s.client.GetLocation(ctx, stub.ExternalID)
		if err != nil {
			if errors.Is(err, upstream.ErrNotFound) {
				s.log.Warn("stub location no longer exists upstream",
					zap.String("external_id", stub.ExternalID))
				continue
			}
			errs = append(errs, err)
			continue
		}
		if err := s.orgRepo.RepairLocation(ctx, s.db, stub.OrgID, stub.ExternalID, doc.Name, doc.Timezone, s.clock.Now()); err != nil {
			errs = append(errs, err)
			continue
		}
		s.log.Info("stub location repaired",
			zap.String("external_id", stub.ExternalID),
			zap.String("name", doc.Name))
	}
	return errors.Join(errs...)
}

// SyncStaff mirrors the upstream team roster into the staff table. Owners
// map to the administrator role, everyone else to technician.
func (s *Service) SyncStaff(ctx context.Context, org *organization.Organization) error {
	members, err := s.client.ListTeamMembers(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	var errs []error
	for _, m := range members {
		role := organization.StaffRoleTechnician
		if m.IsOwner {
			role = organization.StaffRoleAdministrator
		}
		name := m.GivenName
		if m.FamilyName != "" {
			if name != "" {
				name += " "
			}
			name += m.FamilyName
		}
		err := s.orgRepo.UpsertStaff(ctx, s.db, &organization.StaffMember{
			ID:          s.genID.Generate(),
			OrgID:       org.ID,
			ExternalID:  m.ID,
			DisplayName: name,
			Email:       m.Email,
			Role:        role,
			Active:      m.Status == "" || m.Status == "ACTIVE",
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.log.Info("staff roster synced",
		zap.String("merchant_id", org.MerchantID),
		zap.Int("members", len(members)))
	return nil
}

// BackfillLocation pages the upstream order history for one location and
// replays every order through the pipeline.
func (s *Service) BackfillLocation(ctx context.Context, org *organization.Organization, locationExternalID string, from, to time.Time) error {
	cursor := ""
	pages := 0
	total := 0
	for {
		page, err := s.client.SearchOrders(ctx, locationExternalID, from, to, cursor)
		if err != nil {
			s.observeBatch("error")
			return err
		}
		for _, doc := range page.Orders {
			envelope, err := SyntheticEnvelope("order.updated", org.MerchantID, doc, "order", s.clock.Now())
			if err != nil {
				return err
			}
			if err := s.ingest.Process(ctx, envelope); err != nil {
				s.log.Warn("backfilled order rejected by pipeline", zap.Error(err))
				continue
			}
			total++
		}
		pages++
		s.observeBatch("ok")

		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.BackfillBatchDelay):
		}
	}
	s.log.Info("location order history backfilled",
		zap.String("location", locationExternalID),
		zap.Int("pages", pages),
		zap.Int("orders", total))
	return nil
}

// Run is the one-shot entry point: repair stub locations, sync the staff
// roster, then replay order history for every location still flagged.
func (s *Service) Run(ctx context.Context, orgID snowflake.ID) error {
	org, err := s.orgRepo.FindByID(ctx, s.db, orgID)
	if err != nil {
		return err
	}
	if org == nil {
		return errors.New("backfill: organization not found")
	}

	stubs, err := s.orgRepo.ListLocationsNeedingBackfill(ctx, s.db, s.cfg.BackfillBatchSize)
	if err != nil {
		return err
	}
	if err := s.RepairLocations(ctx); err != nil {
		return err
	}
	if err := s.SyncStaff(ctx, org); err != nil {
		return err
	}

	to := s.clock.Now()
	from := to.Add(-s.cfg.BackfillWindow)
	var errs []error
	for i := range stubs {
		if stubs[i].OrgID != org.ID {
			continue
		}
		if err := s.BackfillLocation(ctx, org, stubs[i].ExternalID, from, to); err != nil {
			errs = append(errs, err)
		}
	}

	// The replay may have imported the bookings and staff that exhausted
	// link jobs were waiting on, so they get a fresh attempt budget.
	for _, stage := range []string{retryqueue.StageLinkPayment, retryqueue.StageLinkStaff} {
		requeued, err := s.retryRepo.RequeueFailed(ctx, s.db, stage, s.clock.Now())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if requeued > 0 {
			s.log.Info("requeued failed link jobs after backfill",
				zap.String("stage", stage),
				zap.Int64("count", requeued))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) observeBatch(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.BackfillBatches.WithLabelValues(outcome).Inc()
}

// SyntheticEnvelope wraps a fetched entity document in the webhook envelope
// shape the normalizer expects.
func SyntheticEnvelope(eventType, merchantID string, doc json.RawMessage, objectKey string, now time.Time) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":        eventType,
		"event_id":    "backfill-" + eventType + "-" + now.UTC().Format("20060102T150405.000000000"),
		"merchant_id": merchantID,
		"created_at":  now.UTC().Format(time.RFC3339Nano),
		"data": map[string]any{
			"object": map[string]any{
				objectKey: doc,
			},
		},
	})
}
