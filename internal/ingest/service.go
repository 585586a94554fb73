// Package ingest is the event pipeline: normalize, resolve tenancy, persist
// through the merging repositories, then attempt linking with a deferred
// retry as the fallback. Persisting the entity is the success criterion; an
// unresolved link never fails ingestion.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/glosshouse/squaresync/internal/booking"
	"github.com/glosshouse/squaresync/internal/clock"
	"github.com/glosshouse/squaresync/internal/config"
	"github.com/glosshouse/squaresync/internal/customer"
	"github.com/glosshouse/squaresync/internal/giftcard"
	"github.com/glosshouse/squaresync/internal/linker"
	"github.com/glosshouse/squaresync/internal/normalize"
	"github.com/glosshouse/squaresync/internal/observability"
	"github.com/glosshouse/squaresync/internal/order"
	"github.com/glosshouse/squaresync/internal/organization"
	"github.com/glosshouse/squaresync/internal/payment"
	"github.com/glosshouse/squaresync/internal/resolver"
	"github.com/glosshouse/squaresync/internal/retryqueue"
	"github.com/glosshouse/squaresync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
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
	Resolver     *resolver.Resolver
	Linker       *linker.Linker
	CustomerRepo *customer.Repository
	OrderRepo    *order.Repository
	BookingRepo  *booking.Repository
	PaymentRepo  *payment.Repository
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
	resolver     *resolver.Resolver
	linker       *linker.Linker
	customerRepo *customer.Repository
	orderRepo    *order.Repository
	bookingRepo  *booking.Repository
	paymentRepo  *payment.Repository
	giftCardRepo *giftcard.Repository
	retryRepo    *retryqueue.Repository
}

func New(p Params) *Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("ingest"),
		genID:        p.GenID,
		clock:        p.Clock,
		cfg:          p.Cfg,
		metrics:      p.Metrics,
		resolver:     p.Resolver,
		linker:       p.Linker,
		customerRepo: p.CustomerRepo,
		orderRepo:    p.OrderRepo,
		bookingRepo:  p.BookingRepo,
		paymentRepo:  p.PaymentRepo,
		giftCardRepo: p.GiftCardRepo,
		retryRepo:    p.RetryRepo,
	}
}

// Process runs one raw webhook delivery through the full pipeline. The
// returned error is a rejection (malformed payload, unresolvable tenant);
// recoverable gaps are absorbed into retry jobs instead.
func (s *Service) Process(ctx context.Context, raw []byte) error {
	start := s.clock.Now()
	res, err := normalize.Normalize(raw)
	if err != nil {
		s.observe("unknown", "rejected")
		return err
	}

	log := s.log.With(zap.String("event_id", res.EventID), zap.String("event_type", res.EventType))

	if res.Kind == normalize.KindUnknown {
		log.Debug("skipping unrecognized event type")
		s.observe(res.EventType, "skipped")
		return nil
	}

	org, err := s.resolver.ResolveOrganization(ctx, orgHints(res))
	if err != nil {
		if errors.Is(err, resolver.ErrOrganizationUnresolved) {
			log.Warn("dropping event with unresolvable organization",
				zap.String("merchant_id", res.MerchantID))
			s.observe(res.EventType, "unresolved_org")
		}
		return err
	}

	switch res.Kind {
	case normalize.KindOrder:
		err = s.ingestOrder(ctx, org, res)
	case normalize.KindPayment:
		err = s.ingestPayment(ctx, org, res)
	case normalize.KindBooking:
		err = s.ingestBooking(ctx, org, res)
	case normalize.KindGiftCard:
		err = s.ingestGiftCard(ctx, org, res)
	case normalize.KindGiftCardActivity:
		err = s.ingestGiftCardActivity(ctx, org, res)
	case normalize.KindCustomer:
		err = s.ingestCustomer(ctx, org, res)
	}
	if err != nil {
		s.observe(res.EventType, "error")
		return err
	}

	s.observe(res.EventType, "ok")
	if s.metrics != nil {
		s.metrics.IngestDuration.WithLabelValues(res.EventType).
			Observe(s.clock.Now().Sub(start).Seconds())
	}
	return nil
}

// orgHints collects every tenancy identifier the event carries.
func orgHints(res *normalize.Result) resolver.OrgHints {
	hints := resolver.OrgHints{MerchantID: res.MerchantID}
	switch {
	case res.Order != nil:
		hints.LocationExternalID = res.Order.LocationExternalID
		hints.OrderExternalID = res.Order.ExternalID
	case res.Payment != nil:
		hints.LocationExternalID = res.Payment.LocationExternalID
		hints.OrderExternalID = res.Payment.OrderExternalID
	case res.Booking != nil:
		hints.LocationExternalID = res.Booking.LocationExternalID
		hints.BookingExternalID = res.Booking.ExternalID
	case res.GiftCardActivity != nil:
		hints.LocationExternalID = res.GiftCardActivity.LocationExternalID
	}
	return hints
}

func (s *Service) ingestOrder(ctx context.Context, org *organization.Organization, res *normalize.Result) error {
	in := res.Order
	now := s.clock.Now()

	loc, err := s.resolver.ResolveLocation(ctx, org.ID, in.LocationExternalID)
	if err != nil {
		return err
	}
	cust, err := s.resolver.ResolveCustomer(ctx, org.ID, in.CustomerExternalID)
	if err != nil {
		return err
	}

	row := &order.Order{
		ID:         s.genID.Generate(),
		OrgID:      org.ID,
		ExternalID: in.ExternalID,
		State:      in.State,
		Version:    in.Version,
		TotalCents: in.TotalCents,
		Currency:   in.Currency,
		RawPayload: datatypes.JSON(in.Raw),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if loc != nil {
		row.LocationID = &loc.ID
	}
	if cust != nil {
		row.CustomerID = &cust.ID
	}
	if !in.CreatedAt.IsZero() {
		row.CreatedAtUpstream = sql.NullTime{Time: in.CreatedAt, Valid: true}
	}

	merged, err := s.orderRepo.Upsert(ctx, s.db, row)
	if err != nil {
		return err
	}

	// An id-only notification carries no document body. Defer to the
	// backfill stage, which refetches the full order from the upstream API
	// and replays it through this same path.
	if in.State == "" && len(in.LineItems) == 0 {
		return s.enqueue(ctx, org.ID,
			retryqueue.StageBackfillOrder,
			"backfill-order-"+in.ExternalID,
			map[string]string{"order_external_id": in.ExternalID},
		)
	}

	// Line items denormalize the order's money fields, so they follow the
	// same version counter: only the event holding the current version may
	// rewrite them.
	if merged.Version != in.Version {
		s.log.Debug("skipping line items from stale order event",
			zap.String("order_external_id", in.ExternalID),
			zap.Int64("event_version", in.Version),
			zap.Int64("current_version", merged.Version))
		return nil
	}

	for i := range in.LineItems {
		li := &in.LineItems[i]
		item := &order.LineItem{
			ID:              s.genID.Generate(),
			OrgID:           org.ID,
			OrderID:         merged.ID,
			Name:            li.Name,
			Quantity:        li.Quantity,
			AmountCents:     li.AmountCents,
			Currency:        li.Currency,
			OrderTotalCents: in.TotalCents,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if li.UID != "" {
			item.UID = sql.NullString{String: li.UID, Valid: true}
		}
		if li.Note != "" {
			item.Note = sql.NullString{String: li.Note, Valid: true}
		}
		if li.ServiceVariationID != "" {
			item.ServiceVariationID = sql.NullString{String: li.ServiceVariationID, Valid: true}
		}
		if err := s.orderRepo.UpsertLineItem(ctx, s.db, item); err != nil {
			return err
		}
	}

	if len(in.LineItems) == 0 {
		return nil
	}
	return s.linkOrEnqueue(ctx, org.ID,
		retryqueue.StageLinkStaff,
		linker.StaffCorrelationID(in.ExternalID),
		linker.StaffJobPayload{OrderID: merged.ID.Int64()},
		func() error { return s.linker.LinkOrderStaff(ctx, merged.ID, false) },
	)
}

func (s *Service) ingestPayment(ctx context.Context, org *organization.Organization, res *normalize.Result) error {
	in := res.Payment
	now := s.clock.Now()

	loc, err := s.resolver.ResolveLocation(ctx, org.ID, in.LocationExternalID)
	if err != nil {
		return err
	}
	cust, err := s.resolver.ResolveCustomer(ctx, org.ID, in.CustomerExternalID)
	if err != nil {
		return err
	}

	row := &payment.Payment{
		ID:          s.genID.Generate(),
		OrgID:       org.ID,
		ExternalID:  in.ExternalID,
		Status:      in.Status,
		AmountCents: in.AmountCents,
		TipCents:    in.TipCents,
		Currency:    in.Currency,
		RawPayload:  datatypes.JSON(in.Raw),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.OrderExternalID != "" {
		row.OrderExternalID = sql.NullString{String: in.OrderExternalID, Valid: true}
	}
	if loc != nil {
		row.LocationID = &loc.ID
	}
	if cust != nil {
		row.CustomerID = &cust.ID
	}
	if !in.UpdatedAt.IsZero() {
		row.UpstreamUpdatedAt = sql.NullTime{Time: in.UpdatedAt, Valid: true}
	}

	merged, err := s.paymentRepo.Upsert(ctx, s.db, row)
	if err != nil {
		return err
	}

	return s.linkOrEnqueue(ctx, org.ID,
		retryqueue.StageLinkPayment,
		linker.PaymentCorrelationID(in.ExternalID),
		linker.PaymentJobPayload{PaymentID: merged.ID.Int64()},
		func() error { return s.linker.LinkPayment(ctx, merged.ID, false) },
	)
}

func (s *Service) ingestBooking(ctx context.Context, org *organization.Organization, res *normalize.Result) error {
	in := res.Booking
	now := s.clock.Now()

	loc, err := s.resolver.ResolveLocation(ctx, org.ID, in.LocationExternalID)
	if err != nil {
		return err
	}
	cust, err := s.resolver.ResolveCustomer(ctx, org.ID, in.CustomerExternalID)
	if err != nil {
		return err
	}

	row := &booking.Booking{
		ID:         s.genID.Generate(),
		OrgID:      org.ID,
		ExternalID: in.ExternalID,
		Status:     in.Status,
		Version:    in.Version,
		RawPayload: datatypes.JSON(in.Raw),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if loc != nil {
		row.LocationID = &loc.ID
	}
	if cust != nil {
		row.CustomerID = &cust.ID
	}
	if !in.StartAt.IsZero() {
		row.StartAt = sql.NullTime{Time: in.StartAt, Valid: true}
	}

	merged, err := s.bookingRepo.Upsert(ctx, s.db, row)
	if err != nil {
		return err
	}

	// Segments follow the booking's version: only the event holding the
	// current version may rewrite them.
	if merged.Version != in.Version || len(in.Segments) == 0 {
		return nil
	}
	segments := make([]booking.Segment, 0, len(in.Segments))
	for i, seg := range in.Segments {
		staff, err := s.resolver.ResolveStaff(ctx, org.ID, seg.StaffExternalID)
		if err != nil {
			return err
		}
		segRow := booking.Segment{
			ID:                 s.genID.Generate(),
			OrgID:              org.ID,
			BookingID:          merged.ID,
			SegmentIndex:       i,
			ServiceVariationID: seg.ServiceVariationID,
			StaffExternalID:    seg.StaffExternalID,
			DurationMinutes:    seg.DurationMinutes,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if staff != nil {
			segRow.StaffID = &staff.ID
		}
		segments = append(segments, segRow)
	}
	if err := s.bookingRepo.ReplaceSegments(ctx, s.db, merged.ID, segments); err != nil {
		if db.IsDuplicateKeyErr(err) {
			// A concurrent delivery of the same version already wrote
			// identical segments.
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) ingestGiftCard(ctx context.Context, org *organization.Organization, res *normalize.Result) error {
	in := res.GiftCard
	now := s.clock.Now()

	_, err := s.giftCardRepo.Upsert(ctx, s.db, &giftcard.GiftCard{
		ID:         s.genID.Generate(),
		OrgID:      org.ID,
		ExternalID: in.ExternalID,
		State:      in.State,
		Currency:   in.Currency,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	return err
}

func (s *Service) ingestGiftCardActivity(ctx context.Context, org *organization.Organization, res *normalize.Result) error {
	in := res.GiftCardActivity
	now := s.clock.Now()

	card, err := s.giftCardRepo.FindByExternalID(ctx, s.db, org.ID, in.GiftCardExternalID)
	if err != nil {
		return err
	}
	stubbed := false
	if card == nil {
		// Activity arrived before the card event. Stub the card and let
		// the sync job backfill its state from the upstream API.
		card, err = s.giftCardRepo.Upsert(ctx, s.db, &giftcard.GiftCard{
			ID:         s.genID.Generate(),
			OrgID:      org.ID,
			ExternalID: in.GiftCardExternalID,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return err
		}
		stubbed = true
	}

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	if _, err := s.giftCardRepo.AppendTransaction(ctx, s.db, &giftcard.Transaction{
		ID:          s.genID.Generate(),
		OrgID:       org.ID,
		GiftCardID:  card.ID,
		ActivityID:  in.ActivityID,
		Type:        in.Type,
		AmountCents: giftcard.SignedAmount(in.Type, in.AmountCents),
		OccurredAt:  occurredAt,
		CreatedAt:   now,
	}); err != nil {
		return err
	}

	if !stubbed {
		return nil
	}
	return s.enqueue(ctx, org.ID,
		retryqueue.StageGiftCardSync,
		"giftcard-sync-"+in.GiftCardExternalID,
		map[string]string{"gift_card_external_id": in.GiftCardExternalID},
	)
}

func (s *Service) ingestCustomer(ctx context.Context, org *organization.Organization, res *normalize.Result) error {
	in := res.Customer
	now := s.clock.Now()

	row := &customer.Customer{
		ID:         s.genID.Generate(),
		OrgID:      org.ID,
		ExternalID: in.ExternalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if in.GivenName != "" {
		row.GivenName = sql.NullString{String: in.GivenName, Valid: true}
	}
	if in.FamilyName != "" {
		row.FamilyName = sql.NullString{String: in.FamilyName, Valid: true}
	}
	if in.Email != "" {
		row.Email = sql.NullString{String: in.Email, Valid: true}
	}
	if in.Phone != "" {
		row.Phone = sql.NullString{String: in.Phone, Valid: true}
	}
	_, err := s.customerRepo.Upsert(ctx, s.db, row)
	return err
}

// linkOrEnqueue tries one immediate link pass and falls back to a retry job
// when the link is pending. Link failures never fail ingestion.
func (s *Service) linkOrEnqueue(ctx context.Context, orgID snowflake.ID, stage, correlationID string, payload any, attempt func() error) error {
	err := attempt()
	if err == nil {
		return nil
	}
	if !errors.Is(err, retryqueue.ErrNoMatch) && !errors.Is(err, retryqueue.ErrDependencyNotReady) {
		s.log.Warn("immediate link attempt errored, deferring to retry queue",
			zap.String("stage", stage),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
	}
	return s.enqueue(ctx, orgID, stage, correlationID, payload)
}

func (s *Service) enqueue(ctx context.Context, orgID snowflake.ID, stage, correlationID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", stage, err)
	}
	now := s.clock.Now()
	inserted, err := s.retryRepo.Enqueue(ctx, s.db, &retryqueue.Job{
		ID:            s.genID.Generate(),
		CorrelationID: correlationID,
		OrgID:         orgID,
		Stage:         stage,
		Payload:       datatypes.JSON(body),
		MaxAttempts:   s.cfg.RetryMaxAttempts,
		Status:        retryqueue.StatusQueued,
		ScheduledAt:   now.Add(s.cfg.RetryBackoffBase),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return err
	}
	if inserted {
		s.log.Debug("retry job enqueued",
			zap.String("stage", stage),
			zap.String("correlation_id", correlationID))
	}
	return nil
}

func (s *Service) observe(eventType, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.EventsIngested.WithLabelValues(eventType, outcome).Inc()
}

var Module = fx.Module("ingest",
	fx.Provide(New),
)
