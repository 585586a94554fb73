package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glosshouse/squaresync/internal/retryqueue"
	"github.com/glosshouse/squaresync/internal/upstream"
)

// GiftCardSyncHandler repairs a stub gift card created by an activity event
// that arrived before the card itself: it fetches the card document plus the
// full activity history and replays both through the pipeline.
type GiftCardSyncHandler struct {
	svc *Service
}

func NewGiftCardSyncHandler(svc *Service) *GiftCardSyncHandler {
	return &GiftCardSyncHandler{svc: svc}
}

func (h *GiftCardSyncHandler) Stage() string { return retryqueue.StageGiftCardSync }

func (h *GiftCardSyncHandler) Run(ctx context.Context, job *retryqueue.Job) error {
	var payload struct {
		GiftCardExternalID string `json:"gift_card_external_id"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retryqueue.Terminal(fmt.Errorf("decode giftcard_sync payload: %w", err))
	}
	s := h.svc

	org, err := s.orgRepo.FindByID(ctx, s.db, job.OrgID)
	if err != nil {
		return err
	}
	if org == nil {
		return retryqueue.Terminal(fmt.Errorf("organization %d no longer exists", job.OrgID))
	}

	doc, err := s.client.GetGiftCard(ctx, payload.GiftCardExternalID)
	if err != nil {
		return mapUpstreamErr(err)
	}
	envelope, err := SyntheticEnvelope("gift_card.updated", org.MerchantID, doc, "gift_card", s.clock.Now())
	if err != nil {
		return err
	}
	if err := s.ingest.Process(ctx, envelope); err != nil {
		return err
	}

	activities, err := s.client.ListGiftCardActivities(ctx, payload.GiftCardExternalID)
	if err != nil {
		return mapUpstreamErr(err)
	}
	for _, activity := range activities {
		envelope, err := SyntheticEnvelope("gift_card.activity.updated", org.MerchantID, activity, "gift_card_activity", s.clock.Now())
		if err != nil {
			return err
		}
		if err := s.ingest.Process(ctx, envelope); err != nil {
			return err
		}
	}

	card, err := s.giftCardRepo.FindByExternalID(ctx, s.db, org.ID, payload.GiftCardExternalID)
	if err != nil {
		return err
	}
	if card == nil {
		return nil
	}
	return s.giftCardRepo.Touch(ctx, s.db, card.ID, s.clock.Now())
}

// LocationBackfillHandler replays a location's order history as a deferred
// job, so an operator-triggered backfill survives restarts.
type LocationBackfillHandler struct {
	svc *Service
}

func NewLocationBackfillHandler(svc *Service) *LocationBackfillHandler {
	return &LocationBackfillHandler{svc: svc}
}

func (h *LocationBackfillHandler) Stage() string { return retryqueue.StageBackfillLocation }

// LocationJobPayload is the backfill_location job payload.
type LocationJobPayload struct {
	LocationExternalID string    `json:"location_external_id"`
	From               time.Time `json:"from"`
	To                 time.Time `json:"to"`
}

func (h *LocationBackfillHandler) Run(ctx context.Context, job *retryqueue.Job) error {
	var payload LocationJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retryqueue.Terminal(fmt.Errorf("decode backfill_location payload: %w", err))
	}
	s := h.svc

	org, err := s.orgRepo.FindByID(ctx, s.db, job.OrgID)
	if err != nil {
		return err
	}
	if org == nil {
		return retryqueue.Terminal(fmt.Errorf("organization %d no longer exists", job.OrgID))
	}

	// Repair the stub first so rows resolved during the replay already
	// point at a named location.
	doc, err := s.client.GetLocation(ctx, payload.LocationExternalID)
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		// The stub stays; the order replay may still resolve rows that
		// reference the retired location.
	case err != nil:
		return mapUpstreamErr(err)
	default:
		if err := s.orgRepo.RepairLocation(ctx, s.db, job.OrgID, payload.LocationExternalID, doc.Name, doc.Timezone, s.clock.Now()); err != nil {
			return err
		}
	}

	from, to := payload.From, payload.To
	if to.IsZero() {
		to = s.clock.Now()
	}
	if from.IsZero() {
		from = to.Add(-s.cfg.BackfillWindow)
	}
	if err := s.BackfillLocation(ctx, org, payload.LocationExternalID, from, to); err != nil {
		return mapUpstreamErr(err)
	}
	return nil
}

// OrderBackfillHandler refetches a single order document, used when a
// webhook carried only an order id notification that could not be resolved.
type OrderBackfillHandler struct {
	svc *Service
}

func NewOrderBackfillHandler(svc *Service) *OrderBackfillHandler {
	return &OrderBackfillHandler{svc: svc}
}

func (h *OrderBackfillHandler) Stage() string { return retryqueue.StageBackfillOrder }

// OrderJobPayload is the backfill_order job payload.
type OrderJobPayload struct {
	OrderExternalID string `json:"order_external_id"`
}

func (h *OrderBackfillHandler) Run(ctx context.Context, job *retryqueue.Job) error {
	var payload OrderJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retryqueue.Terminal(fmt.Errorf("decode backfill_order payload: %w", err))
	}
	s := h.svc

	org, err := s.orgRepo.FindByID(ctx, s.db, job.OrgID)
	if err != nil {
		return err
	}
	if org == nil {
		return retryqueue.Terminal(fmt.Errorf("organization %d no longer exists", job.OrgID))
	}

	doc, err := s.client.GetOrder(ctx, payload.OrderExternalID)
	if err != nil {
		return mapUpstreamErr(err)
	}
	envelope, err := SyntheticEnvelope("order.updated", org.MerchantID, doc, "order", s.clock.Now())
	if err != nil {
		return err
	}
	return s.ingest.Process(ctx, envelope)
}

// mapUpstreamErr converts upstream failures into retry-queue outcomes: a
// vanished entity is terminal, rate limits and timeouts reschedule.
func mapUpstreamErr(err error) error {
	if errors.Is(err, upstream.ErrNotFound) {
		return retryqueue.Terminal(err)
	}
	return err
}
