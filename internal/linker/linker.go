// Package linker populates cross-entity references after the owning rows
// exist, walking a descending-confidence strategy chain. Links are
// write-once, so the chain is strictly most-specific-first: a low-confidence
// match written early could never be corrected later.
package linker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glosshouse/squaresync/internal/booking"
	"github.com/glosshouse/squaresync/internal/clock"
	"github.com/glosshouse/squaresync/internal/config"
	"github.com/glosshouse/squaresync/internal/observability"
	"github.com/glosshouse/squaresync/internal/order"
	"github.com/glosshouse/squaresync/internal/organization"
	"github.com/glosshouse/squaresync/internal/payment"
	"github.com/glosshouse/squaresync/internal/retryqueue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Confidence records how a link was established so downstream consumers can
// distinguish exact matches from heuristic guesses.
const (
	ConfidenceExact          = "exact"
	ConfidenceServiceWindow  = "service_window"
	ConfidenceCustomerWindow = "customer_window"
	ConfidenceHeuristic      = "heuristic"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	LinkingCfg  *config.LinkingConfigHolder
	Metrics     *observability.Metrics `optional:"true"`
	PaymentRepo *payment.Repository
	OrderRepo   *order.Repository
	BookingRepo *booking.Repository
	OrgRepo     *organization.Repository
}

type Linker struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	linkingCfg  *config.LinkingConfigHolder
	metrics     *observability.Metrics
	paymentRepo *payment.Repository
	orderRepo   *order.Repository
	bookingRepo *booking.Repository
	orgRepo     *organization.Repository
}

func New(p Params) *Linker {
	return &Linker{
		db:          p.DB,
		log:         p.Log.Named("linker"),
		clock:       p.Clock,
		linkingCfg:  p.LinkingCfg,
		metrics:     p.Metrics,
		paymentRepo: p.PaymentRepo,
		orderRepo:   p.OrderRepo,
		bookingRepo: p.BookingRepo,
		orgRepo:     p.OrgRepo,
	}
}

// LinkPayment resolves a payment's order and booking references.
// lastAttempt widens the chain to the low-confidence customer-window
// fallback; it must stay off until the service-window strategy has been
// exhausted across the retry budget, not merely attempted once.
func (l *Linker) LinkPayment(ctx context.Context, paymentID snowflake.ID, lastAttempt bool) error {
	p, err := l.paymentRepo.FindByID(ctx, l.db, paymentID)
	if err != nil {
		return err
	}
	if p == nil {
		return retryqueue.Terminal(fmt.Errorf("payment %d no longer exists", paymentID))
	}

	if p.OrderID == nil && p.OrderExternalID.Valid {
		ord, err := l.orderRepo.FindByExternalID(ctx, l.db, p.OrgID, p.OrderExternalID.String)
		if err != nil {
			return err
		}
		if ord == nil {
			// The order event has not arrived yet.
			return retryqueue.ErrDependencyNotReady
		}
		if _, err := l.paymentRepo.SetOrderLink(ctx, l.db, p.ID, ord.ID, l.clock.Now()); err != nil {
			return err
		}
		oid := ord.ID
		p.OrderID = &oid
	}

	if p.BookingID != nil {
		l.observe(ConfidenceExact, "already_linked")
		return nil
	}

	match, confidence, err := l.findBookingMatch(ctx, p, lastAttempt)
	if err != nil {
		return err
	}
	if match == nil {
		l.observe("none", "no_match")
		return retryqueue.ErrNoMatch
	}

	technicianID, administratorID, err := l.staffColumns(ctx, p.OrgID, match)
	if err != nil {
		return err
	}
	linked, err := l.paymentRepo.SetBookingLink(ctx, l.db, p.ID, match.BookingID, technicianID, administratorID, confidence, l.clock.Now())
	if err != nil {
		return err
	}
	if linked {
		l.observe(confidence, "linked")
		log := l.log.With(
			zap.String("payment", p.ExternalID),
			zap.Int64("booking_id", match.BookingID.Int64()),
			zap.String("confidence", confidence),
		)
		if confidence == ConfidenceCustomerWindow {
			log.Warn("payment linked with low-confidence customer-window fallback")
		} else {
			log.Info("payment linked to booking")
		}
	}
	return nil
}

// findBookingMatch runs the strategy chain, stopping at the first match.
func (l *Linker) findBookingMatch(ctx context.Context, p *payment.Payment, lastAttempt bool) (*booking.Candidate, string, error) {
	if p.CustomerID == nil {
		// Without a customer there is nothing to anchor any window search
		// on; treated as no-match so the job can exhaust to terminal.
		return nil, "", nil
	}

	anchor, items, err := l.windowAnchor(ctx, p)
	if err != nil {
		return nil, "", err
	}

	linkCfg := l.linkingCfg.Get()
	from := anchor.Add(-linkCfg.WindowBefore())
	to := anchor.Add(linkCfg.WindowAfter())

	// Strategy 2: service variation + time window, nearest neighbor.
	var candidates []booking.Candidate
	for _, item := range items {
		if !item.ServiceVariationID.Valid {
			continue
		}
		found, err := l.bookingRepo.SearchCandidatesByService(ctx, l.db, p.OrgID, *p.CustomerID, p.LocationID, item.ServiceVariationID.String, from, to)
		if err != nil {
			return nil, "", err
		}
		candidates = append(candidates, found...)
	}
	if match := nearest(candidates, anchor); match != nil {
		return match, ConfidenceServiceWindow, nil
	}

	// Strategy 3: customer + window only, materially lower confidence.
	// Gated on the final retry so the service-window strategy gets the
	// whole retry budget first.
	if !lastAttempt {
		return nil, "", nil
	}
	fallback, err := l.bookingRepo.SearchCandidatesByCustomer(ctx, l.db, p.OrgID, *p.CustomerID, p.LocationID, from, to)
	if err != nil {
		return nil, "", err
	}
	if match := nearest(fallback, anchor); match != nil {
		return match, ConfidenceCustomerWindow, nil
	}
	return nil, "", nil
}

// windowAnchor returns the search anchor (the order's upstream creation
// time when known, otherwise the payment's) plus the order's line items.
func (l *Linker) windowAnchor(ctx context.Context, p *payment.Payment) (time.Time, []order.LineItem, error) {
	anchor := p.CreatedAt
	if p.UpstreamUpdatedAt.Valid {
		anchor = p.UpstreamUpdatedAt.Time
	}
	if p.OrderID == nil {
		return anchor, nil, nil
	}

	ord, err := l.orderRepo.FindByID(ctx, l.db, *p.OrderID)
	if err != nil {
		return anchor, nil, err
	}
	if ord == nil {
		return anchor, nil, nil
	}
	if ord.CreatedAtUpstream.Valid {
		anchor = ord.CreatedAtUpstream.Time
	}
	items, err := l.orderRepo.ListLineItems(ctx, l.db, ord.ID)
	if err != nil {
		return anchor, nil, err
	}
	return anchor, items, nil
}

// staffColumns maps a candidate's staff member onto the technician or
// administrator column based on the staff role.
func (l *Linker) staffColumns(ctx context.Context, orgID snowflake.ID, match *booking.Candidate) (*snowflake.ID, *snowflake.ID, error) {
	var staff *organization.StaffMember
	var err error
	switch {
	case match.StaffID != nil:
		staff, err = l.findStaffByID(ctx, *match.StaffID)
		if err != nil {
			return nil, nil, err
		}
	case match.StaffExternalID != "":
		staff, err = l.orgRepo.FindStaffByExternalID(ctx, l.db, orgID, match.StaffExternalID)
		if err != nil {
			return nil, nil, err
		}
	}
	if staff == nil {
		return nil, nil, nil
	}
	if staff.Role == organization.StaffRoleAdministrator {
		return nil, &staff.ID, nil
	}
	return &staff.ID, nil, nil
}

func (l *Linker) findStaffByID(ctx context.Context, id snowflake.ID) (*organization.StaffMember, error) {
	var staff organization.StaffMember
	err := l.db.WithContext(ctx).Raw(
		`SELECT id, org_id, external_id, display_name, email, role, active, created_at, updated_at
		 FROM staff_members WHERE id = ?`, id,
	).Scan(&staff).Error
	if err != nil {
		return nil, err
	}
	if staff.ID == 0 {
		return nil, nil
	}
	return &staff, nil
}

// nearest picks the candidate with the smallest absolute time delta to the
// anchor.
func nearest(candidates []booking.Candidate, anchor time.Time) *booking.Candidate {
	var best *booking.Candidate
	var bestDelta time.Duration
	for i := range candidates {
		delta := candidates[i].StartAt.Sub(anchor)
		if delta < 0 {
			delta = -delta
		}
		if best == nil || delta < bestDelta {
			best = &candidates[i]
			bestDelta = delta
		}
	}
	return best
}

// LinkOrderStaff fills technician/administrator references on an order's
// line items from matching booking segments, falling back to the free-text
// staff-name heuristic when enabled.
func (l *Linker) LinkOrderStaff(ctx context.Context, orderID snowflake.ID, lastAttempt bool) error {
	ord, err := l.orderRepo.FindByID(ctx, l.db, orderID)
	if err != nil {
		return err
	}
	if ord == nil {
		return retryqueue.Terminal(fmt.Errorf("order %d no longer exists", orderID))
	}
	items, err := l.orderRepo.ListLineItems(ctx, l.db, ord.ID)
	if err != nil {
		return err
	}

	anchor := ord.CreatedAt
	if ord.CreatedAtUpstream.Valid {
		anchor = ord.CreatedAtUpstream.Time
	}
	linkCfg := l.linkingCfg.Get()
	from := anchor.Add(-linkCfg.WindowBefore())
	to := anchor.Add(linkCfg.WindowAfter())

	unlinked := 0
	linkedAny := false
	for i := range items {
		item := &items[i]
		if item.TechnicianID != nil || item.AdministratorID != nil {
			continue
		}
		unlinked++

		if item.ServiceVariationID.Valid && ord.CustomerID != nil {
			candidates, err := l.bookingRepo.SearchCandidatesByService(ctx, l.db, ord.OrgID, *ord.CustomerID, ord.LocationID, item.ServiceVariationID.String, from, to)
			if err != nil {
				return err
			}
			if match := nearest(candidates, anchor); match != nil {
				technicianID, administratorID, err := l.staffColumns(ctx, ord.OrgID, match)
				if err != nil {
					return err
				}
				if technicianID != nil || administratorID != nil {
					set, err := l.orderRepo.SetLineItemStaff(ctx, l.db, item.ID, technicianID, administratorID, ConfidenceServiceWindow, l.clock.Now())
					if err != nil {
						return err
					}
					if set {
						l.observe(ConfidenceServiceWindow, "linked")
						linkedAny = true
					}
					continue
				}
			}
		}

		// The name heuristic waits for the final attempt so the
		// segment-based strategy gets the whole retry budget first.
		if linkCfg.StaffNameHeuristic && lastAttempt {
			set, err := l.linkByStaffName(ctx, ord.OrgID, item)
			if err != nil {
				return err
			}
			if set {
				linkedAny = true
				continue
			}
		}
	}

	if unlinked == 0 || linkedAny {
		return nil
	}
	return retryqueue.ErrNoMatch
}

// linkByStaffName is the last-resort heuristic: a staff member's display
// name appearing in the line item's free text. Clearly labeled as such in
// the recorded confidence so consumers can discount it.
func (l *Linker) linkByStaffName(ctx context.Context, orgID snowflake.ID, item *order.LineItem) (bool, error) {
	staffList, err := l.orgRepo.ListActiveStaff(ctx, l.db, orgID)
	if err != nil {
		return false, err
	}
	haystack := strings.ToLower(item.Name)
	if item.Note.Valid {
		haystack += " " + strings.ToLower(item.Note.String)
	}
	for i := range staffList {
		s := &staffList[i]
		name := strings.ToLower(strings.TrimSpace(s.DisplayName))
		if name == "" || !strings.Contains(haystack, name) {
			continue
		}
		var technicianID, administratorID *snowflake.ID
		if s.Role == organization.StaffRoleAdministrator {
			administratorID = &s.ID
		} else {
			technicianID = &s.ID
		}
		set, err := l.orderRepo.SetLineItemStaff(ctx, l.db, item.ID, technicianID, administratorID, ConfidenceHeuristic, l.clock.Now())
		if err != nil {
			return false, err
		}
		if set {
			l.observe(ConfidenceHeuristic, "linked")
			l.log.Warn("line item linked via staff-name heuristic",
				zap.Int64("line_item_id", item.ID.Int64()),
				zap.String("staff", s.DisplayName))
		}
		return set, nil
	}
	return false, nil
}

func (l *Linker) observe(strategy, outcome string) {
	if l.metrics == nil {
		return
	}
	l.metrics.LinkAttempts.WithLabelValues(strategy, outcome).Inc()
}
