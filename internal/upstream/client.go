// Package upstream wraps the commerce platform's REST API. The rest of the
// system treats it as a black box returning entity documents by id.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound: the entity no longer exists upstream. Terminal for the
	// job that needed it.
	ErrNotFound = errors.New("upstream: not found")
	// ErrRateLimited: back off and retry through the job queue.
	ErrRateLimited = errors.New("upstream: rate limited")
	// ErrTimeout: treated as recoverable, routed to the job queue rather
	// than retried inline while a webhook request is held open.
	ErrTimeout = errors.New("upstream: timeout")
)

// Location is the subset of the upstream location document the backfill
// needs to repair stub rows.
type Location struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
	Status   string `json:"status"`
}

// TeamMember is the upstream staff document.
type TeamMember struct {
	ID         string `json:"id"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email_address"`
	Status     string `json:"status"`
	IsOwner    bool   `json:"is_owner"`
}

// OrdersPage is one page of an order search.
type OrdersPage struct {
	Orders []json.RawMessage
	Cursor string
}

// Client is the upstream API surface the reconciliation core consumes.
// Entity documents come back raw so they flow through the same normalizer
// as webhook payloads.
type Client interface {
	GetOrder(ctx context.Context, orderID string) (json.RawMessage, error)
	GetBooking(ctx context.Context, bookingID string) (json.RawMessage, error)
	GetGiftCard(ctx context.Context, giftCardID string) (json.RawMessage, error)
	GetLocation(ctx context.Context, locationID string) (*Location, error)
	ListGiftCardActivities(ctx context.Context, giftCardID string) ([]json.RawMessage, error)
	SearchOrders(ctx context.Context, locationID string, from, to time.Time, cursor string) (*OrdersPage, error)
	ListTeamMembers(ctx context.Context) ([]TeamMember, error)
}
