package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/glosshouse/squaresync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// HTTPClient talks to the live platform API with a bounded per-call timeout.
type HTTPClient struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
	log     *zap.Logger
}

func NewHTTPClient(cfg config.Config, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.SquareBaseURL,
		token:   cfg.SquareAccessToken,
		timeout: cfg.UpstreamTimeout,
		http:    &http.Client{},
		log:     log.Named("upstream"),
	}
}

func (c *HTTPClient) GetOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.getObject(ctx, "/v2/orders/"+url.PathEscape(orderID), "order")
}

func (c *HTTPClient) GetBooking(ctx context.Context, bookingID string) (json.RawMessage, error) {
	return c.getObject(ctx, "/v2/bookings/"+url.PathEscape(bookingID), "booking")
}

func (c *HTTPClient) GetGiftCard(ctx context.Context, giftCardID string) (json.RawMessage, error) {
	return c.getObject(ctx, "/v2/gift-cards/"+url.PathEscape(giftCardID), "gift_card")
}

func (c *HTTPClient) GetLocation(ctx context.Context, locationID string) (*Location, error) {
	body, err := c.do(ctx, http.MethodGet, "/v2/locations/"+url.PathEscape(locationID), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Location Location `json:"location"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode location: %w", err)
	}
	return &out.Location, nil
}

func (c *HTTPClient) ListGiftCardActivities(ctx context.Context, giftCardID string) ([]json.RawMessage, error) {
	var activities []json.RawMessage
	cursor := ""
	for {
		path := "/v2/gift-cards/activities?gift_card_id=" + url.QueryEscape(giftCardID)
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		body, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		var out struct {
			GiftCardActivities []json.RawMessage `json:"gift_card_activities"`
			Cursor             string            `json:"cursor"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode activities: %w", err)
		}
		activities = append(activities, out.GiftCardActivities...)
		if out.Cursor == "" {
			return activities, nil
		}
		cursor = out.Cursor
	}
}

func (c *HTTPClient) SearchOrders(ctx context.Context, locationID string, from, to time.Time, cursor string) (*OrdersPage, error) {
	req := map[string]any{
		"location_ids": []string{locationID},
		"query": map[string]any{
			"filter": map[string]any{
				"date_time_filter": map[string]any{
					"created_at": map[string]any{
						"start_at": from.UTC().Format(time.RFC3339),
						"end_at":   to.UTC().Format(time.RFC3339),
					},
				},
			},
			"sort": map[string]any{"sort_field": "CREATED_AT", "sort_order": "ASC"},
		},
	}
	if cursor != "" {
		req["cursor"] = cursor
	}

	body, err := c.do(ctx, http.MethodPost, "/v2/orders/search", req)
	if err != nil {
		return nil, err
	}
	var out struct {
		Orders []json.RawMessage `json:"orders"`
		Cursor string            `json:"cursor"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode order search: %w", err)
	}
	return &OrdersPage{Orders: out.Orders, Cursor: out.Cursor}, nil
}

func (c *HTTPClient) ListTeamMembers(ctx context.Context) ([]TeamMember, error) {
	var members []TeamMember
	cursor := ""
	for {
		req := map[string]any{"limit": 200}
		if cursor != "" {
			req["cursor"] = cursor
		}
		body, err := c.do(ctx, http.MethodPost, "/v2/team-members/search", req)
		if err != nil {
			return nil, err
		}
		var out struct {
			TeamMembers []TeamMember `json:"team_members"`
			Cursor      string       `json:"cursor"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode team members: %w", err)
		}
		members = append(members, out.TeamMembers...)
		if out.Cursor == "" {
			return members, nil
		}
		cursor = out.Cursor
	}
}

// getObject fetches a document and unwraps the single top-level entity key.
func (c *HTTPClient) getObject(ctx context.Context, path, wrapper string) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", wrapper, err)
	}
	doc, ok := out[wrapper]
	if !ok {
		return nil, fmt.Errorf("%s missing in response", wrapper)
	}
	return doc, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("upstream %s %s: status %d: %s", method, path, resp.StatusCode, truncate(raw, 200))
	}
	return raw, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var Module = fx.Module("upstream",
	fx.Provide(
		fx.Annotate(NewHTTPClient, fx.As(new(Client))),
	),
)
