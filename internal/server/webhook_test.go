package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glosshouse/squaresync/internal/booking"
	"github.com/glosshouse/squaresync/internal/clock"
	"github.com/glosshouse/squaresync/internal/config"
	"github.com/glosshouse/squaresync/internal/customer"
	"github.com/glosshouse/squaresync/internal/giftcard"
	"github.com/glosshouse/squaresync/internal/ingest"
	"github.com/glosshouse/squaresync/internal/linker"
	"github.com/glosshouse/squaresync/internal/order"
	"github.com/glosshouse/squaresync/internal/organization"
	"github.com/glosshouse/squaresync/internal/payment"
	"github.com/glosshouse/squaresync/internal/resolver"
	"github.com/glosshouse/squaresync/internal/retryqueue"
	"github.com/glosshouse/squaresync/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret          = "wh-secret"
	testNotificationURL = "https://hooks.glosshouse.example/v1/webhooks/square"
)

func newTestRouter(t *testing.T, cfg config.Config) *gin.Engine {
	t.Helper()
	db := testdb.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(now)
	log := zap.NewNop()

	orgRepo := organization.NewRepository()
	orderRepo := order.NewRepository()
	bookingRepo := booking.NewRepository()
	paymentRepo := payment.NewRepository()
	retryRepo := retryqueue.NewRepository()

	res := resolver.New(resolver.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: cfg,
		OrgRepo: orgRepo, CustomerRepo: customer.NewRepository(),
		OrderRepo: orderRepo, BookingRepo: bookingRepo,
		RetryRepo: retryRepo,
	})
	lnk := linker.New(linker.Params{
		DB: db, Log: log, Clock: fake,
		LinkingCfg:  config.NewStaticLinkingConfigHolder(config.DefaultLinkingConfig()),
		PaymentRepo: paymentRepo, OrderRepo: orderRepo,
		BookingRepo: bookingRepo, OrgRepo: orgRepo,
	})
	svc := ingest.New(ingest.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: cfg,
		Resolver: res, Linker: lnk,
		CustomerRepo: customer.NewRepository(), OrderRepo: orderRepo,
		BookingRepo: bookingRepo, PaymentRepo: paymentRepo,
		GiftCardRepo: giftcard.NewRepository(), RetryRepo: retryRepo,
	})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewWebhookHandler(WebhookHandlerParams{Cfg: cfg, Log: log, Ingest: svc})
	registerWebhookRoutes(r, h)
	return r
}

func sign(secret, url, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(url))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func post(r *gin.Engine, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/square", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookValidSignature(t *testing.T) {
	cfg := config.Config{
		SquareWebhookSecret:   testSecret,
		SquareNotificationURL: testNotificationURL,
	}
	r := newTestRouter(t, cfg)

	body := `{"type": "loyalty.account.updated", "event_id": "evt-1", "merchant_id": "M1", "data": {"object": {}}}`
	w := post(r, body, sign(testSecret, testNotificationURL, body))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestWebhookInvalidSignature(t *testing.T) {
	cfg := config.Config{
		SquareWebhookSecret:   testSecret,
		SquareNotificationURL: testNotificationURL,
	}
	r := newTestRouter(t, cfg)

	body := `{"type": "payment.created", "data": {"object": {"payment": {"id": "PAY1"}}}}`
	w := post(r, body, sign("wrong-secret", testNotificationURL, body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(r, body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookSignatureCoversNotificationURL(t *testing.T) {
	cfg := config.Config{
		SquareWebhookSecret:   testSecret,
		SquareNotificationURL: testNotificationURL,
	}
	r := newTestRouter(t, cfg)

	body := `{"type": "loyalty.account.updated", "event_id": "evt-1", "data": {"object": {}}}`
	w := post(r, body, sign(testSecret, "https://elsewhere.example/hook", body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookNoSecretSkipsVerification(t *testing.T) {
	r := newTestRouter(t, config.Config{})

	body := `{"type": "loyalty.account.updated", "event_id": "evt-1", "data": {"object": {}}}`
	w := post(r, body, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookMalformedPayload(t *testing.T) {
	r := newTestRouter(t, config.Config{})

	w := post(r, `{"type": "payment.created`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookMissingIdentifier(t *testing.T) {
	r := newTestRouter(t, config.Config{})

	body := `{"type": "payment.created", "event_id": "evt-1", "merchant_id": "M1",
	          "data": {"object": {"payment": {"status": "COMPLETED"}}}}`
	w := post(r, body, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookUnresolvableTenantAcknowledged(t *testing.T) {
	r := newTestRouter(t, config.Config{})

	body := `{"type": "payment.created", "event_id": "evt-1", "merchant_id": "UNKNOWN",
	          "data": {"object": {"payment": {"id": "PAY1", "status": "COMPLETED"}}}}`
	w := post(r, body, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"dropped"`)
}
