package backfill

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/glosshouse/squaresync/internal/normalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticEnvelopeNormalizesAsOrder(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	doc := json.RawMessage(`{
		"id": "ORD1",
		"location_id": "LOC1",
		"state": "COMPLETED",
		"version": 3,
		"total_money": {"amount": 6500, "currency": "USD"}
	}`)

	raw, err := SyntheticEnvelope("order.updated", "MERCH1", doc, "order", now)
	require.NoError(t, err)

	res, err := normalize.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, normalize.KindOrder, res.Kind)
	assert.Equal(t, "MERCH1", res.MerchantID)
	require.NotNil(t, res.Order)
	assert.Equal(t, "ORD1", res.Order.ExternalID)
	assert.Equal(t, int64(3), res.Order.Version)
	assert.Equal(t, int64(6500), res.Order.TotalCents)
}

func TestSyntheticEnvelopeEventIDsDiffer(t *testing.T) {
	doc := json.RawMessage(`{"id": "GC1"}`)

	a, err := SyntheticEnvelope("gift_card.updated", "MERCH1", doc, "gift_card", time.Date(2026, 3, 2, 14, 0, 0, 1, time.UTC))
	require.NoError(t, err)
	b, err := SyntheticEnvelope("gift_card.updated", "MERCH1", doc, "gift_card", time.Date(2026, 3, 2, 14, 0, 0, 2, time.UTC))
	require.NoError(t, err)

	resA, err := normalize.Normalize(a)
	require.NoError(t, err)
	resB, err := normalize.Normalize(b)
	require.NoError(t, err)
	assert.NotEqual(t, resA.EventID, resB.EventID)
}
