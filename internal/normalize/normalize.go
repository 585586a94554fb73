// Package normalize maps vendor webhook payloads onto canonical records.
// Normalization is pure and total: a recognized event either yields a
// canonical record or ErrMissingIdentifier; unrecognized event types come
// back as KindUnknown for the caller to log and skip.
package normalize

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrMalformedPayload means the envelope is not structurally parseable.
	// Retrying cannot succeed, so callers reject rather than requeue.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMissingIdentifier means a recognized event lacks the entity's
	// primary identifier.
	ErrMissingIdentifier = errors.New("missing primary identifier")
)

// Normalize parses a raw webhook delivery into its canonical record.
func Normalize(raw []byte) (*Result, error) {
	if !json.Valid(raw) {
		return nil, ErrMalformedPayload
	}
	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, ErrMalformedPayload
	}

	eventType := lookupString(envelope, "type", "event_type", "eventType")
	result := &Result{
		Kind:       KindUnknown,
		EventID:    lookupString(envelope, "event_id", "eventId", "id"),
		EventType:  eventType,
		MerchantID: lookupString(envelope, "merchant_id", "merchantId"),
		CreatedAt:  lookupTime(envelope, "created_at", "createdAt"),
	}

	data := lookupMap(envelope, "data", "payload")
	object := lookupMap(data, "object", "Object")

	switch {
	case strings.HasPrefix(eventType, "order."):
		return normalizeOrder(result, object)
	case strings.HasPrefix(eventType, "payment."):
		return normalizePayment(result, object)
	case strings.HasPrefix(eventType, "booking."):
		return normalizeBooking(result, object)
	case strings.HasPrefix(eventType, "gift_card.activity."):
		return normalizeGiftCardActivity(result, object)
	case strings.HasPrefix(eventType, "gift_card."):
		return normalizeGiftCard(result, object)
	case strings.HasPrefix(eventType, "customer."):
		return normalizeCustomer(result, object)
	default:
		return result, nil
	}
}

// normalizeOrder handles both wrapper shapes the vendor emits: the id-only
// notification ("order_created"/"order_updated") and the full order document.
func normalizeOrder(result *Result, object map[string]any) (*Result, error) {
	node := lookupMap(object, "order_created", "orderCreated", "order_updated", "orderUpdated", "order")
	if node == nil {
		node = object
	}
	externalID := lookupString(node, "order_id", "orderId", "id")
	if externalID == "" {
		return nil, ErrMissingIdentifier
	}

	totalCents, currency := money(node, "total_money", "totalMoney")
	ord := &Order{
		ExternalID:         externalID,
		LocationExternalID: lookupString(node, "location_id", "locationId"),
		CustomerExternalID: lookupString(node, "customer_id", "customerId"),
		State:              lookupString(node, "state", "status"),
		Version:            lookupInt64(node, "version"),
		TotalCents:         totalCents,
		Currency:           currency,
		CreatedAt:          lookupTime(node, "created_at", "createdAt"),
		Raw:                marshalRaw(node),
	}

	for _, item := range lookupSlice(node, "line_items", "lineItems") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		amount, itemCurrency := money(m, "total_money", "totalMoney", "base_price_money", "basePriceMoney")
		ord.LineItems = append(ord.LineItems, LineItem{
			UID:                lookupString(m, "uid"),
			Name:               lookupString(m, "name"),
			Note:               lookupString(m, "note"),
			Quantity:           defaultQuantity(lookupString(m, "quantity")),
			ServiceVariationID: lookupString(m, "catalog_object_id", "catalogObjectId", "service_variation_id", "serviceVariationId"),
			AmountCents:        amount,
			Currency:           itemCurrency,
		})
	}

	result.Kind = KindOrder
	result.Order = ord
	return result, nil
}

func normalizePayment(result *Result, object map[string]any) (*Result, error) {
	node := lookupMap(object, "payment")
	if node == nil {
		node = object
	}
	externalID := lookupString(node, "id", "payment_id", "paymentId")
	if externalID == "" {
		return nil, ErrMissingIdentifier
	}

	amount, currency := money(node, "amount_money", "amountMoney", "total_money", "totalMoney")
	tip, _ := money(node, "tip_money", "tipMoney")
	result.Kind = KindPayment
	result.Payment = &Payment{
		ExternalID:         externalID,
		OrderExternalID:    lookupString(node, "order_id", "orderId"),
		CustomerExternalID: lookupString(node, "customer_id", "customerId"),
		LocationExternalID: lookupString(node, "location_id", "locationId"),
		Status:             lookupString(node, "status"),
		AmountCents:        amount,
		TipCents:           tip,
		Currency:           currency,
		UpdatedAt:          lookupTime(node, "updated_at", "updatedAt", "created_at", "createdAt"),
		Raw:                marshalRaw(node),
	}
	return result, nil
}

func normalizeBooking(result *Result, object map[string]any) (*Result, error) {
	node := lookupMap(object, "booking")
	if node == nil {
		node = object
	}
	externalID := lookupString(node, "id", "booking_id", "bookingId")
	if externalID == "" {
		return nil, ErrMissingIdentifier
	}

	b := &Booking{
		ExternalID:         externalID,
		LocationExternalID: lookupString(node, "location_id", "locationId"),
		CustomerExternalID: lookupString(node, "customer_id", "customerId"),
		Status:             lookupString(node, "status"),
		Version:            lookupInt64(node, "version"),
		StartAt:            lookupTime(node, "start_at", "startAt"),
		Raw:                marshalRaw(node),
	}
	for _, seg := range lookupSlice(node, "appointment_segments", "appointmentSegments", "segments") {
		m, ok := seg.(map[string]any)
		if !ok {
			continue
		}
		b.Segments = append(b.Segments, Segment{
			ServiceVariationID: lookupString(m, "service_variation_id", "serviceVariationId"),
			StaffExternalID:    lookupString(m, "team_member_id", "teamMemberId", "staff_id", "staffId"),
			DurationMinutes:    lookupInt64(m, "duration_minutes", "durationMinutes"),
		})
	}

	result.Kind = KindBooking
	result.Booking = b
	return result, nil
}

func normalizeGiftCard(result *Result, object map[string]any) (*Result, error) {
	node := lookupMap(object, "gift_card", "giftCard")
	if node == nil {
		node = object
	}
	externalID := lookupString(node, "id", "gift_card_id", "giftCardId")
	if externalID == "" {
		return nil, ErrMissingIdentifier
	}
	_, currency := money(node, "balance_money", "balanceMoney")

	result.Kind = KindGiftCard
	result.GiftCard = &GiftCard{
		ExternalID: externalID,
		State:      lookupString(node, "state"),
		Currency:   currency,
		Raw:        marshalRaw(node),
	}
	return result, nil
}

// Activity amounts live under per-type detail wrappers; tried most common
// first. The sign convention is applied later, at persistence time.
var activityDetailWrappers = []string{
	"activate_activity_details", "activateActivityDetails",
	"load_activity_details", "loadActivityDetails",
	"redeem_activity_details", "redeemActivityDetails",
	"adjust_increment_activity_details", "adjustIncrementActivityDetails",
	"adjust_decrement_activity_details", "adjustDecrementActivityDetails",
}

func normalizeGiftCardActivity(result *Result, object map[string]any) (*Result, error) {
	node := lookupMap(object, "gift_card_activity", "giftCardActivity")
	if node == nil {
		node = object
	}
	activityID := lookupString(node, "id", "activity_id", "activityId")
	if activityID == "" {
		return nil, ErrMissingIdentifier
	}
	giftCardID := lookupString(node, "gift_card_id", "giftCardId", "gift_card_gan", "giftCardGan")
	if giftCardID == "" {
		return nil, ErrMissingIdentifier
	}

	amount, _ := money(node, "gift_card_balance_money_delta")
	if amount == 0 {
		details := lookupMap(node, activityDetailWrappers...)
		amount, _ = money(details, "amount_money", "amountMoney")
	}

	result.Kind = KindGiftCardActivity
	result.GiftCardActivity = &GiftCardActivity{
		ActivityID:         activityID,
		GiftCardExternalID: giftCardID,
		Type:               strings.ToUpper(lookupString(node, "type")),
		AmountCents:        amount,
		LocationExternalID: lookupString(node, "location_id", "locationId"),
		OccurredAt:         lookupTime(node, "created_at", "createdAt"),
		Raw:                marshalRaw(node),
	}
	return result, nil
}

func normalizeCustomer(result *Result, object map[string]any) (*Result, error) {
	node := lookupMap(object, "customer")
	if node == nil {
		node = object
	}
	externalID := lookupString(node, "id", "customer_id", "customerId")
	if externalID == "" {
		return nil, ErrMissingIdentifier
	}

	result.Kind = KindCustomer
	result.Customer = &Customer{
		ExternalID: externalID,
		GivenName:  lookupString(node, "given_name", "givenName", "first_name", "firstName"),
		FamilyName: lookupString(node, "family_name", "familyName", "last_name", "lastName"),
		Email:      lookupString(node, "email_address", "emailAddress", "email"),
		Phone:      lookupString(node, "phone_number", "phoneNumber", "phone"),
		Raw:        marshalRaw(node),
	}
	return result, nil
}

func defaultQuantity(q string) string {
	if q == "" {
		return "1"
	}
	return q
}

func marshalRaw(node map[string]any) json.RawMessage {
	if node == nil {
		return nil
	}
	raw, err := json.Marshal(node)
	if err != nil {
		return nil
	}
	return raw
}
