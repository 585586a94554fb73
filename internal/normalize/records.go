package normalize

import (
	"encoding/json"
	"time"
)

// Kind identifies which canonical record a normalized event produced.
type Kind string

const (
	KindUnknown          Kind = "unknown"
	KindOrder            Kind = "order"
	KindPayment          Kind = "payment"
	KindBooking          Kind = "booking"
	KindGiftCard         Kind = "gift_card"
	KindGiftCardActivity Kind = "gift_card_activity"
	KindCustomer         Kind = "customer"
)

// Result is the canonical, alias-free output of normalization. Exactly one
// of the entity pointers is set for a recognized event.
type Result struct {
	Kind       Kind
	EventID    string
	EventType  string
	MerchantID string
	CreatedAt  time.Time

	Order            *Order
	Payment          *Payment
	Booking          *Booking
	GiftCard         *GiftCard
	GiftCardActivity *GiftCardActivity
	Customer         *Customer
}

type Order struct {
	ExternalID         string
	LocationExternalID string
	CustomerExternalID string
	State              string
	Version            int64
	TotalCents         int64
	Currency           string
	CreatedAt          time.Time
	LineItems          []LineItem
	Raw                json.RawMessage
}

type LineItem struct {
	UID                string
	Name               string
	Note               string
	Quantity           string
	ServiceVariationID string
	AmountCents        int64
	Currency           string
}

type Payment struct {
	ExternalID         string
	OrderExternalID    string
	CustomerExternalID string
	LocationExternalID string
	Status             string
	AmountCents        int64
	TipCents           int64
	Currency           string
	UpdatedAt          time.Time
	Raw                json.RawMessage
}

type Booking struct {
	ExternalID         string
	LocationExternalID string
	CustomerExternalID string
	Status             string
	Version            int64
	StartAt            time.Time
	Segments           []Segment
	Raw                json.RawMessage
}

type Segment struct {
	ServiceVariationID string
	StaffExternalID    string
	DurationMinutes    int64
}

type GiftCard struct {
	ExternalID string
	State      string
	Currency   string
	Raw        json.RawMessage
}

type GiftCardActivity struct {
	ActivityID         string
	GiftCardExternalID string
	Type               string
	AmountCents        int64
	LocationExternalID string
	OccurredAt         time.Time
	Raw                json.RawMessage
}

type Customer struct {
	ExternalID string
	GivenName  string
	FamilyName string
	Email      string
	Phone      string
	Raw        json.RawMessage
}
