package linker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/glosshouse/squaresync/internal/retryqueue"
)

// PaymentJobPayload is the retry job payload for the link_payment stage.
type PaymentJobPayload struct {
	PaymentID int64 `json:"payment_id"`
}

// StaffJobPayload is the retry job payload for the link_staff stage.
type StaffJobPayload struct {
	OrderID int64 `json:"order_id"`
}

// PaymentCorrelationID derives the job correlation id for a payment so that
// ingestion and retries collapse onto a single job per payment.
func PaymentCorrelationID(externalID string) string {
	return "link-payment-" + externalID
}

func StaffCorrelationID(externalID string) string {
	return "link-staff-" + externalID
}

type PaymentLinkHandler struct {
	linker *Linker
}

func NewPaymentLinkHandler(l *Linker) *PaymentLinkHandler {
	return &PaymentLinkHandler{linker: l}
}

func (h *PaymentLinkHandler) Stage() string { return retryqueue.StageLinkPayment }

func (h *PaymentLinkHandler) Run(ctx context.Context, job *retryqueue.Job) error {
	var payload PaymentJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retryqueue.Terminal(fmt.Errorf("decode link_payment payload: %w", err))
	}
	lastAttempt := job.Attempts+1 >= job.MaxAttempts
	return h.linker.LinkPayment(ctx, snowflake.ID(payload.PaymentID), lastAttempt)
}

type StaffLinkHandler struct {
	linker *Linker
}

func NewStaffLinkHandler(l *Linker) *StaffLinkHandler {
	return &StaffLinkHandler{linker: l}
}

func (h *StaffLinkHandler) Stage() string { return retryqueue.StageLinkStaff }

func (h *StaffLinkHandler) Run(ctx context.Context, job *retryqueue.Job) error {
	var payload StaffJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retryqueue.Terminal(fmt.Errorf("decode link_staff payload: %w", err))
	}
	lastAttempt := job.Attempts+1 >= job.MaxAttempts
	return h.linker.LinkOrderStaff(ctx, snowflake.ID(payload.OrderID), lastAttempt)
}
