package retryqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

const (
	StageLinkPayment      = "link_payment"
	StageLinkStaff        = "link_staff"
	StageGiftCardSync     = "giftcard_sync"
	StageBackfillLocation = "backfill_location"
	StageBackfillOrder    = "backfill_order"
)

// Job is one deferred unit of work. Idempotent on CorrelationID: enqueueing
// the same correlation id while a job is queued or running is a no-op.
type Job struct {
	ID            snowflake.ID   `gorm:"primaryKey" json:"id"`
	CorrelationID string         `gorm:"uniqueIndex;not null" json:"correlation_id"`
	OrgID         snowflake.ID   `gorm:"not null;index" json:"organization_id"`
	Stage         string         `gorm:"not null" json:"stage"`
	Payload       datatypes.JSON `json:"payload,omitempty"`
	Attempts      int            `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts   int            `gorm:"not null" json:"max_attempts"`
	Status        string         `gorm:"not null;default:queued;index" json:"status"`
	ScheduledAt   time.Time      `gorm:"not null;index" json:"scheduled_at"`
	LastError     sql.NullString `json:"last_error,omitempty"`
	CreatedAt     time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string { return "retry_jobs" }

// ErrDependencyNotReady is the recoverable outcome: the referenced row does
// not exist yet. Exhausting max attempts on it marks the job failed.
var ErrDependencyNotReady = errors.New("dependency not yet available")

// ErrNoMatch is the linker's "nothing to link" outcome, e.g. a walk-in sale
// with no underlying booking. Exhausting max attempts on it marks the job
// succeeded-terminal, not failed: the record is legitimately unlinkable.
var ErrNoMatch = errors.New("no link candidate")

type terminalError struct{ err error }

func (e terminalError) Error() string { return e.err.Error() }
func (e terminalError) Unwrap() error { return e.err }

// Terminal wraps an error so the drain fails the job immediately instead of
// rescheduling, e.g. when the entity was deleted upstream.
func Terminal(err error) error {
	return terminalError{err: fmt.Errorf("terminal: %w", err)}
}

func isTerminal(err error) bool {
	var t terminalError
	return errors.As(err, &t)
}

// Handler executes one stage of deferred work.
type Handler interface {
	Stage() string
	Run(ctx context.Context, job *Job) error
}
