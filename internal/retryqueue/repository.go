package retryqueue

import (
	"context"
	"database/sql"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const jobColumns = `id, correlation_id, org_id, stage, payload, attempts, max_attempts,
	status, scheduled_at, last_error, created_at, updated_at`

// Enqueue records a job unless one already exists for the correlation id.
// The conflict no-op is what makes duplicate webhook deliveries safe.
func (r *Repository) Enqueue(ctx context.Context, db *gorm.DB, job *Job) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO retry_jobs (id, correlation_id, org_id, stage, payload, attempts, max_attempts,
		                         status, scheduled_at, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (correlation_id) DO NOTHING`,
		job.ID, job.CorrelationID, job.OrgID, job.Stage, job.Payload, job.Attempts, job.MaxAttempts,
		job.Status, job.ScheduledAt, job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) FindByCorrelationID(ctx context.Context, db *gorm.DB, correlationID string) (*Job, error) {
	var job Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM retry_jobs WHERE correlation_id = ?`,
		correlationID,
	).Scan(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

// ListDue returns queued jobs whose scheduled time has passed. Claiming is a
// separate compare-and-set so concurrent drains cannot double-run a job.
func (r *Repository) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Job, error) {
	var jobs []Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM retry_jobs
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at LIMIT ?`,
		StatusQueued, now, limit,
	).Scan(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Claim transitions queued → running. Returns false when another worker won.
func (r *Repository) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE retry_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusRunning, now, id, StatusQueued,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) MarkSucceeded(ctx context.Context, db *gorm.DB, id snowflake.ID, note string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE retry_jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		StatusSucceeded, sql.NullString{String: note, Valid: note != ""}, now, id,
	).Error
}

func (r *Repository) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE retry_jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, sql.NullString{String: lastError, Valid: lastError != ""}, now, id,
	).Error
}

// Reschedule transitions running → queued with the next attempt time.
func (r *Repository) Reschedule(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, scheduledAt time.Time, lastError string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE retry_jobs SET status = ?, attempts = ?, scheduled_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		StatusQueued, attempts, scheduledAt, sql.NullString{String: lastError, Valid: lastError != ""}, now, id,
	).Error
}

func (r *Repository) CountQueued(ctx context.Context, db *gorm.DB) (int64, error) {
	var row struct{ Total int64 }
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS total FROM retry_jobs WHERE status = ?`, StatusQueued,
	).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	return row.Total, nil
}

// RequeueFailed is the batch requeue used after a backfill repairs the data
// a set of jobs was missing. Attempts reset so the full budget applies.
func (r *Repository) RequeueFailed(ctx context.Context, db *gorm.DB, stage string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE retry_jobs SET status = ?, attempts = 0, scheduled_at = ?, updated_at = ?
		 WHERE stage = ? AND status = ?`,
		StatusQueued, now, now, stage, StatusFailed,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// PruneSucceeded deletes terminal succeeded rows older than the cutoff.
func (r *Repository) PruneSucceeded(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM retry_jobs WHERE status = ? AND updated_at < ?`,
		StatusSucceeded, before,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
