package retryqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glosshouse/squaresync/internal/clock"
	"github.com/glosshouse/squaresync/internal/config"
	"github.com/glosshouse/squaresync/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testOrg = snowflake.ID(1001)

type stubHandler struct {
	stage string
	run   func(ctx context.Context, job *Job) error
	calls int
}

func (h *stubHandler) Stage() string { return h.stage }

func (h *stubHandler) Run(ctx context.Context, job *Job) error {
	h.calls++
	return h.run(ctx, job)
}

type schedFixture struct {
	db    *gorm.DB
	repo  *Repository
	clock *clock.FakeClock
	node  *snowflake.Node
	now   time.Time
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &schedFixture{
		db:    testdb.Open(t),
		repo:  NewRepository(),
		clock: clock.NewFakeClock(now),
		node:  node,
		now:   now,
	}
}

func (f *schedFixture) scheduler(t *testing.T, handlers ...Handler) *Scheduler {
	t.Helper()
	return NewScheduler(Params{
		DB:       f.db,
		Log:      zap.NewNop(),
		Clock:    f.clock,
		Repo:     f.repo,
		Handlers: handlers,
		Cfg: config.Config{
			RetryDrainInterval: time.Minute,
			RetryWorkers:       2,
			RetryBackoffBase:   30 * time.Second,
			RetryBackoffCap:    6 * time.Hour,
		},
	})
}

func (f *schedFixture) enqueue(t *testing.T, stage, correlationID string, attempts, maxAttempts int, due time.Time) *Job {
	t.Helper()
	job := &Job{
		ID: f.node.Generate(), CorrelationID: correlationID, OrgID: testOrg,
		Stage: stage, Attempts: attempts, MaxAttempts: maxAttempts,
		Status: StatusQueued, ScheduledAt: due,
		CreatedAt: f.now, UpdatedAt: f.now,
	}
	inserted, err := f.repo.Enqueue(context.Background(), f.db, job)
	require.NoError(t, err)
	require.True(t, inserted)
	return job
}

func TestEnqueueDedupesOnCorrelationID(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	f.enqueue(t, StageLinkPayment, "link-payment-PAY1", 0, 10, f.now)

	dup := &Job{
		ID: f.node.Generate(), CorrelationID: "link-payment-PAY1", OrgID: testOrg,
		Stage: StageLinkPayment, MaxAttempts: 10,
		Status: StatusQueued, ScheduledAt: f.now,
		CreatedAt: f.now, UpdatedAt: f.now,
	}
	inserted, err := f.repo.Enqueue(ctx, f.db, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	depth, err := f.repo.CountQueued(ctx, f.db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRunOnceSkipsNotYetDue(t *testing.T) {
	f := newSchedFixture(t)
	h := &stubHandler{stage: StageLinkPayment, run: func(context.Context, *Job) error { return nil }}
	sched := f.scheduler(t, h)

	f.enqueue(t, StageLinkPayment, "link-payment-PAY1", 0, 10, f.now.Add(time.Hour))

	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Zero(t, h.calls)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Equal(t, 1, h.calls)
}

func TestRunOnceSuccess(t *testing.T) {
	f := newSchedFixture(t)
	h := &stubHandler{stage: StageLinkPayment, run: func(context.Context, *Job) error { return nil }}
	sched := f.scheduler(t, h)
	ctx := context.Background()

	f.enqueue(t, StageLinkPayment, "link-payment-PAY1", 0, 10, f.now)
	require.NoError(t, sched.RunOnce(ctx))

	job, err := f.repo.FindByCorrelationID(ctx, f.db, "link-payment-PAY1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)
}

func TestRunOnceReschedulesWithBackoff(t *testing.T) {
	f := newSchedFixture(t)
	h := &stubHandler{stage: StageLinkPayment, run: func(context.Context, *Job) error { return ErrDependencyNotReady }}
	sched := f.scheduler(t, h)
	ctx := context.Background()

	f.enqueue(t, StageLinkPayment, "link-payment-PAY1", 0, 10, f.now)
	require.NoError(t, sched.RunOnce(ctx))

	job, err := f.repo.FindByCorrelationID(ctx, f.db, "link-payment-PAY1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)

	// First retry: base 30s with up to 20% jitter either way.
	delay := job.ScheduledAt.Sub(f.now)
	assert.GreaterOrEqual(t, delay, 24*time.Second)
	assert.LessOrEqual(t, delay, 36*time.Second)
}

func TestRunOnceTerminalFailsImmediately(t *testing.T) {
	f := newSchedFixture(t)
	h := &stubHandler{stage: StageLinkPayment, run: func(context.Context, *Job) error {
		return Terminal(errors.New("payment deleted upstream"))
	}}
	sched := f.scheduler(t, h)
	ctx := context.Background()

	f.enqueue(t, StageLinkPayment, "link-payment-PAY1", 0, 10, f.now)
	require.NoError(t, sched.RunOnce(ctx))

	job, err := f.repo.FindByCorrelationID(ctx, f.db, "link-payment-PAY1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.LastError.String, "payment deleted upstream")
}

func TestRunOnceNoMatchExhaustionSucceeds(t *testing.T) {
	f := newSchedFixture(t)
	h := &stubHandler{stage: StageLinkPayment, run: func(context.Context, *Job) error { return ErrNoMatch }}
	sched := f.scheduler(t, h)
	ctx := context.Background()

	// Final attempt with no candidate: a walk-in sale, not a failure.
	f.enqueue(t, StageLinkPayment, "link-payment-PAY1", 9, 10, f.now)
	require.NoError(t, sched.RunOnce(ctx))

	job, err := f.repo.FindByCorrelationID(ctx, f.db, "link-payment-PAY1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.Equal(t, "unlinkable after 10 attempts", job.LastError.String)
}

func TestRunOnceDependencyExhaustionFails(t *testing.T) {
	f := newSchedFixture(t)
	h := &stubHandler{stage: StageLinkPayment, run: func(context.Context, *Job) error { return ErrDependencyNotReady }}
	sched := f.scheduler(t, h)
	ctx := context.Background()

	f.enqueue(t, StageLinkPayment, "link-payment-PAY1", 9, 10, f.now)
	require.NoError(t, sched.RunOnce(ctx))

	job, err := f.repo.FindByCorrelationID(ctx, f.db, "link-payment-PAY1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestRunOnceMissingHandlerFails(t *testing.T) {
	f := newSchedFixture(t)
	sched := f.scheduler(t)
	ctx := context.Background()

	f.enqueue(t, StageGiftCardSync, "giftcard-sync-GC1", 0, 10, f.now)
	require.NoError(t, sched.RunOnce(ctx))

	job, err := f.repo.FindByCorrelationID(ctx, f.db, "giftcard-sync-GC1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestRequeueFailedResetsAttempts(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	job := f.enqueue(t, StageLinkPayment, "link-payment-PAY1", 0, 10, f.now)
	require.NoError(t, f.repo.MarkFailed(ctx, f.db, job.ID, "dependency not yet available", f.now))

	requeued, err := f.repo.RequeueFailed(ctx, f.db, StageLinkPayment, f.now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)

	got, err := f.repo.FindByCorrelationID(ctx, f.db, "link-payment-PAY1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestBackoffCapped(t *testing.T) {
	f := newSchedFixture(t)
	sched := f.scheduler(t)

	for attempts := 1; attempts <= 30; attempts++ {
		d := sched.backoff(attempts)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 6*time.Hour)
	}
}
