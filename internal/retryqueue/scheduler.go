package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/glosshouse/squaresync/internal/clock"
	"github.com/glosshouse/squaresync/internal/config"
	"github.com/glosshouse/squaresync/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config controls the drain interval and worker-pool bounds.
type SchedulerConfig struct {
	DrainInterval time.Duration
	Workers       int
	BatchSize     int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DrainInterval: time.Minute,
		Workers:       8,
		BatchSize:     100,
		BackoffBase:   30 * time.Second,
		BackoffCap:    6 * time.Hour,
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	defaults := DefaultSchedulerConfig()
	if c.DrainInterval <= 0 {
		c.DrainInterval = defaults.DrainInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaults.BackoffCap
	}
	return c
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Repo     *Repository
	Metrics  *observability.Metrics `optional:"true"`
	Handlers []Handler              `group:"retry_handlers"`
	Cfg      config.Config
}

// Scheduler periodically drains due retry jobs through the registered stage
// handlers, bounded by a worker pool to respect upstream rate limits.
type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	repo     *Repository
	metrics  *observability.Metrics
	cfg      SchedulerConfig
	handlers map[string]Handler
}

func NewScheduler(p Params) *Scheduler {
	handlers := make(map[string]Handler, len(p.Handlers))
	for _, h := range p.Handlers {
		if h == nil {
			continue
		}
		handlers[h.Stage()] = h
	}
	cfg := SchedulerConfig{
		DrainInterval: p.Cfg.RetryDrainInterval,
		Workers:       p.Cfg.RetryWorkers,
		BatchSize:     100,
		BackoffBase:   p.Cfg.RetryBackoffBase,
		BackoffCap:    p.Cfg.RetryBackoffCap,
	}.withDefaults()

	return &Scheduler{
		db:       p.DB,
		log:      p.Log.Named("retryqueue").With(zap.String("component", "retry_drain")),
		clock:    p.Clock,
		repo:     p.Repo,
		metrics:  p.Metrics,
		cfg:      cfg,
		handlers: handlers,
	}
}

// RunOnce drains every currently due job through the worker pool.
func (s *Scheduler) RunOnce(parent context.Context) error {
	runID := uuid.NewString()
	log := s.log.With(zap.String("run_id", runID))

	now := s.clock.Now()
	jobs, err := s.repo.ListDue(parent, s.db, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}
	if len(jobs) == 0 {
		s.observeQueueDepth(parent)
		return nil
	}
	log.Info("draining retry jobs", zap.Int("due", len(jobs)))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		joined  error
		workCh  = make(chan Job)
		workers = s.cfg.Workers
	)
	if workers > len(jobs) {
		workers = len(jobs)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range workCh {
				if err := s.process(parent, job, log); err != nil {
					mu.Lock()
					joined = errors.Join(joined, err)
					mu.Unlock()
				}
			}
		}()
	}

	for _, job := range jobs {
		if parent.Err() != nil {
			break
		}
		workCh <- job
	}
	close(workCh)
	wg.Wait()

	s.observeQueueDepth(parent)
	return joined
}

// succeededRetention bounds retry_jobs growth; succeeded rows older than
// this are pruned on each drain tick.
const succeededRetention = 7 * 24 * time.Hour

// RunForever drains on a ticker until the context is canceled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("retry drain failed", zap.Error(err))
		}
		if pruned, err := s.repo.PruneSucceeded(ctx, s.db, s.clock.Now().Add(-succeededRetention)); err != nil {
			s.log.Warn("pruning succeeded jobs failed", zap.Error(err))
		} else if pruned > 0 {
			s.log.Debug("pruned succeeded retry jobs", zap.Int64("count", pruned))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) process(ctx context.Context, job Job, log *zap.Logger) error {
	now := s.clock.Now()
	claimed, err := s.repo.Claim(ctx, s.db, job.ID, now)
	if err != nil {
		return fmt.Errorf("claim %s: %w", job.CorrelationID, err)
	}
	if !claimed {
		return nil
	}

	log = log.With(
		zap.String("stage", job.Stage),
		zap.String("correlation_id", job.CorrelationID),
		zap.Int("attempt", job.Attempts+1),
	)

	handler, ok := s.handlers[job.Stage]
	if !ok {
		s.recordOutcome(job.Stage, "no_handler")
		log.Error("no handler registered for stage")
		return s.repo.MarkFailed(ctx, s.db, job.ID, "no handler for stage "+job.Stage, s.clock.Now())
	}

	runErr := handler.Run(ctx, &job)
	now = s.clock.Now()

	switch {
	case runErr == nil:
		s.recordOutcome(job.Stage, "succeeded")
		return s.repo.MarkSucceeded(ctx, s.db, job.ID, "", now)

	case isTerminal(runErr):
		s.recordOutcome(job.Stage, "failed_terminal")
		log.Warn("job failed terminally", zap.Error(runErr))
		return s.repo.MarkFailed(ctx, s.db, job.ID, runErr.Error(), now)

	case errors.Is(runErr, ErrNoMatch):
		attempts := job.Attempts + 1
		if attempts >= job.MaxAttempts {
			// Legitimately unlinkable, e.g. a walk-in retail sale. Terminal
			// but not a failure.
			s.recordOutcome(job.Stage, "unlinkable")
			log.Info("no link candidate after max attempts, marking terminal")
			return s.repo.MarkSucceeded(ctx, s.db, job.ID, fmt.Sprintf("unlinkable after %d attempts", attempts), now)
		}
		s.recordOutcome(job.Stage, "retried")
		return s.repo.Reschedule(ctx, s.db, job.ID, attempts, now.Add(s.backoff(attempts)), runErr.Error(), now)

	default:
		attempts := job.Attempts + 1
		if attempts >= job.MaxAttempts {
			s.recordOutcome(job.Stage, "exhausted")
			log.Warn("job exhausted retries", zap.Error(runErr))
			return s.repo.MarkFailed(ctx, s.db, job.ID, runErr.Error(), now)
		}
		s.recordOutcome(job.Stage, "retried")
		log.Debug("rescheduling job", zap.Error(runErr))
		return s.repo.Reschedule(ctx, s.db, job.ID, attempts, now.Add(s.backoff(attempts)), runErr.Error(), now)
	}
}

// backoff is exponential with ±20% jitter, capped.
func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			d = s.cfg.BackoffCap
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	d = time.Duration(float64(d) * jitter)
	if d > s.cfg.BackoffCap {
		d = s.cfg.BackoffCap
	}
	return d
}

func (s *Scheduler) recordOutcome(stage, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RetryJobs.WithLabelValues(stage, outcome).Inc()
}

func (s *Scheduler) observeQueueDepth(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	depth, err := s.repo.CountQueued(ctx, s.db)
	if err != nil {
		return
	}
	s.metrics.RetryQueueDepth.Set(float64(depth))
}

var Module = fx.Module("retryqueue",
	fx.Provide(NewRepository),
	fx.Provide(NewScheduler),
	fx.Invoke(registerScheduler),
)

func registerScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			go sched.RunForever(ctx)
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
