// Package scheduler runs the worker's periodic maintenance jobs.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/metrics"
	"github.com/zeitec/verifier-worker/internal/repository"
	"github.com/zeitec/verifier-worker/internal/workflow"
	"go.uber.org/zap"
)

// StatsStore computes statistics and stores snapshots of them
type StatsStore interface {
	Stats(ctx context.Context) (*repository.Stats, error)
	InsertAnalytics(ctx context.Context, records []db.AnalyticsRecord) error
}

// ReplyPurger drops stored command replies older than cutoff
type ReplyPurger interface {
	Purge(cutoff time.Time) (int, error)
}

// Config selects when each job runs
type Config struct {
	StatsSpec string
	PurgeSpec string
	Retention time.Duration
}

// CronScheduler owns the cron runner and tracks jobs in flight
type CronScheduler struct {
	cron           *cron.Cron
	cfg            Config
	stats          StatsStore
	replies        ReplyPurger
	metrics        *metrics.Metrics
	logger         *zap.Logger
	jobTimeout     time.Duration
	now            func() time.Time
	activeJobs     sync.WaitGroup
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewCronScheduler creates a scheduler. replies may be nil when command
// replay is disabled.
func NewCronScheduler(cfg Config, stats StatsStore, replies ReplyPurger, m *metrics.Metrics, logger *zap.Logger) *CronScheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &CronScheduler{
		cron:           cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		cfg:            cfg,
		stats:          stats,
		replies:        replies,
		metrics:        m,
		logger:         logger,
		jobTimeout:     5 * time.Minute,
		now:            time.Now,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// Start registers the jobs and starts the runner. A bad schedule is an error.
func (s *CronScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.StatsSpec, s.createJobWrapper("stats_snapshot", s.SnapshotStats)); err != nil {
		return fmt.Errorf("failed to schedule stats snapshot %q: %w", s.cfg.StatsSpec, err)
	}
	if s.replies != nil {
		if _, err := s.cron.AddFunc(s.cfg.PurgeSpec, s.createJobWrapper("idempotency_purge", s.PurgeReplies)); err != nil {
			return fmt.Errorf("failed to schedule idempotency purge %q: %w", s.cfg.PurgeSpec, err)
		}
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	return nil
}

// SnapshotStats refreshes the status gauges and stores an analytics snapshot
func (s *CronScheduler) SnapshotStats(ctx context.Context) error {
	stats, err := s.stats.Stats(ctx)
	if err != nil {
		return err
	}

	for _, st := range workflow.SubmissionStatuses {
		s.metrics.SetSubmissions(string(st), stats.Submissions[st])
	}
	for _, st := range workflow.ApprovalStatuses {
		s.metrics.SetDevices(string(st), stats.Devices[st])
		s.metrics.SetRegistrants(string(st), stats.Registrants[st])
	}
	s.metrics.SetApprovedKWh(stats.ApprovedKWh.InexactFloat64())

	records, err := snapshotRecords(stats, s.now().UTC())
	if err != nil {
		return err
	}
	return s.stats.InsertAnalytics(ctx, records)
}

// PurgeReplies drops stored replies older than the retention window
func (s *CronScheduler) PurgeReplies(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.replies.Purge(cutoff)
	if err != nil {
		return err
	}
	s.logger.Info("purged stored command replies", zap.Int("count", n), zap.Time("cutoff", cutoff))
	return nil
}

// createJobWrapper wraps a job with context, timeout, logging, and panic recovery
func (s *CronScheduler) createJobWrapper(jobName string, jobFunc func(context.Context) error) func() {
	return func() {
		s.activeJobs.Add(1)
		defer s.activeJobs.Done()

		ctx, cancel := context.WithTimeout(s.shutdownCtx, s.jobTimeout)
		defer cancel()

		startTime := time.Now()
		logger := s.logger.With(zap.String("job", jobName))
		logger.Debug("starting scheduled job")

		defer func() {
			if r := recover(); r != nil {
				s.metrics.RecordSchedulerJob(jobName, false, time.Since(startTime))
				logger.Error("job panicked", zap.Any("panic", r))
			}
		}()

		err := jobFunc(ctx)
		duration := time.Since(startTime)
		s.metrics.RecordSchedulerJob(jobName, err == nil, duration)

		if err != nil {
			logger.Error("job failed", zap.Duration("duration", duration), zap.Error(err))
		} else {
			logger.Info("job completed", zap.Duration("duration", duration))
		}

		if ctx.Err() == context.DeadlineExceeded {
			logger.Warn("job timed out", zap.Duration("timeout", s.jobTimeout))
		}
	}
}

// Stop stops scheduling and waits up to a minute for running jobs
func (s *CronScheduler) Stop() {
	s.logger.Info("stopping cron scheduler")

	ctx := s.cron.Stop()
	s.shutdownCancel()

	done := make(chan struct{})
	go func() {
		s.activeJobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all jobs completed, cron scheduler stopped")
	case <-ctx.Done():
		s.logger.Info("cron scheduler stopped")
	case <-time.After(1 * time.Minute):
		s.logger.Warn("timeout waiting for jobs to complete, forcing shutdown")
	}
}

// snapshotRecords turns stats into analytics rows, one per counter family
func snapshotRecords(stats *repository.Stats, at time.Time) ([]db.AnalyticsRecord, error) {
	var total int64
	for _, n := range stats.Submissions {
		total += n
	}

	families := []struct {
		name  string
		value decimal.Decimal
		data  interface{}
	}{
		{"submissions_by_status", decimal.NewFromInt(total), stats.Submissions},
		{"devices_by_status", decimal.NewFromInt(sum(stats.Devices)), stats.Devices},
		{"registrants_by_status", decimal.NewFromInt(sum(stats.Registrants)), stats.Registrants},
		{"approved_kwh", stats.ApprovedKWh, nil},
	}

	records := make([]db.AnalyticsRecord, 0, len(families))
	for _, f := range families {
		rec := db.AnalyticsRecord{MetricName: f.name, MetricValue: f.value, PeriodEnd: &at}
		if f.data != nil {
			data, err := json.Marshal(f.data)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s: %w", f.name, err)
			}
			rec.MetricData = data
		}
		records = append(records, rec)
	}
	return records, nil
}

func sum(counts map[workflow.ApprovalStatus]int64) int64 {
	var n int64
	for _, c := range counts {
		n += c
	}
	return n
}
