package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/metrics"
	"github.com/zeitec/verifier-worker/internal/repository"
	"github.com/zeitec/verifier-worker/internal/workflow"
	"go.uber.org/zap"
)

type fakeStats struct {
	stats    *repository.Stats
	err      error
	inserted []db.AnalyticsRecord
}

func (f *fakeStats) Stats(ctx context.Context) (*repository.Stats, error) {
	return f.stats, f.err
}

func (f *fakeStats) InsertAnalytics(ctx context.Context, records []db.AnalyticsRecord) error {
	f.inserted = append(f.inserted, records...)
	return nil
}

type fakePurger struct {
	cutoff time.Time
}

func (f *fakePurger) Purge(cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return 2, nil
}

func sampleStats() *repository.Stats {
	return &repository.Stats{
		Submissions: map[workflow.SubmissionStatus]int64{
			workflow.StatusPending:  3,
			workflow.StatusApproved: 2,
		},
		ApprovedKWh: decimal.RequireFromString("1520.750"),
		Devices:     map[workflow.ApprovalStatus]int64{workflow.ApprovalApproved: 4, workflow.ApprovalPending: 1},
		Registrants: map[workflow.ApprovalStatus]int64{workflow.ApprovalApproved: 2},
	}
}

func TestSnapshotRecords(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	records, err := snapshotRecords(sampleStats(), at)
	if err != nil {
		t.Fatalf("snapshotRecords failed: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("Expected 4 records, got %d", len(records))
	}

	byName := make(map[string]db.AnalyticsRecord)
	for _, r := range records {
		byName[r.MetricName] = r
		if r.PeriodEnd == nil || !r.PeriodEnd.Equal(at) {
			t.Errorf("%s: expected period end %v, got %v", r.MetricName, at, r.PeriodEnd)
		}
	}

	if got := byName["submissions_by_status"].MetricValue; !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected 5 submissions, got %s", got)
	}
	if got := byName["devices_by_status"].MetricValue; !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected 5 devices, got %s", got)
	}
	if got := byName["approved_kwh"].MetricValue; got.String() != "1520.75" {
		t.Errorf("Expected approved kWh 1520.75, got %s", got)
	}

	var counts map[string]int64
	if err := json.Unmarshal(byName["submissions_by_status"].MetricData, &counts); err != nil {
		t.Fatalf("Failed to decode metric data: %v", err)
	}
	if counts["pending"] != 3 || counts["approved"] != 2 {
		t.Errorf("Unexpected counts %v", counts)
	}
}

func TestSnapshotStatsUpdatesGauges(t *testing.T) {
	store := &fakeStats{stats: sampleStats()}
	s := NewCronScheduler(Config{}, store, nil, metrics.NewMetrics(), zap.NewNop())

	if err := s.SnapshotStats(context.Background()); err != nil {
		t.Fatalf("SnapshotStats failed: %v", err)
	}
	if len(store.inserted) != 4 {
		t.Errorf("Expected 4 analytics records, got %d", len(store.inserted))
	}
	if got := testutil.ToFloat64(metrics.SubmissionsByStatus.WithLabelValues("pending")); got != 3 {
		t.Errorf("Expected pending gauge 3, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.SubmissionsByStatus.WithLabelValues("rejected")); got != 0 {
		t.Errorf("Expected rejected gauge 0, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.ApprovedKWh); got != 1520.75 {
		t.Errorf("Expected approved kWh gauge 1520.75, got %v", got)
	}
}

func TestSnapshotStatsPropagatesErrors(t *testing.T) {
	store := &fakeStats{err: errors.New("database unavailable")}
	s := NewCronScheduler(Config{}, store, nil, metrics.NewMetrics(), zap.NewNop())

	if err := s.SnapshotStats(context.Background()); err == nil {
		t.Fatal("Expected error")
	}
	if len(store.inserted) != 0 {
		t.Errorf("Expected nothing stored, got %d records", len(store.inserted))
	}
}

func TestPurgeRepliesUsesRetention(t *testing.T) {
	purger := &fakePurger{}
	s := NewCronScheduler(Config{Retention: 48 * time.Hour}, &fakeStats{}, purger, metrics.NewMetrics(), zap.NewNop())
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.PurgeReplies(context.Background()); err != nil {
		t.Fatalf("PurgeReplies failed: %v", err)
	}
	if want := now.Add(-48 * time.Hour); !purger.cutoff.Equal(want) {
		t.Errorf("Expected cutoff %v, got %v", want, purger.cutoff)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := NewCronScheduler(Config{StatsSpec: "not a schedule", PurgeSpec: "@every 1h"},
		&fakeStats{}, &fakePurger{}, metrics.NewMetrics(), zap.NewNop())
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("Expected invalid schedule to be rejected")
	}
}

func TestJobWrapperRecoversPanics(t *testing.T) {
	s := NewCronScheduler(Config{}, &fakeStats{}, nil, metrics.NewMetrics(), zap.NewNop())
	before := testutil.ToFloat64(metrics.SchedulerJobsTotal.WithLabelValues("panicky", "failure"))

	s.createJobWrapper("panicky", func(ctx context.Context) error {
		panic("boom")
	})()

	if got := testutil.ToFloat64(metrics.SchedulerJobsTotal.WithLabelValues("panicky", "failure")); got != before+1 {
		t.Errorf("Expected failure to be recorded, got %v", got)
	}
}
