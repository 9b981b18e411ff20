package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/internal/anomaly"
	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/internal/fingerprint"
	"github.com/zeitec/verifier-worker/internal/ledger"
	"github.com/zeitec/verifier-worker/internal/validator"
	"github.com/zeitec/verifier-worker/internal/workflow"
)

var (
	periodStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	t0          = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
)

func newPipeline(t *testing.T) *Pipeline {
	t.Helper()
	v, err := validator.NewValidator(validator.Rules{
		MaxCapacityKW:    decimal.NewFromInt(250),
		AllowedCountries: []string{"Kenya"},
	})
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	return NewPipeline(v, anomaly.NewDetector(3.0, 3, 2*time.Hour))
}

func row(n int, ts, kwh string) validator.ReadingRow {
	return validator.ReadingRow{Row: n, DeviceID: "DEV001", Timestamp: ts, KWh: kwh}
}

func request(submissionID int64, rows ...validator.ReadingRow) Request {
	return Request{
		SubmissionID: submissionID,
		DeviceID:     "DEV001",
		PeriodStart:  periodStart,
		PeriodEnd:    periodEnd,
		Rows:         rows,
	}
}

func run(t *testing.T, p *Pipeline, m *ledger.Memory, req Request) (*Result, error) {
	t.Helper()
	ctx := context.Background()
	sess, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer sess.Rollback(ctx)
	return p.Run(ctx, sess, req)
}

func TestRun_ExactDuplicateWithinFile(t *testing.T) {
	p, m := newPipeline(t), ledger.NewMemory()

	res, err := run(t, p, m, request(1,
		row(1, "2025-06-01T10:00:00Z", "12.5"),
		row(2, "2025-06-01T10:00:00Z", "12.5"),
	))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if res.Status != workflow.StatusPending {
		t.Errorf("Expected pending, got %s", res.Status)
	}
	if !res.TotalKWh.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("Expected total 12.5, got %s", res.TotalKWh)
	}
	if res.Dedup.Inserted != 1 || res.Dedup.ExactDuplicates != 1 {
		t.Errorf("Expected 1 inserted and 1 exact duplicate, got %+v", res.Dedup)
	}
	if res.NumReadings != 2 || res.Dedup.FingerprintsChecked != 2 {
		t.Errorf("Expected 2 readings checked, got %d/%d", res.NumReadings, res.Dedup.FingerprintsChecked)
	}
	if !res.Committed {
		t.Error("Expected ledger writes committed")
	}
	if n := len(m.Entries()); n != 1 {
		t.Errorf("Expected 1 ledger entry, got %d", n)
	}
}

func TestRun_ConflictingSecondSubmission(t *testing.T) {
	p, m := newPipeline(t), ledger.NewMemory()

	if _, err := run(t, p, m, request(1, row(1, "2025-06-01T10:00:00Z", "12.5"))); err != nil {
		t.Fatalf("First submission failed: %v", err)
	}

	res, err := run(t, p, m, request(2,
		row(1, "2025-06-01T10:00:00Z", "13.0"),
		row(2, "2025-06-01T11:00:00Z", "4"),
	))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if res.Status != workflow.StatusDuplicateDetected {
		t.Fatalf("Expected duplicate_detected, got %s", res.Status)
	}
	if res.Committed {
		t.Error("Expected no ledger writes committed")
	}
	if len(res.Dedup.Conflicts) != 1 {
		t.Fatalf("Expected 1 conflict, got %d", len(res.Dedup.Conflicts))
	}
	c := res.Dedup.Conflicts[0]
	if c.Row != 1 || c.ExistingSubmissionID != 1 || !c.ExistingKWh.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("Unexpected conflict detail %+v", c)
	}

	entries := m.Entries()
	if len(entries) != 1 {
		t.Fatalf("Expected ledger unchanged with 1 entry, got %d", len(entries))
	}
	if !entries[0].KWh.Equal(decimal.RequireFromString("12.5")) || entries[0].SubmissionID != 1 {
		t.Errorf("Expected original entry untouched, got %+v", entries[0])
	}
}

func TestRun_ReplayIsIdempotent(t *testing.T) {
	p, m := newPipeline(t), ledger.NewMemory()
	rows := []validator.ReadingRow{
		row(1, "2025-06-01T10:00:00Z", "12.5"),
		row(2, "2025-06-01T11:00:00Z", "7.25"),
	}

	first, err := run(t, p, m, request(1, rows...))
	if err != nil {
		t.Fatalf("First submission failed: %v", err)
	}

	// same readings, different client formatting
	second, err := run(t, p, m, request(2,
		row(1, "2025-06-01 11:00:00", "7.250"),
		row(2, "2025-06-01T11:00:00+01:00", "12.50"),
	))
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if !second.Replay || second.ReplayOf != 1 {
		t.Errorf("Expected replay of submission 1, got replay=%v of %d", second.Replay, second.ReplayOf)
	}
	if second.Dedup.ExactDuplicates != 2 || second.Dedup.Inserted != 0 {
		t.Errorf("Expected every row an exact duplicate, got %+v", second.Dedup)
	}
	if !first.TotalKWh.Equal(decimal.RequireFromString("19.75")) {
		t.Errorf("Expected original total 19.75, got %s", first.TotalKWh)
	}
	if n := len(m.Entries()); n != 2 {
		t.Errorf("Expected ledger to still hold 2 entries, got %d", n)
	}
}

func TestRun_TotalMatchesInsertedRows(t *testing.T) {
	p, m := newPipeline(t), ledger.NewMemory()

	run(t, p, m, request(1, row(1, "2025-06-01T10:00:00Z", "1.001")))

	res, err := run(t, p, m, request(2,
		row(1, "2025-06-01T10:00:00Z", "1.001"),
		row(2, "2025-06-01T11:00:00Z", "0.1"),
		row(3, "2025-06-01T12:00:00Z", "0.2"),
	))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	sum := decimal.Zero
	for _, e := range m.EntriesForSubmission(2) {
		sum = sum.Add(e.KWh)
	}
	if !res.TotalKWh.Equal(sum) || !sum.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("Expected total %s to equal ledger sum 0.3, got %s", res.TotalKWh, sum)
	}
}

func TestRun_ValidationIsAllOrNothing(t *testing.T) {
	p, m := newPipeline(t), ledger.NewMemory()

	_, err := run(t, p, m, request(1,
		row(1, "2025-06-01T10:00:00Z", "12.5"),
		row(2, "not a time", "1"),
		row(3, "2025-06-01T12:00:00Z", "-3"),
	))
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}

	e := apperr.As(err)
	if len(e.Details) != 2 || e.Details[0].Row != 2 || e.Details[1].Row != 3 {
		t.Errorf("Expected errors on rows 2 and 3, got %+v", e.Details)
	}
	if n := len(m.Entries()); n != 0 {
		t.Errorf("Expected empty ledger, got %d entries", n)
	}
}

func TestRun_RowRules(t *testing.T) {
	p := newPipeline(t)
	good := fingerprint.Reading("DEV001", t0, decimal.RequireFromString("12.5"))

	tests := []struct {
		name      string
		row       validator.ReadingRow
		wantField string
	}{
		{"end of period is exclusive", row(1, "2025-07-01T00:00:00Z", "1"), "timestamp"},
		{"before period", row(1, "2025-05-31T23:59:59Z", "1"), "timestamp"},
		{"other device", validator.ReadingRow{Row: 1, DeviceID: "DEV002", Timestamp: "2025-06-01T10:00:00Z", KWh: "1"}, "deviceId"},
		{"audit trail mismatch", validator.ReadingRow{Row: 1, DeviceID: "DEV001", Timestamp: "2025-06-01T10:00:00Z", KWh: "13", AuditTrailID: good}, "auditTrailId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, p, ledger.NewMemory(), request(1, tt.row))
			e := apperr.As(err)
			if e == nil || e.Kind != apperr.KindValidation {
				t.Fatalf("Expected validation error, got %v", err)
			}
			if e.Details[0].Field != tt.wantField {
				t.Errorf("Expected %s error, got %+v", tt.wantField, e.Details[0])
			}
		})
	}

	start := validator.ReadingRow{Row: 1, DeviceID: "DEV001", Timestamp: "2025-06-01T10:00:00Z", KWh: "12.5", AuditTrailID: good}
	if _, err := run(t, p, ledger.NewMemory(), request(1, start)); err != nil {
		t.Errorf("Expected matching auditTrailId to be accepted, got %v", err)
	}
}

func TestRun_InvalidPeriod(t *testing.T) {
	p := newPipeline(t)
	req := request(1, row(1, "2025-06-01T10:00:00Z", "1"))
	req.PeriodEnd = req.PeriodStart

	if _, err := run(t, p, ledger.NewMemory(), req); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestRun_WarningsDoNotBlock(t *testing.T) {
	p, m := newPipeline(t), ledger.NewMemory()

	res, err := run(t, p, m, request(1,
		row(1, "2025-06-01T00:00:00Z", "10"),
		row(2, "2025-06-01T01:00:00Z", "10"),
		row(3, "2025-06-01T02:00:00Z", "10"),
		row(4, "2025-06-01T09:00:00Z", "100"),
	))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(res.Dedup.Warnings) != 2 {
		t.Errorf("Expected gap and spike warnings, got %+v", res.Dedup.Warnings)
	}
	if res.Status != workflow.StatusPending {
		t.Errorf("Expected pending, got %s", res.Status)
	}
}

func TestRun_DuplicatesAcrossSeveralSubmissionsArePending(t *testing.T) {
	p, m := newPipeline(t), ledger.NewMemory()

	if _, err := run(t, p, m, request(1, row(1, "2025-06-01T10:00:00Z", "12.5"))); err != nil {
		t.Fatalf("First submission failed: %v", err)
	}
	if _, err := run(t, p, m, request(2, row(1, "2025-06-01T11:00:00Z", "12.5"))); err != nil {
		t.Fatalf("Second submission failed: %v", err)
	}

	res, err := run(t, p, m, request(3,
		row(1, "2025-06-01T10:00:00Z", "12.5"),
		row(2, "2025-06-01T11:00:00Z", "12.5"),
	))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if res.Replay {
		t.Errorf("Expected no replay, got replay of %d", res.ReplayOf)
	}
	if res.Status != workflow.StatusPending {
		t.Errorf("Expected pending, got %s", res.Status)
	}
	if !res.TotalKWh.IsZero() {
		t.Errorf("Expected zero total, got %s", res.TotalKWh)
	}
	if res.Dedup.Inserted != 0 || res.Dedup.ExactDuplicates != 2 {
		t.Errorf("Expected 0 inserted and 2 exact duplicates, got %+v", res.Dedup)
	}
	if !res.Committed {
		t.Error("Expected the empty ledger session committed")
	}
	if n := len(m.EntriesForSubmission(3)); n != 0 {
		t.Errorf("Expected no ledger entries for submission 3, got %d", n)
	}
	if n := len(m.Entries()); n != 2 {
		t.Errorf("Expected ledger to still hold 2 entries, got %d", n)
	}
}

func TestRun_TotalOutOfRange(t *testing.T) {
	tests := []struct {
		name    string
		rows    int
		wantErr bool
	}{
		{"at the limit", 100, false},
		{"above the limit", 101, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, m := newPipeline(t), ledger.NewMemory()
			rows := make([]validator.ReadingRow, 0, tt.rows)
			for i := 0; i < tt.rows; i++ {
				ts := t0.Add(time.Duration(i) * time.Hour).Format(time.RFC3339)
				rows = append(rows, row(i+1, ts, "9999999.999"))
			}

			_, err := run(t, p, m, request(1, rows...))
			if tt.wantErr {
				e := apperr.As(err)
				if e == nil || e.Kind != apperr.KindValidation || e.Code != "total_out_of_range" {
					t.Fatalf("Expected total_out_of_range validation error, got %v", err)
				}
				if n := len(m.Entries()); n != 0 {
					t.Errorf("Expected empty ledger, got %d entries", n)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
		})
	}
}

func TestRun_TotalBoundIgnoresRepeatedRows(t *testing.T) {
	p, m := newPipeline(t), ledger.NewMemory()
	rows := make([]validator.ReadingRow, 0, 200)
	for i := 0; i < 100; i++ {
		ts := t0.Add(time.Duration(i) * time.Hour).Format(time.RFC3339)
		rows = append(rows, row(2*i+1, ts, "9999999.999"), row(2*i+2, ts, "9999999.999"))
	}

	res, err := run(t, p, m, request(1, rows...))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Dedup.Inserted != 100 || res.Dedup.ExactDuplicates != 100 {
		t.Errorf("Expected 100 inserted and 100 exact duplicates, got %+v", res.Dedup)
	}
}

type recordingSession struct {
	ledger.Session
	seen []time.Time
}

func (s *recordingSession) CheckAndInsert(ctx context.Context, r ledger.Reading, submissionID int64) (ledger.Decision, error) {
	s.seen = append(s.seen, r.Timestamp)
	return s.Session.CheckAndInsert(ctx, r, submissionID)
}

func TestRun_LedgerVisitedInTimestampOrder(t *testing.T) {
	p, m := newPipeline(t), ledger.NewMemory()
	ctx := context.Background()

	if _, err := run(t, p, m, request(1, row(1, "2025-06-01T12:00:00Z", "5"))); err != nil {
		t.Fatalf("First submission failed: %v", err)
	}

	inner, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	sess := &recordingSession{Session: inner}

	res, err := p.Run(ctx, sess, request(2,
		row(1, "2025-06-01T13:00:00Z", "1"),
		row(2, "2025-06-01T12:00:00Z", "6"),
		row(3, "2025-06-01T10:00:00Z", "2"),
		row(4, "2025-06-01T11:00:00Z", "3"),
	))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	for i := 1; i < len(sess.seen); i++ {
		if sess.seen[i].Before(sess.seen[i-1]) {
			t.Fatalf("Expected ledger checks in timestamp order, got %v", sess.seen)
		}
	}

	for i, d := range res.Decisions {
		if d.Row != i+1 {
			t.Errorf("Expected decision %d for row %d, got row %d", i, i+1, d.Row)
		}
	}
	want := map[int]ledger.Outcome{1: ledger.Inserted, 2: ledger.ConflictingDuplicate, 3: ledger.Inserted, 4: ledger.Inserted}
	for _, d := range res.Decisions {
		if d.Decision.Outcome != want[d.Row] {
			t.Errorf("Row %d: expected %s, got %s", d.Row, want[d.Row], d.Decision.Outcome)
		}
	}
	if len(res.Dedup.Conflicts) != 1 || res.Dedup.Conflicts[0].Row != 2 {
		t.Errorf("Expected one conflict on row 2, got %+v", res.Dedup.Conflicts)
	}
}

func TestRun_ValidationFailureReleasesSession(t *testing.T) {
	p, m := newPipeline(t), ledger.NewMemory()
	ctx := context.Background()

	sess, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := p.Run(ctx, sess, request(1, row(1, "not a time", "1"))); err == nil {
		t.Fatal("Expected validation error")
	}

	// a held session would block this Begin forever
	done := make(chan error, 1)
	go func() {
		next, err := m.Begin(ctx)
		if err != nil {
			done <- err
			return
		}
		done <- next.Rollback(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ledger session left open after a validation failure")
	}
}
