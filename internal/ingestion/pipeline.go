// Package ingestion turns an uploaded batch of readings into ledger decisions
// and the aggregate figures stored on an issuance submission.
package ingestion

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/internal/anomaly"
	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/internal/ledger"
	"github.com/zeitec/verifier-worker/internal/validator"
	"github.com/zeitec/verifier-worker/internal/workflow"
	"github.com/zeitec/verifier-worker/tools/timeparser"
)

// Request is one batch to ingest for a device over a declared period
type Request struct {
	SubmissionID int64
	DeviceID     string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Rows         []validator.ReadingRow
}

// Conflict describes a reading that collides with a different recorded value
type Conflict struct {
	Row                  int             `json:"row"`
	DeviceID             string          `json:"device_id"`
	Timestamp            time.Time       `json:"timestamp"`
	KWh                  decimal.Decimal `json:"kwh"`
	ExistingKWh          decimal.Decimal `json:"existing_kwh"`
	ExistingAuditTrailID string          `json:"existing_audit_trail_id"`
	ExistingSubmissionID int64           `json:"existing_submission_id"`
}

// DedupResult is the typed form of a submission's deduplication_result
type DedupResult struct {
	Inserted            int               `json:"inserted"`
	ExactDuplicates     int               `json:"exact_duplicates"`
	Conflicts           []Conflict        `json:"conflicts"`
	Warnings            []anomaly.Warning `json:"warnings"`
	FingerprintsChecked int               `json:"fingerprints_checked"`
}

// RowDecision ties a ledger decision to its row in the upload
type RowDecision struct {
	Row      int
	Decision ledger.Decision
}

// Result is the outcome of a pipeline run
type Result struct {
	Status      workflow.SubmissionStatus
	TotalKWh    decimal.Decimal
	NumReadings int
	Dedup       DedupResult
	Decisions   []RowDecision
	// Committed is true when the ledger writes were kept
	Committed bool
	// Replay is set when every row was already recorded by ReplayOf
	Replay   bool
	ReplayOf int64
}

// Pipeline runs validation and the ledger check for issuance uploads
type Pipeline struct {
	validator *validator.Validator
	detector  *anomaly.Detector
}

// NewPipeline creates a new ingestion pipeline
func NewPipeline(v *validator.Validator, d *anomaly.Detector) *Pipeline {
	return &Pipeline{validator: v, detector: d}
}

type checkedRow struct {
	row     int
	reading ledger.Reading
}

// maxTotalKWh is the largest aggregate NUMERIC(12,3) can hold
var maxTotalKWh = decimal.RequireFromString("999999999.999")

// Run validates the batch and checks every reading against the ledger
// session. Validation failures return before the session is touched. On a
// conflict the session is rolled back and the result carries
// duplicate_detected; otherwise the session is committed, except for a pure
// replay of one earlier submission, which writes nothing.
//
// Readings reach the ledger in timestamp order so concurrent uploads for the
// same device take their row locks in the same order. Decisions and
// conflicts are reported in upload row order.
func (p *Pipeline) Run(ctx context.Context, sess ledger.Session, req Request) (*Result, error) {
	defer sess.Rollback(ctx)

	rows, warnings, err := p.validate(req)
	if err != nil {
		return nil, err
	}

	res := &Result{
		TotalKWh:    decimal.Zero,
		NumReadings: len(rows),
		Dedup:       DedupResult{Conflicts: []Conflict{}, Warnings: warnings},
		Decisions:   make([]RowDecision, 0, len(rows)),
	}
	if res.Dedup.Warnings == nil {
		res.Dedup.Warnings = []anomaly.Warning{}
	}

	ordered := make([]checkedRow, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].reading.Timestamp.Before(ordered[j].reading.Timestamp)
	})

	owners := make(map[int64]struct{})
	for _, r := range ordered {
		d, err := sess.CheckAndInsert(ctx, r.reading, req.SubmissionID)
		if err != nil {
			return nil, fmt.Errorf("ledger check failed on row %d: %w", r.row, err)
		}
		res.Dedup.FingerprintsChecked++
		res.Decisions = append(res.Decisions, RowDecision{Row: r.row, Decision: d})

		switch d.Outcome {
		case ledger.Inserted:
			res.Dedup.Inserted++
			res.TotalKWh = res.TotalKWh.Add(r.reading.KWh)
		case ledger.ExactDuplicate:
			res.Dedup.ExactDuplicates++
			if d.Existing != nil {
				owners[d.Existing.SubmissionID] = struct{}{}
			}
		case ledger.ConflictingDuplicate:
			res.Dedup.Conflicts = append(res.Dedup.Conflicts, Conflict{
				Row:                  r.row,
				DeviceID:             r.reading.DeviceID,
				Timestamp:            r.reading.Timestamp,
				KWh:                  r.reading.KWh,
				ExistingKWh:          d.Existing.KWh,
				ExistingAuditTrailID: d.Existing.AuditTrailID,
				ExistingSubmissionID: d.Existing.SubmissionID,
			})
		}
	}

	sort.SliceStable(res.Decisions, func(i, j int) bool { return res.Decisions[i].Row < res.Decisions[j].Row })
	sort.SliceStable(res.Dedup.Conflicts, func(i, j int) bool { return res.Dedup.Conflicts[i].Row < res.Dedup.Conflicts[j].Row })

	res.Status = workflow.IngestionOutcome(len(res.Dedup.Conflicts))

	if res.Status == workflow.StatusDuplicateDetected {
		if err := sess.Rollback(ctx); err != nil {
			return nil, err
		}
		res.TotalKWh = decimal.Zero
		return res, nil
	}

	if res.Dedup.Inserted == 0 && len(owners) == 1 {
		if err := sess.Rollback(ctx); err != nil {
			return nil, err
		}
		for id := range owners {
			res.ReplayOf = id
		}
		res.Replay = true
		return res, nil
	}

	// Readings spread over several earlier submissions are not a replay of
	// any one of them. The batch is kept as a pending submission with a zero
	// total so a verifier sees it; the ledger is left unchanged.
	if err := sess.Commit(ctx); err != nil {
		return nil, err
	}
	res.Committed = true
	return res, nil
}

// validate performs the structural and period checks over the whole batch.
// Every offending row is reported; nothing passes unless every row does.
func (p *Pipeline) validate(req Request) ([]checkedRow, []anomaly.Warning, error) {
	if !req.PeriodEnd.After(req.PeriodStart) {
		return nil, nil, apperr.Validation("invalid_period", "issuance period end must be after its start",
			apperr.FieldError{Field: "period_end", Message: "must be after period_start"})
	}
	if len(req.Rows) == 0 {
		return nil, nil, apperr.Validation("no_rows", "submission contains no readings")
	}

	var (
		details []apperr.FieldError
		rows    = make([]checkedRow, 0, len(req.Rows))
		series  = make([]anomaly.Reading, 0, len(req.Rows))
	)

	for _, raw := range req.Rows {
		parsed, rowDetails := p.validator.ValidateReadingRow(raw)
		if len(rowDetails) > 0 {
			details = append(details, rowDetails...)
			continue
		}

		if parsed.DeviceID != req.DeviceID {
			details = append(details, apperr.FieldError{
				Row:     raw.Row,
				Field:   "deviceId",
				Message: fmt.Sprintf("%q does not match the submission device %q", parsed.DeviceID, req.DeviceID),
			})
			continue
		}

		if !timeparser.InPeriod(parsed.Timestamp, req.PeriodStart, req.PeriodEnd) {
			details = append(details, apperr.FieldError{
				Row:   raw.Row,
				Field: "timestamp",
				Message: fmt.Sprintf("%s is outside the period [%s, %s)",
					timeparser.Canonical(parsed.Timestamp),
					timeparser.Canonical(req.PeriodStart),
					timeparser.Canonical(req.PeriodEnd)),
			})
			continue
		}

		reading := ledger.NewReading(parsed.DeviceID, parsed.Timestamp, parsed.KWh)
		if parsed.AuditTrailID != "" && parsed.AuditTrailID != reading.Fingerprint {
			details = append(details, apperr.FieldError{
				Row:     raw.Row,
				Field:   "auditTrailId",
				Message: "does not match the reading fingerprint",
			})
			continue
		}

		rows = append(rows, checkedRow{row: raw.Row, reading: reading})
		series = append(series, anomaly.Reading{Row: raw.Row, Timestamp: parsed.Timestamp, KWh: parsed.KWh})
	}

	if len(details) > 0 {
		return nil, nil, apperr.Validation("invalid_rows",
			fmt.Sprintf("%d row error(s) in submission", len(details)), details...)
	}

	total := decimal.Zero
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if _, ok := seen[r.reading.Fingerprint]; ok {
			continue
		}
		seen[r.reading.Fingerprint] = struct{}{}
		total = total.Add(r.reading.KWh)
	}
	if total.GreaterThan(maxTotalKWh) {
		return nil, nil, apperr.Validation("total_out_of_range",
			fmt.Sprintf("submission total %s kWh exceeds the maximum of %s kWh",
				total.StringFixed(3), maxTotalKWh.StringFixed(3)))
	}

	var warnings []anomaly.Warning
	if p.detector != nil {
		warnings = p.detector.Scan(series)
	}
	return rows, warnings, nil
}
