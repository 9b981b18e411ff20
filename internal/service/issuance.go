package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/internal/audit"
	"github.com/zeitec/verifier-worker/internal/csvparse"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/fingerprint"
	"github.com/zeitec/verifier-worker/internal/ingestion"
	"github.com/zeitec/verifier-worker/internal/metrics"
	"github.com/zeitec/verifier-worker/internal/validator"
	"github.com/zeitec/verifier-worker/internal/workflow"
	"go.uber.org/zap"
)

// ReadingColumns are the required columns of an issuance upload.
// auditTrailId is optional.
var ReadingColumns = []string{"deviceId", "timestamp", "kWh"}

// IssuanceRequest is a registrant's upload of readings for one device and period
type IssuanceRequest struct {
	RegistrantEmail string
	DevicePK        int64
	PeriodStart     time.Time
	PeriodEnd       time.Time
	CSV             []byte
	CSVFilePath     string
	DeclarationPath string
}

// IssuanceResult is the stored submission and its deduplication outcome.
// Replayed is set when the upload matched an existing submission exactly.
type IssuanceResult struct {
	Submission *db.IssuanceSubmission `json:"submission"`
	Dedup      ingestion.DedupResult  `json:"deduplication_result"`
	Replayed   bool                   `json:"replayed"`
}

// IngestionService turns uploads into issuance submissions
type IngestionService struct {
	base
	ledger   Ledger
	pipeline *ingestion.Pipeline
	maxRows  int
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(
	repo Store,
	publisher EventPublisher,
	l Ledger,
	pipeline *ingestion.Pipeline,
	m *metrics.Metrics,
	maxRows int,
	logger *zap.Logger,
) *IngestionService {
	return &IngestionService{
		base:     newBase(repo, publisher, m, logger),
		ledger:   l,
		pipeline: pipeline,
		maxRows:  maxRows,
	}
}

// SubmitIssuance validates an upload, checks every reading against the
// deduplication ledger and stores the submission with its outcome
func (s *IngestionService) SubmitIssuance(ctx context.Context, meta Meta, in IssuanceRequest) (*IssuanceResult, error) {
	start := time.Now()
	logger := s.requestLogger(meta)

	if !in.PeriodEnd.After(in.PeriodStart) {
		return nil, apperr.Validation("invalid_period", "issuance period end must be after its start",
			apperr.FieldError{Field: "period_end", Message: "must be after period_start"})
	}

	reg, err := s.approvedRegistrant(ctx, in.RegistrantEmail)
	if err != nil {
		return nil, err
	}
	device, err := s.repo.GetDevice(ctx, s.repo.Querier(), in.DevicePK)
	if err != nil {
		return nil, err
	}
	if err := checkDeviceEligible(reg, device); err != nil {
		return nil, err
	}

	records, err := csvparse.Parse(in.CSV, ReadingColumns, s.maxRows)
	if err != nil {
		return nil, err
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	sub := &db.IssuanceSubmission{
		RegistrantID:              reg.ID,
		DevicePK:                  device.ID,
		PeriodStart:               in.PeriodStart.UTC(),
		PeriodEnd:                 in.PeriodEnd.UTC(),
		CSVFilePath:               optional(in.CSVFilePath),
		CSVHash:                   fingerprint.File(in.CSV),
		RegistrantDeclarationPath: optional(in.DeclarationPath),
		Status:                    workflow.StatusPending,
		SubmittedBy:               &reg.Email,
	}
	if err := s.repo.InsertSubmissionTx(ctx, tx, sub); err != nil {
		return nil, err
	}

	sess, err := s.ledger.Begin(ctx, tx)
	if err != nil {
		return nil, err
	}
	res, err := s.pipeline.Run(ctx, sess, ingestion.Request{
		SubmissionID: sub.ID,
		DeviceID:     device.DeviceID,
		PeriodStart:  sub.PeriodStart,
		PeriodEnd:    sub.PeriodEnd,
		Rows:         readingRows(records),
	})
	if err != nil {
		return nil, err
	}
	for _, d := range res.Decisions {
		s.metrics.RecordLedgerDecision(d.Decision.Outcome.String())
	}

	if res.Replay {
		return s.replay(ctx, meta, logger, tx, sub, res)
	}

	sub.Status = res.Status
	sub.TotalKWh = res.TotalKWh
	sub.NumReadings = res.NumReadings
	if sub.DeduplicationResult, err = json.Marshal(res.Dedup); err != nil {
		return nil, fmt.Errorf("failed to encode deduplication result: %w", err)
	}
	if err := s.repo.UpdateSubmissionIngestionTx(ctx, tx, sub); err != nil {
		return nil, err
	}

	now := s.now()
	decisionRecords, err := audit.LedgerDecisions(sub.ID, res.Decisions, res.Committed, meta.RequestID, now)
	if err != nil {
		return nil, err
	}
	summary, err := audit.Record(audit.ActionSubmitIssuance, audit.EntitySubmission, sub.ID, nil, meta.RequestID, now, audit.Details{
		"status":           string(sub.Status),
		"csv_hash":         sub.CSVHash,
		"total_kwh":        fingerprint.CanonicalKWh(sub.TotalKWh),
		"num_readings":     sub.NumReadings,
		"inserted":         res.Dedup.Inserted,
		"exact_duplicates": res.Dedup.ExactDuplicates,
		"conflicts":        len(res.Dedup.Conflicts),
		"warnings":         len(res.Dedup.Warnings),
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.InsertAuditRecordsTx(ctx, tx, append([]db.AuditRecord{summary}, decisionRecords...)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.metrics.RecordIngestion(string(sub.Status), sub.NumReadings, time.Since(start))
	fields := []zap.Field{
		zap.Int64("submission_id", sub.ID),
		zap.String("status", string(sub.Status)),
		zap.Int("inserted", res.Dedup.Inserted),
		zap.Int("exact_duplicates", res.Dedup.ExactDuplicates),
		zap.Int("conflicts", len(res.Dedup.Conflicts)),
	}
	if sub.Status == workflow.StatusDuplicateDetected {
		logger.Warn("issuance submission has conflicting readings", fields...)
	} else {
		logger.Info("issuance submission ingested", fields...)
	}

	s.publish(ctx, logger, Event{
		Type:       ingestionEvent(sub.Status),
		EntityType: audit.EntitySubmission,
		EntityID:   sub.ID,
		Status:     string(sub.Status),
		RequestID:  meta.RequestID,
		OccurredAt: s.now().UTC(),
		Data:       res.Dedup,
	})

	return &IssuanceResult{Submission: sub, Dedup: res.Dedup}, nil
}

// replay discards the new submission and answers with the one that already
// owns every reading of the upload
func (s *IngestionService) replay(ctx context.Context, meta Meta, logger *zap.Logger, tx pgx.Tx, sub *db.IssuanceSubmission, res *ingestion.Result) (*IssuanceResult, error) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return nil, fmt.Errorf("failed to roll back replayed submission: %w", err)
	}

	owner, err := s.repo.GetSubmission(ctx, s.repo.Querier(), res.ReplayOf)
	if err != nil {
		return nil, err
	}
	if owner.DevicePK != sub.DevicePK || owner.RegistrantID != sub.RegistrantID {
		return nil, apperr.Conflict("already_submitted",
			fmt.Sprintf("readings are already recorded by submission %d", owner.ID)).
			WithMetadata("existing_submission_id", owner.ID)
	}

	rec, err := audit.Record(audit.ActionIssuanceReplayed, audit.EntitySubmission, owner.ID, nil, meta.RequestID, s.now(),
		audit.Details{"csv_hash": sub.CSVHash, "exact_duplicates": res.Dedup.ExactDuplicates})
	if err != nil {
		return nil, err
	}
	if err := s.writeAudit(ctx, []db.AuditRecord{rec}); err != nil {
		return nil, err
	}

	logger.Info("issuance upload replayed",
		zap.Int64("submission_id", owner.ID),
		zap.Int("exact_duplicates", res.Dedup.ExactDuplicates),
	)
	return &IssuanceResult{Submission: owner, Dedup: res.Dedup, Replayed: true}, nil
}

// checkDeviceEligible requires the device to belong to the registrant and be approved
func checkDeviceEligible(reg *db.Registrant, device *db.Device) error {
	if device.RegistrantID != reg.ID {
		return apperr.Forbidden("device_not_owned",
			fmt.Sprintf("device %d does not belong to registrant %s", device.ID, reg.Email))
	}
	if device.Status != workflow.ApprovalApproved {
		return apperr.Forbidden("device_not_approved",
			fmt.Sprintf("device %s is %s", device.DeviceID, device.Status)).
			WithMetadata("status", string(device.Status))
	}
	return nil
}

func readingRows(records []csvparse.Record) []validator.ReadingRow {
	rows := make([]validator.ReadingRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, validator.ReadingRow{
			Row:          rec.Row,
			DeviceID:     rec.Get("deviceId"),
			Timestamp:    rec.Get("timestamp"),
			KWh:          rec.Get("kWh"),
			AuditTrailID: rec.Get("auditTrailId"),
		})
	}
	return rows
}

func ingestionEvent(status workflow.SubmissionStatus) string {
	if status == workflow.StatusDuplicateDetected {
		return EventSubmissionDuplicate
	}
	return EventSubmissionIngested
}
