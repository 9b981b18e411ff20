package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/internal/audit"
	"github.com/zeitec/verifier-worker/internal/config"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/ingestion"
	"github.com/zeitec/verifier-worker/internal/ledger"
	"github.com/zeitec/verifier-worker/internal/metrics"
	"github.com/zeitec/verifier-worker/internal/repository"
	"github.com/zeitec/verifier-worker/internal/workflow"
	"go.uber.org/zap"
)

// ReviewRequest is a verifier decision on a submission under review
type ReviewRequest struct {
	Decision        workflow.Decision
	Checklist       *workflow.Checklist
	Notes           string
	MeasurementTier string
	ExpectedVersion *int64
}

// ReviewOutcome is the submission after a review and the stored review
type ReviewOutcome struct {
	Submission *db.IssuanceSubmission       `json:"submission"`
	Review     *db.VerifierReview           `json:"review"`
	Checklist  workflow.Checklist           `json:"checklist"`
	Credential *workflow.VerifierCredential `json:"verifier_credential,omitempty"`
	Released   int64                        `json:"ledger_entries_released"`
}

// SubmissionView is the read model of a submission
type SubmissionView struct {
	Submission *db.IssuanceSubmission `json:"submission"`
	Dedup      *ingestion.DedupResult `json:"deduplication_result,omitempty"`
	Review     *ReviewView            `json:"review,omitempty"`
}

// ReviewView is a stored review with its JSON documents decoded
type ReviewView struct {
	*db.VerifierReview
	Checklist  json.RawMessage `json:"checklist"`
	Credential json.RawMessage `json:"verifier_credential,omitempty"`
}

// ReviewService drives submissions through verifier review
type ReviewService struct {
	base
	ledger Ledger
	cfg    config.ReviewConfig
	maxKW  decimal.Decimal
}

// NewReviewService creates a new review service
func NewReviewService(
	repo Store,
	publisher EventPublisher,
	l Ledger,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *ReviewService {
	return &ReviewService{
		base:   newBase(repo, publisher, m, logger),
		ledger: l,
		cfg:    cfg.Review,
		maxKW:  cfg.Registry.MaxDeviceCapacityKW,
	}
}

// Claim moves a pending submission under review by the calling verifier
func (s *ReviewService) Claim(ctx context.Context, meta Meta, id int64, expectedVersion *int64) (*db.IssuanceSubmission, error) {
	actor, err := s.actor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if err := workflow.RequireStaff(actor); err != nil {
		return nil, err
	}

	var sub *db.IssuanceSubmission
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if sub, err = s.repo.GetSubmissionForUpdateTx(ctx, tx, id); err != nil {
			return err
		}
		t, err := workflow.Claim(snapshot(sub), expectedVersion)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		if err := s.repo.TransitionSubmissionTx(ctx, tx, id, t, &actor.AdminID, &now); err != nil {
			return err
		}
		sub.Status, sub.Version = t.To, t.Version
		sub.ClaimedBy, sub.ClaimedAt = &actor.AdminID, &now

		rec, err := audit.Record(audit.ActionClaim, audit.EntitySubmission, id, adminRef(meta), meta.RequestID, now,
			audit.Details{"version": t.Version})
		if err != nil {
			return err
		}
		return s.repo.InsertAuditRecordsTx(ctx, tx, []db.AuditRecord{rec})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition(string(sub.Status))
	logger := s.requestLogger(meta)
	logger.Info("submission claimed", zap.Int64("submission_id", id), zap.Int64("verifier_id", actor.AdminID))
	s.publish(ctx, logger, s.submissionEvent(EventSubmissionClaimed, meta, sub))
	return sub, nil
}

// Review records the verifier decision on a submission under review.
// Rejection frees the submission's readings in the ledger.
func (s *ReviewService) Review(ctx context.Context, meta Meta, id int64, in ReviewRequest) (*ReviewOutcome, error) {
	actor, err := s.actor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if err := workflow.RequireStaff(actor); err != nil {
		return nil, err
	}

	out := &ReviewOutcome{}
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		sub, err := s.repo.GetSubmissionForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		t, err := workflow.Decide(snapshot(sub), in.Decision, in.ExpectedVersion)
		if err != nil {
			return err
		}

		device, err := s.repo.GetDevice(ctx, tx, sub.DevicePK)
		if err != nil {
			return err
		}
		entries, err := s.ledger.EntriesForSubmission(ctx, tx, id)
		if err != nil {
			return err
		}
		dedup, err := decodeDedup(sub.DeduplicationResult)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		rec, err := workflow.BuildReview(workflow.ReviewInput{
			Decision:        in.Decision,
			Checklist:       in.Checklist,
			Notes:           in.Notes,
			MeasurementTier: in.MeasurementTier,
		}, workflow.ReviewContext{
			SubmissionID:    sub.ID,
			TotalKWh:        sub.TotalKWh,
			PeriodStart:     sub.PeriodStart,
			PeriodEnd:       sub.PeriodEnd,
			Derived:         deriveChecks(device, entries, dedup, s.maxKW),
			MaxCapacityKW:   s.maxKW,
			DefaultTier:     s.cfg.DefaultMeasurementTier,
			Issuer:          s.cfg.VCIssuer,
			IssueCredential: s.cfg.IssueVerifierVC,
			Now:             now,
		})
		if err != nil {
			return err
		}

		review, err := storedReview(sub.ID, actor.AdminID, rec)
		if err != nil {
			return err
		}
		if err := s.repo.InsertReviewTx(ctx, tx, review); err != nil {
			return err
		}
		if err := s.repo.TransitionSubmissionTx(ctx, tx, id, t, nil, nil); err != nil {
			return err
		}
		sub.Status, sub.Version = t.To, t.Version

		records := make([]db.AuditRecord, 0, 2)
		action := audit.ActionVerifierApproved
		if in.Decision == workflow.DecisionRejected {
			action = audit.ActionVerifierRejected
			if out.Released, err = s.ledger.Release(ctx, tx, id); err != nil {
				return err
			}
			released, err := audit.Record(audit.ActionLedgerReleased, audit.EntitySubmission, id, adminRef(meta), meta.RequestID, now,
				audit.Details{"entries": out.Released})
			if err != nil {
				return err
			}
			records = append(records, released)
		}
		decided, err := audit.Record(action, audit.EntitySubmission, id, adminRef(meta), meta.RequestID, now, audit.Details{
			"measurement_tier":         rec.MeasurementTier,
			"verifier_vc_issued":       rec.CredentialIssued,
			"device_scope_confirmed":   rec.Derived.DeviceScopeConfirmed,
			"grouping_keys_consistent": rec.Derived.GroupingKeysConsistent,
			"no_dedupe_collisions":     rec.Derived.NoDedupeCollisions,
		})
		if err != nil {
			return err
		}
		if err := s.repo.InsertAuditRecordsTx(ctx, tx, append([]db.AuditRecord{decided}, records...)); err != nil {
			return err
		}

		out.Submission = sub
		out.Review = review
		out.Checklist = rec.Checklist
		out.Credential = rec.Credential
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition(string(out.Submission.Status))
	if out.Released > 0 {
		s.metrics.RecordLedgerReleased(out.Released)
	}

	logger := s.requestLogger(meta)
	logger.Info("submission reviewed",
		zap.Int64("submission_id", id),
		zap.String("decision", string(in.Decision)),
		zap.Int64("ledger_entries_released", out.Released),
	)

	eventType := EventSubmissionApproved
	if in.Decision == workflow.DecisionRejected {
		eventType = EventSubmissionRejected
	}
	s.publish(ctx, logger, s.submissionEvent(eventType, meta, out.Submission))
	return out, nil
}

// ResolveDuplicate lets an administrator close a submission whose readings
// conflict with the ledger
func (s *ReviewService) ResolveDuplicate(ctx context.Context, meta Meta, id int64, notes string) (*db.IssuanceSubmission, error) {
	actor, err := s.actor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(notes) == "" {
		return nil, apperr.Validation("notes_required", "resolving a duplicate requires notes",
			apperr.FieldError{Field: "notes", Message: "is required"})
	}

	var (
		sub      *db.IssuanceSubmission
		released int64
	)
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if sub, err = s.repo.GetSubmissionForUpdateTx(ctx, tx, id); err != nil {
			return err
		}
		t, err := workflow.ResolveDuplicate(snapshot(sub), actor)
		if err != nil {
			return err
		}
		if err := s.repo.TransitionSubmissionTx(ctx, tx, id, t, nil, nil); err != nil {
			return err
		}
		sub.Status, sub.Version = t.To, t.Version

		if released, err = s.ledger.Release(ctx, tx, id); err != nil {
			return err
		}

		rec, err := audit.Record(audit.ActionResolveDuplicate, audit.EntitySubmission, id, adminRef(meta), meta.RequestID, s.now(),
			audit.Details{"notes": notes, "ledger_entries_released": released})
		if err != nil {
			return err
		}
		return s.repo.InsertAuditRecordsTx(ctx, tx, []db.AuditRecord{rec})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition(string(sub.Status))
	s.metrics.RecordLedgerReleased(released)
	logger := s.requestLogger(meta)
	logger.Info("duplicate submission resolved", zap.Int64("submission_id", id))
	s.publish(ctx, logger, s.submissionEvent(EventSubmissionRejected, meta, sub))
	return sub, nil
}

// Delete removes a submission that is not approved. Its ledger entries and
// review go with it.
func (s *ReviewService) Delete(ctx context.Context, meta Meta, id int64) (int64, error) {
	actor, err := s.actor(ctx, meta)
	if err != nil {
		return 0, err
	}
	if err := workflow.RequireAdministrator(actor); err != nil {
		return 0, err
	}

	var released int64
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		sub, err := s.repo.GetSubmissionForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := workflow.CheckDeletable(snapshot(sub)); err != nil {
			return err
		}
		if released, err = s.ledger.Release(ctx, tx, id); err != nil {
			return err
		}
		if err := s.repo.DeleteSubmissionTx(ctx, tx, id); err != nil {
			return err
		}

		rec, err := audit.Record(audit.ActionDelete, audit.EntitySubmission, id, adminRef(meta), meta.RequestID, s.now(),
			audit.Details{"status": string(sub.Status), "ledger_entries_released": released})
		if err != nil {
			return err
		}
		return s.repo.InsertAuditRecordsTx(ctx, tx, []db.AuditRecord{rec})
	})
	if err != nil {
		return 0, err
	}

	s.metrics.RecordLedgerReleased(released)
	logger := s.requestLogger(meta)
	logger.Info("submission deleted", zap.Int64("submission_id", id), zap.Int64("ledger_entries_released", released))
	s.publish(ctx, logger, Event{
		Type:       EventSubmissionDeleted,
		EntityType: audit.EntitySubmission,
		EntityID:   id,
		RequestID:  meta.RequestID,
		OccurredAt: s.now().UTC(),
	})
	return released, nil
}

// Get returns a submission with its deduplication result and review
func (s *ReviewService) Get(ctx context.Context, id int64) (*SubmissionView, error) {
	q := s.repo.Querier()
	sub, err := s.repo.GetSubmission(ctx, q, id)
	if err != nil {
		return nil, err
	}

	view := &SubmissionView{Submission: sub}
	if len(sub.DeduplicationResult) > 0 {
		dedup, err := decodeDedup(sub.DeduplicationResult)
		if err != nil {
			return nil, err
		}
		view.Dedup = &dedup
	}

	review, err := s.repo.GetReviewBySubmission(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if review != nil {
		view.Review = &ReviewView{
			VerifierReview: review,
			Checklist:      json.RawMessage(review.Checklist),
			Credential:     json.RawMessage(review.VerifierVCData),
		}
	}
	return view, nil
}

// Stats returns counts by status and the approved energy total
func (s *ReviewService) Stats(ctx context.Context) (*repository.Stats, error) {
	return s.repo.Stats(ctx)
}

func (s *ReviewService) submissionEvent(eventType string, meta Meta, sub *db.IssuanceSubmission) Event {
	return Event{
		Type:       eventType,
		EntityType: audit.EntitySubmission,
		EntityID:   sub.ID,
		Status:     string(sub.Status),
		RequestID:  meta.RequestID,
		OccurredAt: s.now().UTC(),
	}
}

func snapshot(sub *db.IssuanceSubmission) workflow.Snapshot {
	return workflow.Snapshot{ID: sub.ID, Status: sub.Status, Version: sub.Version}
}

// deriveChecks computes the checklist items that come from stored facts
// rather than from the verifier
func deriveChecks(device *db.Device, entries []ledger.Entry, dedup ingestion.DedupResult, maxKW decimal.Decimal) workflow.Derived {
	consistent := len(entries) > 0
	for _, e := range entries {
		if e.DeviceID != device.DeviceID {
			consistent = false
			break
		}
	}

	return workflow.Derived{
		DeviceScopeConfirmed:   device.Status == workflow.ApprovalApproved && device.CapacityKW.LessThanOrEqual(maxKW),
		GroupingKeysConsistent: consistent,
		NoDedupeCollisions:     len(dedup.Conflicts) == 0,
	}
}

func decodeDedup(raw []byte) (ingestion.DedupResult, error) {
	var dedup ingestion.DedupResult
	if len(raw) == 0 {
		return dedup, nil
	}
	if err := json.Unmarshal(raw, &dedup); err != nil {
		return dedup, fmt.Errorf("failed to decode deduplication result: %w", err)
	}
	return dedup, nil
}

// storedReview converts a review record into its table form
func storedReview(submissionID, verifierID int64, rec workflow.ReviewRecord) (*db.VerifierReview, error) {
	checklist, err := json.Marshal(rec.Checklist)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checklist: %w", err)
	}

	var credential []byte
	if rec.Credential != nil {
		if credential, err = json.Marshal(rec.Credential); err != nil {
			return nil, fmt.Errorf("failed to encode verifier credential: %w", err)
		}
	}

	return &db.VerifierReview{
		SubmissionID:           submissionID,
		VerifierID:             verifierID,
		Decision:               rec.Decision,
		ReviewNotes:            optional(rec.Notes),
		Checklist:              checklist,
		VerifierVCIssued:       rec.CredentialIssued,
		VerifierVCData:         credential,
		ReviewedAt:             rec.ReviewedAt,
		MeasurementTier:        rec.MeasurementTier,
		DeviceScopeConfirmed:   rec.Derived.DeviceScopeConfirmed,
		GroupingKeysConsistent: rec.Derived.GroupingKeysConsistent,
		NoDedupeCollisions:     rec.Derived.NoDedupeCollisions,
	}, nil
}
