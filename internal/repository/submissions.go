package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/workflow"
)

const submissionColumns = `
	id, registrant_id, device_id, issuance_period_start, issuance_period_end, total_kwh,
	num_readings, csv_file_path, csv_hash, registrant_declaration_path, status, version,
	claimed_by, claimed_at, created_at, submitted_by, deduplication_result
`

// InsertSubmissionTx creates a submission row before its readings are checked.
// The row starts pending with zero totals; UpdateSubmissionIngestionTx fills them in.
func (r *Repository) InsertSubmissionTx(ctx context.Context, tx pgx.Tx, s *db.IssuanceSubmission) error {
	query := `
		INSERT INTO issuance_submissions (
			registrant_id, device_id, issuance_period_start, issuance_period_end,
			csv_file_path, csv_hash, registrant_declaration_path, status, submitted_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, version, created_at
	`

	err := tx.QueryRow(ctx, query,
		s.RegistrantID,
		s.DevicePK,
		s.PeriodStart,
		s.PeriodEnd,
		s.CSVFilePath,
		s.CSVHash,
		s.RegistrantDeclarationPath,
		string(s.Status),
		s.SubmittedBy,
	).Scan(&s.ID, &s.Version, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert issuance submission: %w", MapError(err))
	}
	return nil
}

// UpdateSubmissionIngestionTx stores the outcome of the ledger check
func (r *Repository) UpdateSubmissionIngestionTx(ctx context.Context, tx pgx.Tx, s *db.IssuanceSubmission) error {
	query := `
		UPDATE issuance_submissions
		SET status = $1, total_kwh = $2, num_readings = $3, deduplication_result = $4
		WHERE id = $5
	`

	_, err := tx.Exec(ctx, query,
		string(s.Status),
		db.Numeric(s.TotalKWh),
		s.NumReadings,
		s.DeduplicationResult,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update issuance submission: %w", MapError(err))
	}
	return nil
}

// GetSubmission loads a submission by id
func (r *Repository) GetSubmission(ctx context.Context, q db.Querier, id int64) (*db.IssuanceSubmission, error) {
	query := `SELECT ` + submissionColumns + ` FROM issuance_submissions WHERE id = $1`
	return scanSubmission(q.QueryRow(ctx, query, id), id)
}

// GetSubmissionForUpdateTx loads and locks a submission so that concurrent
// transitions serialize on the row
func (r *Repository) GetSubmissionForUpdateTx(ctx context.Context, tx pgx.Tx, id int64) (*db.IssuanceSubmission, error) {
	query := `SELECT ` + submissionColumns + ` FROM issuance_submissions WHERE id = $1 FOR UPDATE`
	return scanSubmission(tx.QueryRow(ctx, query, id), id)
}

// TransitionSubmissionTx applies a state machine transition. The update only
// matches the version the transition was computed from.
func (r *Repository) TransitionSubmissionTx(ctx context.Context, tx pgx.Tx, id int64, t workflow.Transition, claimedBy *int64, claimedAt *time.Time) error {
	query := `
		UPDATE issuance_submissions
		SET status = $1, version = $2,
		    claimed_by = COALESCE($3, claimed_by),
		    claimed_at = COALESCE($4, claimed_at)
		WHERE id = $5 AND version = $6 AND status = $7
	`

	tag, err := tx.Exec(ctx, query, string(t.To), t.Version, claimedBy, claimedAt, id, t.Version-1, string(t.From))
	if err != nil {
		return fmt.Errorf("failed to update submission status: %w", MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("stale_version",
			fmt.Sprintf("submission %d changed while the transition was applied", id))
	}
	return nil
}

// DeleteSubmissionTx removes a submission. Ledger entries and the review
// cascade with it.
func (r *Repository) DeleteSubmissionTx(ctx context.Context, tx pgx.Tx, id int64) error {
	tag, err := tx.Exec(ctx, `DELETE FROM issuance_submissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete submission: %w", MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("submission_not_found", fmt.Sprintf("submission %d does not exist", id))
	}
	return nil
}

// InsertReviewTx records the single verifier review of a submission
func (r *Repository) InsertReviewTx(ctx context.Context, tx pgx.Tx, rv *db.VerifierReview) error {
	query := `
		INSERT INTO verifier_reviews (
			issuance_submission_id, verifier_id, decision, review_notes, checklist,
			verifier_vc_issued, verifier_vc_data, reviewed_at, measurement_tier,
			device_scope_confirmed, grouping_keys_consistent, no_dedupe_collisions
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`

	err := tx.QueryRow(ctx, query,
		rv.SubmissionID,
		rv.VerifierID,
		string(rv.Decision),
		rv.ReviewNotes,
		rv.Checklist,
		rv.VerifierVCIssued,
		rv.VerifierVCData,
		rv.ReviewedAt,
		rv.MeasurementTier,
		rv.DeviceScopeConfirmed,
		rv.GroupingKeysConsistent,
		rv.NoDedupeCollisions,
	).Scan(&rv.ID)
	if err != nil {
		if IsUniqueViolation(err, ConstraintReviewSubmission) {
			return apperr.Conflict("already_reviewed",
				fmt.Sprintf("submission %d already has a review", rv.SubmissionID))
		}
		return fmt.Errorf("failed to insert verifier review: %w", MapError(err))
	}
	return nil
}

// GetReviewBySubmission returns the review of a submission, or nil when none exists
func (r *Repository) GetReviewBySubmission(ctx context.Context, q db.Querier, submissionID int64) (*db.VerifierReview, error) {
	query := `
		SELECT id, issuance_submission_id, verifier_id, decision, review_notes, checklist,
		       verifier_vc_issued, verifier_vc_data, reviewed_at, measurement_tier,
		       device_scope_confirmed, grouping_keys_consistent, no_dedupe_collisions
		FROM verifier_reviews
		WHERE issuance_submission_id = $1
	`

	var (
		rv       db.VerifierReview
		decision string
	)
	err := q.QueryRow(ctx, query, submissionID).Scan(
		&rv.ID,
		&rv.SubmissionID,
		&rv.VerifierID,
		&decision,
		&rv.ReviewNotes,
		&rv.Checklist,
		&rv.VerifierVCIssued,
		&rv.VerifierVCData,
		&rv.ReviewedAt,
		&rv.MeasurementTier,
		&rv.DeviceScopeConfirmed,
		&rv.GroupingKeysConsistent,
		&rv.NoDedupeCollisions,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query verifier review: %w", err)
	}
	rv.Decision = workflow.Decision(decision)
	return &rv, nil
}

func scanSubmission(row pgx.Row, id int64) (*db.IssuanceSubmission, error) {
	var (
		s      db.IssuanceSubmission
		total  pgtype.Numeric
		status string
	)
	err := row.Scan(
		&s.ID,
		&s.RegistrantID,
		&s.DevicePK,
		&s.PeriodStart,
		&s.PeriodEnd,
		&total,
		&s.NumReadings,
		&s.CSVFilePath,
		&s.CSVHash,
		&s.RegistrantDeclarationPath,
		&status,
		&s.Version,
		&s.ClaimedBy,
		&s.ClaimedAt,
		&s.CreatedAt,
		&s.SubmittedBy,
		&s.DeduplicationResult,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("submission_not_found", fmt.Sprintf("submission %d does not exist", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query submission: %w", err)
	}

	if s.TotalKWh, err = db.Decimal(total); err != nil {
		return nil, err
	}
	if s.Status, err = workflow.ParseSubmissionStatus(status); err != nil {
		return nil, err
	}
	return &s, nil
}
