package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/zeitec/verifier-worker/internal/db"
)

// Postgres is the ledger backed by the deduplication_log table. Atomicity per
// (device, timestamp) comes from the table's unique constraints: an insert
// that loses a race is turned into a lookup of the winning row.
type Postgres struct{}

// NewPostgres creates the PostgreSQL ledger
func NewPostgres() *Postgres {
	return &Postgres{}
}

// Begin opens a session as a savepoint inside tx, so ledger writes can be
// discarded without aborting the enclosing transaction.
func (p *Postgres) Begin(ctx context.Context, tx pgx.Tx) (Session, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger savepoint: %w", err)
	}
	return &pgSession{tx: sp}, nil
}

// Release deletes the entries owned by a submission
func (p *Postgres) Release(ctx context.Context, q db.Querier, submissionID int64) (int64, error) {
	tag, err := q.Exec(ctx, `DELETE FROM deduplication_log WHERE issuance_submission_id = $1`, submissionID)
	if err != nil {
		return 0, fmt.Errorf("failed to release ledger entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EntriesForSubmission lists the entries owned by a submission
func (p *Postgres) EntriesForSubmission(ctx context.Context, q db.Querier, submissionID int64) ([]Entry, error) {
	query := `
		SELECT id, audit_trail_id, device_id, reading_timestamp, kwh, issuance_submission_id, created_at
		FROM deduplication_log
		WHERE issuance_submission_id = $1
		ORDER BY reading_timestamp
	`

	rows, err := q.Query(ctx, query, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return entries, nil
}

type pgSession struct {
	tx     pgx.Tx
	closed bool
}

func (s *pgSession) CheckAndInsert(ctx context.Context, r Reading, submissionID int64) (Decision, error) {
	if s.closed {
		return Decision{}, ErrSessionClosed
	}

	insertQuery := `
		INSERT INTO deduplication_log (audit_trail_id, device_id, reading_timestamp, kwh, issuance_submission_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
		RETURNING id
	`

	var id int64
	err := s.tx.QueryRow(ctx, insertQuery,
		r.Fingerprint,
		r.DeviceID,
		r.Timestamp,
		db.Numeric(r.KWh),
		submissionID,
	).Scan(&id)
	if err == nil {
		return Decision{Reading: r, Outcome: Inserted}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Decision{}, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	lookupQuery := `
		SELECT id, audit_trail_id, device_id, reading_timestamp, kwh, issuance_submission_id, created_at
		FROM deduplication_log
		WHERE audit_trail_id = $1 OR (device_id = $2 AND reading_timestamp = $3)
		LIMIT 1
	`

	existing, err := scanEntry(s.tx.QueryRow(ctx, lookupQuery, r.Fingerprint, r.DeviceID, r.Timestamp))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// the conflicting row was rolled back between the insert and the lookup
			return Decision{}, fmt.Errorf("ledger entry for %s vanished during check", r.Fingerprint)
		}
		return Decision{}, err
	}

	return Decision{Reading: r, Outcome: classify(r, existing), Existing: existing}, nil
}

func (s *pgSession) Commit(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to release ledger savepoint: %w", err)
	}
	return nil
}

func (s *pgSession) Rollback(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("failed to roll back ledger savepoint: %w", err)
	}
	return nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e   Entry
		kwh pgtype.Numeric
	)
	err := row.Scan(&e.ID, &e.AuditTrailID, &e.DeviceID, &e.Timestamp, &kwh, &e.SubmissionID, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	if e.KWh, err = db.Decimal(kwh); err != nil {
		return nil, fmt.Errorf("ledger entry %d: %w", e.ID, err)
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}
