package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/workflow"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// PostgreSQL error codes the repository maps to domain errors
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// Constraint names referenced by callers
const (
	ConstraintRegistrantEmail  = "registrants_email_key"
	ConstraintDeviceFacility   = "uq_devices_device_facility"
	ConstraintReviewSubmission = "uq_verifier_reviews_submission"
)

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// BeginTx starts a new transaction
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Querier exposes the pool for read-only collaborators
func (r *Repository) Querier() db.Querier {
	return r.pool
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// GetAdmin loads a staff account
func (r *Repository) GetAdmin(ctx context.Context, id int64) (*db.Admin, error) {
	query := `
		SELECT id, username, email, full_name, role
		FROM admins
		WHERE id = $1
	`

	var a db.Admin
	var role string
	err := r.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.Username, &a.Email, &a.FullName, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("admin_not_found", fmt.Sprintf("admin %d does not exist", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query admin: %w", err)
	}
	a.Role = workflow.Role(role)
	return &a, nil
}

// MapError translates PostgreSQL constraint failures into domain errors.
// Errors that are not constraint violations are returned unchanged.
func MapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgUniqueViolation:
		return apperr.Conflict("unique_violation", pgErr.Message).
			WithMetadata("constraint", pgErr.ConstraintName)
	case pgForeignKeyViolation:
		return apperr.NotFound("missing_reference", pgErr.Message).
			WithMetadata("constraint", pgErr.ConstraintName)
	case pgCheckViolation:
		return apperr.Integrity("check_violation", pgErr.Message).
			WithMetadata("constraint", pgErr.ConstraintName)
	}
	return err
}

// IsUniqueViolation reports whether err violates the named unique constraint
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraint
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
