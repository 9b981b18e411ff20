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

const registrantColumns = `
	id, organization_name, contact_person, email, phone, country, num_facilities,
	total_capacity_kw, description, business_doc_url, status, created_at,
	reviewed_at, reviewed_by, reviewer_notes
`

// InsertRegistrantTx creates a pending registrant
func (r *Repository) InsertRegistrantTx(ctx context.Context, tx pgx.Tx, reg *db.Registrant) error {
	query := `
		INSERT INTO registrants (
			organization_name, contact_person, email, phone, country,
			num_facilities, total_capacity_kw, description, business_doc_url, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`

	var capacity *pgtype.Numeric
	if reg.TotalCapacityKW != nil {
		n := db.Numeric(*reg.TotalCapacityKW)
		capacity = &n
	}

	err := tx.QueryRow(ctx, query,
		reg.OrganizationName,
		reg.ContactPerson,
		reg.Email,
		reg.Phone,
		reg.Country,
		reg.NumFacilities,
		capacity,
		reg.Description,
		reg.BusinessDocURL,
		string(reg.Status),
	).Scan(&reg.ID, &reg.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err, ConstraintRegistrantEmail) {
			return apperr.Integrity("duplicate_registrant",
				fmt.Sprintf("a registrant with email %s already exists", reg.Email))
		}
		return fmt.Errorf("failed to insert registrant: %w", MapError(err))
	}
	return nil
}

// GetRegistrantByEmail loads a registrant by contact email
func (r *Repository) GetRegistrantByEmail(ctx context.Context, email string) (*db.Registrant, error) {
	query := `SELECT ` + registrantColumns + ` FROM registrants WHERE lower(email) = lower($1)`
	reg, err := scanRegistrant(r.pool.QueryRow(ctx, query, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("registrant_not_found", fmt.Sprintf("no registrant with email %s", email))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query registrant: %w", err)
	}
	return reg, nil
}

// GetRegistrantForUpdateTx loads and locks a registrant
func (r *Repository) GetRegistrantForUpdateTx(ctx context.Context, tx pgx.Tx, id int64) (*db.Registrant, error) {
	query := `SELECT ` + registrantColumns + ` FROM registrants WHERE id = $1 FOR UPDATE`
	reg, err := scanRegistrant(tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("registrant_not_found", fmt.Sprintf("registrant %d does not exist", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query registrant: %w", err)
	}
	return reg, nil
}

// UpdateRegistrantReviewTx stores an administrator decision on a registrant
func (r *Repository) UpdateRegistrantReviewTx(ctx context.Context, tx pgx.Tx, id int64, status workflow.ApprovalStatus, adminID int64, notes string, at time.Time) error {
	query := `
		UPDATE registrants
		SET status = $1, reviewed_at = $2, reviewed_by = $3, reviewer_notes = $4
		WHERE id = $5
	`

	if _, err := tx.Exec(ctx, query, string(status), at, adminID, nullable(notes), id); err != nil {
		return fmt.Errorf("failed to update registrant review: %w", MapError(err))
	}
	return nil
}

func scanRegistrant(row pgx.Row) (*db.Registrant, error) {
	var (
		reg      db.Registrant
		capacity pgtype.Numeric
		status   string
	)
	err := row.Scan(
		&reg.ID,
		&reg.OrganizationName,
		&reg.ContactPerson,
		&reg.Email,
		&reg.Phone,
		&reg.Country,
		&reg.NumFacilities,
		&capacity,
		&reg.Description,
		&reg.BusinessDocURL,
		&status,
		&reg.CreatedAt,
		&reg.ReviewedAt,
		&reg.ReviewedBy,
		&reg.ReviewerNotes,
	)
	if err != nil {
		return nil, err
	}

	if capacity.Valid {
		d, err := db.Decimal(capacity)
		if err != nil {
			return nil, err
		}
		reg.TotalCapacityKW = &d
	}
	if reg.Status, err = workflow.ParseApprovalStatus(status); err != nil {
		return nil, err
	}
	return &reg, nil
}
