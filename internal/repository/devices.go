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

const deviceColumns = `
	id, registrant_id, device_id, facility_id, COALESCE(serial_number, ''),
	COALESCE(manufacturer, ''), COALESCE(model, ''), capacity_kw, COALESCE(technology, ''),
	country, COALESCE(grid_connection_point, ''), commissioning_date, device_hash, status,
	created_at, reviewed_at, reviewed_by, reviewer_notes
`

// DeviceExistsTx reports whether a device/facility pair is already registered
func (r *Repository) DeviceExistsTx(ctx context.Context, tx pgx.Tx, deviceID, facilityID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM devices WHERE device_id = $1 AND facility_id = $2)`

	var exists bool
	if err := tx.QueryRow(ctx, query, deviceID, facilityID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check device: %w", err)
	}
	return exists, nil
}

// InsertDeviceTx creates a pending device
func (r *Repository) InsertDeviceTx(ctx context.Context, tx pgx.Tx, d *db.Device) error {
	query := `
		INSERT INTO devices (
			registrant_id, device_id, facility_id, serial_number, manufacturer, model,
			capacity_kw, technology, country, grid_connection_point, commissioning_date,
			device_hash, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		d.RegistrantID,
		d.DeviceID,
		d.FacilityID,
		nullable(d.SerialNumber),
		nullable(d.Manufacturer),
		nullable(d.Model),
		db.Numeric(d.CapacityKW),
		nullable(d.Technology),
		d.Country,
		nullable(d.GridConnectionPoint),
		d.CommissioningDate,
		d.DeviceHash,
		string(d.Status),
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err, ConstraintDeviceFacility) {
			return apperr.Integrity("duplicate_device",
				fmt.Sprintf("device %s at facility %s is already registered", d.DeviceID, d.FacilityID))
		}
		return fmt.Errorf("failed to insert device: %w", MapError(err))
	}
	return nil
}

// InsertDeviceDocumentsTx attaches document references to a device
func (r *Repository) InsertDeviceDocumentsTx(ctx context.Context, tx pgx.Tx, docs []db.DeviceDocument) error {
	query := `
		INSERT INTO device_documents (
			device_id, document_type, file_name, file_path, file_hash, file_size, mime_type
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	batch := &pgx.Batch{}
	for _, doc := range docs {
		var size *int64
		if doc.FileSize > 0 {
			size = &doc.FileSize
		}
		batch.Queue(query,
			doc.DeviceID,
			doc.DocumentType,
			doc.FileName,
			doc.FilePath,
			nullable(doc.FileHash),
			size,
			nullable(doc.MimeType),
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert device documents: %w", MapError(err))
	}
	return nil
}

// GetDevice loads a device by primary key
func (r *Repository) GetDevice(ctx context.Context, q db.Querier, id int64) (*db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	return r.device(q.QueryRow(ctx, query, id), id)
}

// GetDeviceForUpdateTx loads and locks a device
func (r *Repository) GetDeviceForUpdateTx(ctx context.Context, tx pgx.Tx, id int64) (*db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1 FOR UPDATE`
	return r.device(tx.QueryRow(ctx, query, id), id)
}

// UpdateDeviceReviewTx stores an administrator decision on a device
func (r *Repository) UpdateDeviceReviewTx(ctx context.Context, tx pgx.Tx, id int64, status workflow.ApprovalStatus, adminID int64, notes string, at time.Time) error {
	query := `
		UPDATE devices
		SET status = $1, reviewed_at = $2, reviewed_by = $3, reviewer_notes = $4
		WHERE id = $5
	`

	if _, err := tx.Exec(ctx, query, string(status), at, adminID, nullable(notes), id); err != nil {
		return fmt.Errorf("failed to update device review: %w", MapError(err))
	}
	return nil
}

func (r *Repository) device(row pgx.Row, id int64) (*db.Device, error) {
	var (
		d        db.Device
		capacity pgtype.Numeric
		status   string
	)
	err := row.Scan(
		&d.ID,
		&d.RegistrantID,
		&d.DeviceID,
		&d.FacilityID,
		&d.SerialNumber,
		&d.Manufacturer,
		&d.Model,
		&capacity,
		&d.Technology,
		&d.Country,
		&d.GridConnectionPoint,
		&d.CommissioningDate,
		&d.DeviceHash,
		&status,
		&d.CreatedAt,
		&d.ReviewedAt,
		&d.ReviewedBy,
		&d.ReviewerNotes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("device_not_found", fmt.Sprintf("device %d does not exist", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}

	if d.CapacityKW, err = db.Decimal(capacity); err != nil {
		return nil, err
	}
	if d.Status, err = workflow.ParseApprovalStatus(status); err != nil {
		return nil, err
	}
	return &d, nil
}
