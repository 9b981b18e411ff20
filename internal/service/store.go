package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/ledger"
	"github.com/zeitec/verifier-worker/internal/repository"
	"github.com/zeitec/verifier-worker/internal/workflow"
)

// Store is the persistence the services run on. *repository.Repository
// implements it.
type Store interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	Querier() db.Querier

	GetAdmin(ctx context.Context, id int64) (*db.Admin, error)

	InsertRegistrantTx(ctx context.Context, tx pgx.Tx, reg *db.Registrant) error
	GetRegistrant(ctx context.Context, id int64) (*db.Registrant, error)
	GetRegistrantByEmail(ctx context.Context, email string) (*db.Registrant, error)
	GetRegistrantForUpdateTx(ctx context.Context, tx pgx.Tx, id int64) (*db.Registrant, error)
	UpdateRegistrantReviewTx(ctx context.Context, tx pgx.Tx, id int64, status workflow.ApprovalStatus, adminID int64, notes string, at time.Time) error
	ListRegistrants(ctx context.Context, f repository.RegistrantFilter, p repository.Page) ([]db.Registrant, int64, error)

	DeviceExistsTx(ctx context.Context, tx pgx.Tx, deviceID, facilityID string) (bool, error)
	InsertDeviceTx(ctx context.Context, tx pgx.Tx, d *db.Device) error
	InsertDeviceDocumentsTx(ctx context.Context, tx pgx.Tx, docs []db.DeviceDocument) error
	GetDevice(ctx context.Context, q db.Querier, id int64) (*db.Device, error)
	GetDeviceForUpdateTx(ctx context.Context, tx pgx.Tx, id int64) (*db.Device, error)
	UpdateDeviceReviewTx(ctx context.Context, tx pgx.Tx, id int64, status workflow.ApprovalStatus, adminID int64, notes string, at time.Time) error
	ListDevices(ctx context.Context, f repository.DeviceFilter, p repository.Page) ([]db.Device, int64, error)
	ListDeviceDocuments(ctx context.Context, devicePK int64) ([]db.DeviceDocument, error)

	InsertSubmissionTx(ctx context.Context, tx pgx.Tx, s *db.IssuanceSubmission) error
	UpdateSubmissionIngestionTx(ctx context.Context, tx pgx.Tx, s *db.IssuanceSubmission) error
	GetSubmission(ctx context.Context, q db.Querier, id int64) (*db.IssuanceSubmission, error)
	GetSubmissionForUpdateTx(ctx context.Context, tx pgx.Tx, id int64) (*db.IssuanceSubmission, error)
	TransitionSubmissionTx(ctx context.Context, tx pgx.Tx, id int64, t workflow.Transition, claimedBy *int64, claimedAt *time.Time) error
	DeleteSubmissionTx(ctx context.Context, tx pgx.Tx, id int64) error
	ListSubmissions(ctx context.Context, f repository.SubmissionFilter, p repository.Page) ([]db.IssuanceSubmission, int64, error)

	InsertReviewTx(ctx context.Context, tx pgx.Tx, rv *db.VerifierReview) error
	GetReviewBySubmission(ctx context.Context, q db.Querier, submissionID int64) (*db.VerifierReview, error)

	InsertAuditRecordsTx(ctx context.Context, tx pgx.Tx, records []db.AuditRecord) error
	Stats(ctx context.Context) (*repository.Stats, error)
}

// Ledger is the deduplication ledger as seen from a database transaction.
// *ledger.Postgres implements it.
type Ledger interface {
	Begin(ctx context.Context, tx pgx.Tx) (ledger.Session, error)
	Release(ctx context.Context, q db.Querier, submissionID int64) (int64, error)
	EntriesForSubmission(ctx context.Context, q db.Querier, submissionID int64) ([]ledger.Entry, error)
}

var (
	_ Store  = (*repository.Repository)(nil)
	_ Ledger = (*ledger.Postgres)(nil)
)
