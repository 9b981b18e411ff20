package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/internal/audit"
	"github.com/zeitec/verifier-worker/internal/csvparse"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/fingerprint"
	"github.com/zeitec/verifier-worker/internal/metrics"
	"github.com/zeitec/verifier-worker/internal/validator"
	"github.com/zeitec/verifier-worker/internal/workflow"
	"go.uber.org/zap"
)

// DeviceColumns are the required columns of a device registry file
var DeviceColumns = []string{
	"deviceId", "facilityId", "serialNumber", "manufacturer", "model",
	"capacityKW", "technology", "country", "gridConnectionPoint", "commissioningDate",
}

// RegistrantStatus is the public view of an application
type RegistrantStatus struct {
	OrganizationName string                  `json:"organization_name"`
	Status           workflow.ApprovalStatus `json:"status"`
	SubmittedAt      time.Time               `json:"submitted_at"`
	ReviewedAt       *time.Time              `json:"reviewed_at,omitempty"`
	ReviewerNotes    *string                 `json:"reviewer_notes,omitempty"`
}

// DocumentRef points at an already-uploaded supporting document
type DocumentRef struct {
	DocumentType string `json:"document_type"`
	FileName     string `json:"file_name"`
	FilePath     string `json:"file_path"`
	FileHash     string `json:"file_hash"`
	FileSize     int64  `json:"file_size"`
	MimeType     string `json:"mime_type"`
}

// DeviceSubmission is a registrant's device registry upload
type DeviceSubmission struct {
	RegistrantEmail string
	CSV             []byte
	Documents       []DocumentRef
}

// RegistryService manages registrants and their devices
type RegistryService struct {
	base
	validator *validator.Validator
	maxRows   int
}

// NewRegistryService creates a new registry service
func NewRegistryService(
	repo Store,
	publisher EventPublisher,
	v *validator.Validator,
	m *metrics.Metrics,
	maxRows int,
	logger *zap.Logger,
) *RegistryService {
	return &RegistryService{
		base:      newBase(repo, publisher, m, logger),
		validator: v,
		maxRows:   maxRows,
	}
}

// Apply records a new registrant application
func (s *RegistryService) Apply(ctx context.Context, meta Meta, app validator.RegistrantApplication) (*db.Registrant, error) {
	app.Email = strings.ToLower(strings.TrimSpace(app.Email))
	if err := s.validator.ValidateApplication(app); err != nil {
		return nil, err
	}

	reg := &db.Registrant{
		OrganizationName: strings.TrimSpace(app.OrganizationName),
		ContactPerson:    strings.TrimSpace(app.ContactPerson),
		Email:            app.Email,
		Phone:            optional(app.Phone),
		Country:          app.Country,
		NumFacilities:    app.NumFacilities,
		TotalCapacityKW:  app.TotalCapacityKW,
		Description:      optional(app.Description),
		BusinessDocURL:   optional(app.BusinessDocURL),
		Status:           workflow.ApprovalPending,
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.repo.InsertRegistrantTx(ctx, tx, reg); err != nil {
			return err
		}
		rec, err := audit.Record(audit.ActionApply, audit.EntityRegistrant, reg.ID, nil, meta.RequestID, s.now(),
			audit.Details{"organization_name": reg.OrganizationName, "email": reg.Email, "country": reg.Country})
		if err != nil {
			return err
		}
		return s.repo.InsertAuditRecordsTx(ctx, tx, []db.AuditRecord{rec})
	})
	if err != nil {
		return nil, err
	}

	logger := s.requestLogger(meta)
	logger.Info("registrant application received", zap.Int64("registrant_id", reg.ID))
	s.publish(ctx, logger, Event{
		Type:       EventRegistrantApplied,
		EntityType: audit.EntityRegistrant,
		EntityID:   reg.ID,
		Status:     string(reg.Status),
		RequestID:  meta.RequestID,
		OccurredAt: s.now().UTC(),
	})
	return reg, nil
}

// CheckStatus reports the review state of an application
func (s *RegistryService) CheckStatus(ctx context.Context, email string) (*RegistrantStatus, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperr.Validation("email_required", "email is required",
			apperr.FieldError{Field: "email", Message: "is required"})
	}

	reg, err := s.repo.GetRegistrantByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return &RegistrantStatus{
		OrganizationName: reg.OrganizationName,
		Status:           reg.Status,
		SubmittedAt:      reg.CreatedAt,
		ReviewedAt:       reg.ReviewedAt,
		ReviewerNotes:    reg.ReviewerNotes,
	}, nil
}

// ReviewRegistrant approves or rejects a pending registrant
func (s *RegistryService) ReviewRegistrant(ctx context.Context, meta Meta, id int64, decision workflow.Decision, notes string) (*db.Registrant, error) {
	actor, err := s.actor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if err := workflow.RequireAdministrator(actor); err != nil {
		return nil, err
	}

	var reg *db.Registrant
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if reg, err = s.repo.GetRegistrantForUpdateTx(ctx, tx, id); err != nil {
			return err
		}
		next, err := workflow.Approve(audit.EntityRegistrant, id, reg.Status, decision, notes)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		if err := s.repo.UpdateRegistrantReviewTx(ctx, tx, id, next, actor.AdminID, notes, now); err != nil {
			return err
		}
		reg.Status = next
		reg.ReviewedAt = &now
		reg.ReviewedBy = &actor.AdminID
		reg.ReviewerNotes = optional(notes)

		rec, err := audit.Record(approvalAction(decision), audit.EntityRegistrant, id, adminRef(meta), meta.RequestID, now,
			audit.Details{"notes": notes})
		if err != nil {
			return err
		}
		return s.repo.InsertAuditRecordsTx(ctx, tx, []db.AuditRecord{rec})
	})
	if err != nil {
		return nil, err
	}

	logger := s.requestLogger(meta)
	logger.Info("registrant reviewed", zap.Int64("registrant_id", id), zap.String("status", string(reg.Status)))
	s.publish(ctx, logger, Event{
		Type:       EventRegistrantReviewed,
		EntityType: audit.EntityRegistrant,
		EntityID:   id,
		Status:     string(reg.Status),
		RequestID:  meta.RequestID,
		OccurredAt: s.now().UTC(),
	})
	return reg, nil
}

// SubmitDevices registers every device of a registry file, or none
func (s *RegistryService) SubmitDevices(ctx context.Context, meta Meta, in DeviceSubmission) ([]db.Device, error) {
	reg, err := s.approvedRegistrant(ctx, in.RegistrantEmail)
	if err != nil {
		return nil, err
	}

	if err := validateDocuments(in.Documents); err != nil {
		return nil, err
	}

	records, err := csvparse.Parse(in.CSV, DeviceColumns, s.maxRows)
	if err != nil {
		return nil, err
	}
	specs, err := s.validator.ValidateDeviceRows(deviceRows(records))
	if err != nil {
		return nil, err
	}

	devices := make([]db.Device, 0, len(specs))
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var taken []apperr.FieldError
		for _, spec := range specs {
			exists, err := s.repo.DeviceExistsTx(ctx, tx, spec.DeviceID, spec.FacilityID)
			if err != nil {
				return err
			}
			if exists {
				taken = append(taken, apperr.FieldError{
					Row:     spec.Row,
					Field:   "deviceId",
					Message: fmt.Sprintf("device %s at facility %s is already registered", spec.DeviceID, spec.FacilityID),
				})
			}
		}
		if len(taken) > 0 {
			return apperr.Integrity("duplicate_device", "device registry file names devices that are already registered", taken...)
		}

		now := s.now().UTC()
		ids := make([]int64, 0, len(specs))
		for _, spec := range specs {
			d := newDevice(reg.ID, spec)
			if err := s.repo.InsertDeviceTx(ctx, tx, &d); err != nil {
				return err
			}
			if len(in.Documents) > 0 {
				if err := s.repo.InsertDeviceDocumentsTx(ctx, tx, deviceDocuments(d.ID, in.Documents, now)); err != nil {
					return err
				}
			}
			devices = append(devices, d)
			ids = append(ids, d.ID)
		}

		rec, err := audit.Record(audit.ActionSubmitDevices, audit.EntityRegistrant, reg.ID, nil, meta.RequestID, now,
			audit.Details{"device_ids": ids, "documents": len(in.Documents), "csv_hash": fingerprint.File(in.CSV)})
		if err != nil {
			return err
		}
		return s.repo.InsertAuditRecordsTx(ctx, tx, []db.AuditRecord{rec})
	})
	if err != nil {
		return nil, err
	}

	logger := s.requestLogger(meta)
	logger.Info("devices submitted", zap.Int64("registrant_id", reg.ID), zap.Int("devices", len(devices)))

	events := make([]Event, 0, len(devices))
	for _, d := range devices {
		events = append(events, Event{
			Type:       EventDevicesSubmitted,
			EntityType: audit.EntityDevice,
			EntityID:   d.ID,
			Status:     string(d.Status),
			RequestID:  meta.RequestID,
			OccurredAt: s.now().UTC(),
		})
	}
	s.publish(ctx, logger, events...)
	return devices, nil
}

// ReviewDevice approves or rejects a pending device
func (s *RegistryService) ReviewDevice(ctx context.Context, meta Meta, id int64, decision workflow.Decision, notes string) (*db.Device, error) {
	actor, err := s.actor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if err := workflow.RequireAdministrator(actor); err != nil {
		return nil, err
	}

	var d *db.Device
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if d, err = s.repo.GetDeviceForUpdateTx(ctx, tx, id); err != nil {
			return err
		}
		next, err := workflow.Approve(audit.EntityDevice, id, d.Status, decision, notes)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		if err := s.repo.UpdateDeviceReviewTx(ctx, tx, id, next, actor.AdminID, notes, now); err != nil {
			return err
		}
		d.Status = next
		d.ReviewedAt = &now
		d.ReviewedBy = &actor.AdminID
		d.ReviewerNotes = optional(notes)

		rec, err := audit.Record(approvalAction(decision), audit.EntityDevice, id, adminRef(meta), meta.RequestID, now,
			audit.Details{"notes": notes, "device_id": d.DeviceID})
		if err != nil {
			return err
		}
		return s.repo.InsertAuditRecordsTx(ctx, tx, []db.AuditRecord{rec})
	})
	if err != nil {
		return nil, err
	}

	logger := s.requestLogger(meta)
	logger.Info("device reviewed", zap.Int64("device_pk", id), zap.String("status", string(d.Status)))
	s.publish(ctx, logger, Event{
		Type:       EventDeviceReviewed,
		EntityType: audit.EntityDevice,
		EntityID:   id,
		Status:     string(d.Status),
		RequestID:  meta.RequestID,
		OccurredAt: s.now().UTC(),
	})
	return d, nil
}

// approvedRegistrant loads a registrant that may submit devices or readings
func (b *base) approvedRegistrant(ctx context.Context, email string) (*db.Registrant, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperr.Validation("email_required", "registrant email is required",
			apperr.FieldError{Field: "email", Message: "is required"})
	}
	reg, err := b.repo.GetRegistrantByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if reg.Status != workflow.ApprovalApproved {
		return nil, apperr.Forbidden("registrant_not_approved",
			fmt.Sprintf("registrant %s is %s", email, reg.Status)).
			WithMetadata("status", string(reg.Status))
	}
	return reg, nil
}

func deviceRows(records []csvparse.Record) []validator.DeviceRow {
	rows := make([]validator.DeviceRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, validator.DeviceRow{
			Row:                 rec.Row,
			DeviceID:            strings.TrimSpace(rec.Get("deviceId")),
			FacilityID:          strings.TrimSpace(rec.Get("facilityId")),
			SerialNumber:        strings.TrimSpace(rec.Get("serialNumber")),
			Manufacturer:        strings.TrimSpace(rec.Get("manufacturer")),
			Model:               strings.TrimSpace(rec.Get("model")),
			CapacityKW:          strings.TrimSpace(rec.Get("capacityKW")),
			Technology:          strings.TrimSpace(rec.Get("technology")),
			Country:             strings.TrimSpace(rec.Get("country")),
			GridConnectionPoint: strings.TrimSpace(rec.Get("gridConnectionPoint")),
			CommissioningDate:   strings.TrimSpace(rec.Get("commissioningDate")),
		})
	}
	return rows
}

func newDevice(registrantID int64, spec validator.DeviceSpec) db.Device {
	return db.Device{
		RegistrantID:        registrantID,
		DeviceID:            spec.DeviceID,
		FacilityID:          spec.FacilityID,
		SerialNumber:        spec.SerialNumber,
		Manufacturer:        spec.Manufacturer,
		Model:               spec.Model,
		CapacityKW:          spec.CapacityKW,
		Technology:          spec.Technology,
		Country:             spec.Country,
		GridConnectionPoint: spec.GridConnectionPoint,
		CommissioningDate:   spec.CommissioningDate,
		DeviceHash:          fingerprint.Device(spec.DeviceID, spec.FacilityID, spec.SerialNumber),
		Status:              workflow.ApprovalPending,
	}
}

func deviceDocuments(devicePK int64, refs []DocumentRef, at time.Time) []db.DeviceDocument {
	docs := make([]db.DeviceDocument, 0, len(refs))
	for _, ref := range refs {
		docs = append(docs, db.DeviceDocument{
			DeviceID:     devicePK,
			DocumentType: ref.DocumentType,
			FileName:     ref.FileName,
			FilePath:     ref.FilePath,
			FileHash:     ref.FileHash,
			FileSize:     ref.FileSize,
			MimeType:     ref.MimeType,
			UploadedAt:   at,
		})
	}
	return docs
}

func validateDocuments(refs []DocumentRef) error {
	var details []apperr.FieldError
	for i, ref := range refs {
		field := fmt.Sprintf("documents[%d]", i)
		if strings.TrimSpace(ref.DocumentType) == "" {
			details = append(details, apperr.FieldError{Field: field + ".document_type", Message: "is required"})
		}
		if strings.TrimSpace(ref.FileName) == "" {
			details = append(details, apperr.FieldError{Field: field + ".file_name", Message: "is required"})
		}
		if strings.TrimSpace(ref.FilePath) == "" {
			details = append(details, apperr.FieldError{Field: field + ".file_path", Message: "is required"})
		}
		if ref.FileSize < 0 {
			details = append(details, apperr.FieldError{Field: field + ".file_size", Message: "must not be negative"})
		}
	}
	if len(details) > 0 {
		return apperr.Validation("invalid_documents", "document references are incomplete", details...)
	}
	return nil
}

func approvalAction(d workflow.Decision) string {
	if d == workflow.DecisionApproved {
		return audit.ActionApprove
	}
	return audit.ActionReject
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}
