package db

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/internal/workflow"
)

// Admin is a staff account. Verifiers and administrators share the table.
type Admin struct {
	ID       int64
	Username string
	Email    string
	FullName *string
	Role     workflow.Role
}

// Registrant represents an organization that owns devices
type Registrant struct {
	ID               int64                   `json:"id"`
	OrganizationName string                  `json:"organization_name"`
	ContactPerson    string                  `json:"contact_person"`
	Email            string                  `json:"email"`
	Phone            *string                 `json:"phone,omitempty"`
	Country          string                  `json:"country"`
	NumFacilities    *int                    `json:"num_facilities,omitempty"`
	TotalCapacityKW  *decimal.Decimal        `json:"total_capacity_kw,omitempty"`
	Description      *string                 `json:"description,omitempty"`
	BusinessDocURL   *string                 `json:"business_doc_url,omitempty"`
	Status           workflow.ApprovalStatus `json:"status"`
	CreatedAt        time.Time               `json:"created_at"`
	ReviewedAt       *time.Time              `json:"reviewed_at,omitempty"`
	ReviewedBy       *int64                  `json:"reviewed_by,omitempty"`
	ReviewerNotes    *string                 `json:"reviewer_notes,omitempty"`
}

// Device represents a registered generation device
type Device struct {
	ID                  int64                   `json:"id"`
	RegistrantID        int64                   `json:"registrant_id"`
	DeviceID            string                  `json:"device_id"`
	FacilityID          string                  `json:"facility_id"`
	SerialNumber        string                  `json:"serial_number"`
	Manufacturer        string                  `json:"manufacturer"`
	Model               string                  `json:"model"`
	CapacityKW          decimal.Decimal         `json:"capacity_kw"`
	Technology          string                  `json:"technology"`
	Country             string                  `json:"country"`
	GridConnectionPoint string                  `json:"grid_connection_point"`
	CommissioningDate   *time.Time              `json:"commissioning_date,omitempty"`
	DeviceHash          string                  `json:"device_hash"`
	Status              workflow.ApprovalStatus `json:"status"`
	CreatedAt           time.Time               `json:"created_at"`
	ReviewedAt          *time.Time              `json:"reviewed_at,omitempty"`
	ReviewedBy          *int64                  `json:"reviewed_by,omitempty"`
	ReviewerNotes       *string                 `json:"reviewer_notes,omitempty"`
}

// DeviceDocument is a supporting document attached to a device
type DeviceDocument struct {
	ID           int64     `json:"id"`
	DeviceID     int64     `json:"device_id"`
	DocumentType string    `json:"document_type"`
	FileName     string    `json:"file_name"`
	FilePath     string    `json:"file_path"`
	FileHash     string    `json:"file_hash,omitempty"`
	FileSize     int64     `json:"file_size,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// IssuanceSubmission is a batch of readings for one device over one period.
// DeduplicationResult holds the raw JSONB; callers decode it into a typed value.
type IssuanceSubmission struct {
	ID                        int64                     `json:"id"`
	RegistrantID              int64                     `json:"registrant_id"`
	DevicePK                  int64                     `json:"device_pk"`
	PeriodStart               time.Time                 `json:"issuance_period_start"`
	PeriodEnd                 time.Time                 `json:"issuance_period_end"`
	TotalKWh                  decimal.Decimal           `json:"total_kwh"`
	NumReadings               int                       `json:"num_readings"`
	CSVFilePath               *string                   `json:"csv_file_path,omitempty"`
	CSVHash                   string                    `json:"csv_hash"`
	RegistrantDeclarationPath *string                   `json:"registrant_declaration_path,omitempty"`
	Status                    workflow.SubmissionStatus `json:"status"`
	Version                   int64                     `json:"version"`
	ClaimedBy                 *int64                    `json:"claimed_by,omitempty"`
	ClaimedAt                 *time.Time                `json:"claimed_at,omitempty"`
	CreatedAt                 time.Time                 `json:"created_at"`
	SubmittedBy               *string                   `json:"submitted_by,omitempty"`
	DeduplicationResult       []byte                    `json:"-"`
}

// VerifierReview is the single review recorded for a submission
type VerifierReview struct {
	ID                     int64             `json:"id"`
	SubmissionID           int64             `json:"issuance_submission_id"`
	VerifierID             int64             `json:"verifier_id"`
	Decision               workflow.Decision `json:"decision"`
	ReviewNotes            *string           `json:"review_notes,omitempty"`
	Checklist              []byte            `json:"-"`
	VerifierVCIssued       bool              `json:"verifier_vc_issued"`
	VerifierVCData         []byte            `json:"-"`
	ReviewedAt             time.Time         `json:"reviewed_at"`
	MeasurementTier        string            `json:"measurement_tier"`
	DeviceScopeConfirmed   bool              `json:"device_scope_confirmed"`
	GroupingKeysConsistent bool              `json:"grouping_keys_consistent"`
	NoDedupeCollisions     bool              `json:"no_dedupe_collisions"`
}

// AuditRecord is one row of the audit trail
type AuditRecord struct {
	ActionType    string
	EntityType    string
	EntityID      *int64
	PerformedBy   *int64
	ActionDetails []byte
	RequestID     string
	CreatedAt     time.Time
}

// AnalyticsRecord is a stored metric snapshot
type AnalyticsRecord struct {
	MetricName  string
	MetricValue decimal.Decimal
	MetricData  []byte
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}
