package workflow

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/internal/apperr"
)

// Checklist is the verifier's ten-point review checklist
type Checklist struct {
	DeviceMetadataMatches   bool `json:"device_metadata_matches"`
	OwnerDeclarationValid   bool `json:"owner_declaration_valid"`
	SupportingDocsComplete  bool `json:"supporting_docs_complete"`
	DataGranularityCorrect  bool `json:"data_granularity_correct"`
	EnergyValuesReasonable  bool `json:"energy_values_reasonable"`
	NoTimestampGaps         bool `json:"no_timestamp_gaps"`
	MeasurementTierDeclared bool `json:"measurement_tier_declared"`
	DeviceScopeConfirmed    bool `json:"device_scope_confirmed"`
	GroupingKeysConsistent  bool `json:"grouping_keys_consistent"`
	NoDedupeCollisions      bool `json:"no_dedupe_collisions"`
}

// Derived holds the review facts the service computes from stored data
type Derived struct {
	DeviceScopeConfirmed   bool `json:"device_scope_confirmed"`
	GroupingKeysConsistent bool `json:"grouping_keys_consistent"`
	NoDedupeCollisions     bool `json:"no_dedupe_collisions"`
}

// Apply overwrites the checklist entries that mirror derived facts
func (c Checklist) Apply(d Derived) Checklist {
	c.DeviceScopeConfirmed = d.DeviceScopeConfirmed
	c.GroupingKeysConsistent = d.GroupingKeysConsistent
	c.NoDedupeCollisions = d.NoDedupeCollisions
	return c
}

// VerifierCredential is the issuance record attached to an approved review
type VerifierCredential struct {
	ID              string          `json:"id"`
	Issuer          string          `json:"issuer"`
	IssuedAt        time.Time       `json:"issued_at"`
	MeasurementTier string          `json:"measurement_tier"`
	DeviceScope     string          `json:"device_scope"`
	SubmissionID    int64           `json:"submission_id"`
	TotalKWh        decimal.Decimal `json:"total_kwh"`
	PeriodStart     time.Time       `json:"period_start"`
	PeriodEnd       time.Time       `json:"period_end"`
}

// ReviewInput is a verifier's decision on a submission
type ReviewInput struct {
	Decision        Decision
	Checklist       *Checklist
	Notes           string
	MeasurementTier string
}

// ReviewContext carries the stored facts a review is judged against
type ReviewContext struct {
	SubmissionID    int64
	TotalKWh        decimal.Decimal
	PeriodStart     time.Time
	PeriodEnd       time.Time
	Derived         Derived
	MaxCapacityKW   decimal.Decimal
	DefaultTier     string
	Issuer          string
	IssueCredential bool
	Now             time.Time
}

// ReviewRecord is the immutable review produced by a decision
type ReviewRecord struct {
	Decision         Decision
	Notes            string
	Checklist        Checklist
	MeasurementTier  string
	Derived          Derived
	CredentialIssued bool
	Credential       *VerifierCredential
	ReviewedAt       time.Time
}

// BuildReview validates a decision and assembles the review record. Approval
// requires a checklist; rejection never issues a credential.
func BuildReview(in ReviewInput, rc ReviewContext) (ReviewRecord, error) {
	if in.Decision == DecisionApproved && in.Checklist == nil {
		return ReviewRecord{}, apperr.Validation("checklist_required", "approval requires a completed checklist",
			apperr.FieldError{Field: "checklist", Message: "is required when approving"})
	}

	tier := in.MeasurementTier
	if tier == "" {
		tier = rc.DefaultTier
	}
	if len(tier) > 10 {
		return ReviewRecord{}, apperr.Validation("invalid_measurement_tier", "measurement tier is too long",
			apperr.FieldError{Field: "measurement_tier", Message: "must be at most 10 characters"})
	}

	var checklist Checklist
	if in.Checklist != nil {
		checklist = *in.Checklist
	}

	rec := ReviewRecord{
		Decision:        in.Decision,
		Notes:           in.Notes,
		Checklist:       checklist.Apply(rc.Derived),
		MeasurementTier: tier,
		Derived:         rc.Derived,
		ReviewedAt:      rc.Now.UTC(),
	}

	if in.Decision == DecisionApproved && rc.IssueCredential {
		rec.CredentialIssued = true
		rec.Credential = &VerifierCredential{
			ID:              "urn:uuid:" + uuid.NewString(),
			Issuer:          rc.Issuer,
			IssuedAt:        rc.Now.UTC(),
			MeasurementTier: tier,
			DeviceScope:     "≤" + rc.MaxCapacityKW.String() + " kW",
			SubmissionID:    rc.SubmissionID,
			TotalKWh:        rc.TotalKWh,
			PeriodStart:     rc.PeriodStart.UTC(),
			PeriodEnd:       rc.PeriodEnd.UTC(),
		}
	}

	return rec, nil
}
