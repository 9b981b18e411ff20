package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/internal/apperr"
)

func reviewContext() ReviewContext {
	return ReviewContext{
		SubmissionID:    42,
		TotalKWh:        decimal.RequireFromString("12.5"),
		PeriodStart:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:       time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		Derived:         Derived{DeviceScopeConfirmed: true, GroupingKeysConsistent: true, NoDedupeCollisions: true},
		MaxCapacityKW:   decimal.NewFromInt(250),
		DefaultTier:     "2.3",
		Issuer:          "Zeitec Verifier",
		IssueCredential: true,
		Now:             time.Date(2025, 7, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestBuildReview_ApprovalIssuesCredential(t *testing.T) {
	rec, err := BuildReview(ReviewInput{
		Decision:  DecisionApproved,
		Checklist: &Checklist{DeviceMetadataMatches: true, NoDedupeCollisions: false},
	}, reviewContext())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !rec.CredentialIssued || rec.Credential == nil {
		t.Fatal("Expected credential to be issued")
	}
	if !strings.HasPrefix(rec.Credential.ID, "urn:uuid:") {
		t.Errorf("Expected urn:uuid id, got %s", rec.Credential.ID)
	}
	if rec.Credential.DeviceScope != "≤250 kW" {
		t.Errorf("Expected device scope ≤250 kW, got %s", rec.Credential.DeviceScope)
	}
	if rec.MeasurementTier != "2.3" || rec.Credential.MeasurementTier != "2.3" {
		t.Errorf("Expected default tier 2.3, got %s", rec.MeasurementTier)
	}
	if !rec.Credential.TotalKWh.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("Expected total 12.5, got %s", rec.Credential.TotalKWh)
	}
	if !rec.Checklist.NoDedupeCollisions {
		t.Error("Expected derived facts to override caller checklist")
	}
	if !rec.Checklist.DeviceMetadataMatches {
		t.Error("Expected caller checklist entries to be kept")
	}
}

func TestBuildReview_ApprovalRequiresChecklist(t *testing.T) {
	_, err := BuildReview(ReviewInput{Decision: DecisionApproved}, reviewContext())
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestBuildReview_RejectionNoCredential(t *testing.T) {
	rec, err := BuildReview(ReviewInput{Decision: DecisionRejected, Notes: "meter swap undocumented", MeasurementTier: "1"}, reviewContext())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rec.CredentialIssued || rec.Credential != nil {
		t.Error("Expected no credential on rejection")
	}
	if rec.MeasurementTier != "1" {
		t.Errorf("Expected declared tier 1, got %s", rec.MeasurementTier)
	}
}

func TestBuildReview_CredentialDisabled(t *testing.T) {
	rc := reviewContext()
	rc.IssueCredential = false

	rec, err := BuildReview(ReviewInput{Decision: DecisionApproved, Checklist: &Checklist{}}, rc)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rec.CredentialIssued {
		t.Error("Expected no credential when issuance is disabled")
	}
}
