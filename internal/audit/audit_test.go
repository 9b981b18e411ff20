package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/internal/ingestion"
	"github.com/zeitec/verifier-worker/internal/ledger"
)

func TestLedgerDecisions(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	incoming := ledger.NewReading("DEV001", t0, decimal.RequireFromString("13"))
	existing := &ledger.Entry{AuditTrailID: "abc", SubmissionID: 7, KWh: decimal.RequireFromString("12.5")}

	decisions := []ingestion.RowDecision{
		{Row: 1, Decision: ledger.Decision{Reading: ledger.NewReading("DEV001", t0.Add(time.Hour), decimal.NewFromInt(1)), Outcome: ledger.Inserted}},
		{Row: 2, Decision: ledger.Decision{Reading: incoming, Outcome: ledger.ConflictingDuplicate, Existing: existing}},
	}

	records, err := LedgerDecisions(9, decisions, false, "req-1", t0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}

	if records[0].ActionType != ActionLedgerInserted || records[1].ActionType != ActionLedgerConflict {
		t.Errorf("Unexpected actions %s, %s", records[0].ActionType, records[1].ActionType)
	}
	if *records[1].EntityID != 9 || records[1].EntityType != EntitySubmission {
		t.Errorf("Expected submission 9 entity, got %s %d", records[1].EntityType, *records[1].EntityID)
	}

	var details map[string]interface{}
	if err := json.Unmarshal(records[1].ActionDetails, &details); err != nil {
		t.Fatalf("Failed to decode details: %v", err)
	}
	if details["committed"] != false {
		t.Errorf("Expected committed=false, got %v", details["committed"])
	}
	if details["kwh"] != "13.000" || details["existing_kwh"] != "12.500" {
		t.Errorf("Expected canonical kwh values, got %v / %v", details["kwh"], details["existing_kwh"])
	}
	if details["existing_submission_id"] != float64(7) {
		t.Errorf("Expected existing submission 7, got %v", details["existing_submission_id"])
	}
}

func TestRecord_NoDetails(t *testing.T) {
	rec, err := Record(ActionClaim, EntitySubmission, 3, nil, "", time.Now(), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rec.ActionDetails != nil {
		t.Errorf("Expected nil details, got %s", rec.ActionDetails)
	}
}
