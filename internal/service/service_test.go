package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/internal/csvparse"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/fingerprint"
	"github.com/zeitec/verifier-worker/internal/ingestion"
	"github.com/zeitec/verifier-worker/internal/ledger"
	"github.com/zeitec/verifier-worker/internal/validator"
	"github.com/zeitec/verifier-worker/internal/workflow"
)

func TestDeriveChecks(t *testing.T) {
	maxKW := decimal.NewFromInt(250)
	device := &db.Device{DeviceID: "DEV001", CapacityKW: decimal.RequireFromString("250.00"), Status: workflow.ApprovalApproved}
	own := []ledger.Entry{{DeviceID: "DEV001"}, {DeviceID: "DEV001"}}

	tests := []struct {
		name    string
		device  *db.Device
		entries []ledger.Entry
		dedup   ingestion.DedupResult
		want    workflow.Derived
	}{
		{
			name:    "all confirmed at the capacity ceiling",
			device:  device,
			entries: own,
			want:    workflow.Derived{DeviceScopeConfirmed: true, GroupingKeysConsistent: true, NoDedupeCollisions: true},
		},
		{
			name:    "device over capacity",
			device:  &db.Device{DeviceID: "DEV001", CapacityKW: decimal.RequireFromString("250.01"), Status: workflow.ApprovalApproved},
			entries: own,
			want:    workflow.Derived{GroupingKeysConsistent: true, NoDedupeCollisions: true},
		},
		{
			name:    "foreign ledger entry",
			device:  device,
			entries: []ledger.Entry{{DeviceID: "DEV001"}, {DeviceID: "DEV002"}},
			want:    workflow.Derived{DeviceScopeConfirmed: true, NoDedupeCollisions: true},
		},
		{
			name:    "no entries and conflicts recorded",
			device:  device,
			dedup:   ingestion.DedupResult{Conflicts: []ingestion.Conflict{{Row: 1}}},
			want:    workflow.Derived{DeviceScopeConfirmed: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveChecks(tt.device, tt.entries, tt.dedup, maxKW); got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestReadingRows(t *testing.T) {
	data := "deviceId,timestamp,kWh,auditTrailId\nDEV001,2025-06-01T10:00:00Z,12.5,\nDEV001,2025-06-01T11:00:00Z,13,abc\n"
	records, err := csvparse.Parse([]byte(data), ReadingColumns, 0)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	rows := readingRows(records)
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[0].Row != 1 || rows[0].KWh != "12.5" || rows[0].AuditTrailID != "" {
		t.Errorf("Unexpected first row %+v", rows[0])
	}
	if rows[1].Row != 2 || rows[1].AuditTrailID != "abc" {
		t.Errorf("Unexpected second row %+v", rows[1])
	}
}

func TestDeviceRowsAndNewDevice(t *testing.T) {
	data := "deviceId,facilityId,serialNumber,manufacturer,model,capacityKW,technology,country,gridConnectionPoint,commissioningDate\n" +
		"DEV001,FAC1,SN1,Acme,X1,100.5,Solar,Kenya,GCP1,2024-01-15\n"
	records, err := csvparse.Parse([]byte(data), DeviceColumns, 0)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	rows := deviceRows(records)
	if len(rows) != 1 || rows[0].CapacityKW != "100.5" || rows[0].Country != "Kenya" {
		t.Fatalf("Unexpected rows %+v", rows)
	}

	d := newDevice(7, validator.DeviceSpec{DeviceID: "DEV001", FacilityID: "FAC1", SerialNumber: "SN1", CapacityKW: decimal.RequireFromString("100.5")})
	if d.RegistrantID != 7 || d.Status != workflow.ApprovalPending {
		t.Errorf("Unexpected device %+v", d)
	}
	if d.DeviceHash != fingerprint.Device("DEV001", "FAC1", "SN1") {
		t.Errorf("Unexpected device hash %s", d.DeviceHash)
	}
}

func TestValidateDocuments(t *testing.T) {
	err := validateDocuments([]DocumentRef{
		{DocumentType: "ownership", FileName: "deed.pdf", FilePath: "/uploads/deed.pdf"},
		{DocumentType: "", FileName: "meter.pdf", FilePath: "", FileSize: -1},
	})
	e := apperr.As(err)
	if e == nil || e.Kind != apperr.KindValidation {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if len(e.Details) != 3 {
		t.Errorf("Expected 3 details, got %+v", e.Details)
	}
	if e.Details[0].Field != "documents[1].document_type" {
		t.Errorf("Expected detail on documents[1], got %s", e.Details[0].Field)
	}

	if err := validateDocuments(nil); err != nil {
		t.Errorf("Expected no error without documents, got %v", err)
	}
}

func TestCheckDeviceEligible(t *testing.T) {
	reg := &db.Registrant{ID: 1, Email: "ops@solar.example"}

	tests := []struct {
		name   string
		device *db.Device
		code   string
	}{
		{"eligible", &db.Device{ID: 5, RegistrantID: 1, Status: workflow.ApprovalApproved}, ""},
		{"foreign device", &db.Device{ID: 5, RegistrantID: 2, Status: workflow.ApprovalApproved}, "device_not_owned"},
		{"pending device", &db.Device{ID: 5, RegistrantID: 1, Status: workflow.ApprovalPending}, "device_not_approved"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkDeviceEligible(reg, tt.device)
			if tt.code == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				return
			}
			e := apperr.As(err)
			if e == nil || e.Kind != apperr.KindForbidden || e.Code != tt.code {
				t.Errorf("Expected forbidden %s, got %v", tt.code, err)
			}
		})
	}
}

func TestStoredReview(t *testing.T) {
	now := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	rec := workflow.ReviewRecord{
		Decision:         workflow.DecisionApproved,
		Checklist:        workflow.Checklist{DeviceMetadataMatches: true, NoDedupeCollisions: true},
		MeasurementTier:  "2.3",
		Derived:          workflow.Derived{NoDedupeCollisions: true},
		CredentialIssued: true,
		Credential:       &workflow.VerifierCredential{ID: "urn:uuid:x", SubmissionID: 4},
		ReviewedAt:       now,
	}

	review, err := storedReview(4, 9, rec)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if review.ReviewNotes != nil {
		t.Errorf("Expected nil notes, got %q", *review.ReviewNotes)
	}
	if !review.VerifierVCIssued || len(review.VerifierVCData) == 0 {
		t.Error("Expected credential data to be stored")
	}

	var checklist map[string]bool
	if err := json.Unmarshal(review.Checklist, &checklist); err != nil {
		t.Fatalf("Failed to decode checklist: %v", err)
	}
	if !checklist["device_metadata_matches"] || !checklist["no_dedupe_collisions"] {
		t.Errorf("Unexpected checklist %v", checklist)
	}
}

func TestDecodeDedup(t *testing.T) {
	dedup, err := decodeDedup(nil)
	if err != nil || dedup.Inserted != 0 {
		t.Errorf("Expected empty result for nil input, got %+v, %v", dedup, err)
	}

	if _, err := decodeDedup([]byte("{")); err == nil {
		t.Error("Expected error for malformed JSON")
	}

	dedup, err = decodeDedup([]byte(`{"inserted":3,"exact_duplicates":1,"conflicts":[],"warnings":[],"fingerprints_checked":4}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if dedup.Inserted != 3 || dedup.FingerprintsChecked != 4 {
		t.Errorf("Unexpected result %+v", dedup)
	}
}

func TestIngestionEvent(t *testing.T) {
	if got := ingestionEvent(workflow.StatusDuplicateDetected); got != EventSubmissionDuplicate {
		t.Errorf("Expected %s, got %s", EventSubmissionDuplicate, got)
	}
	if got := ingestionEvent(workflow.StatusPending); got != EventSubmissionIngested {
		t.Errorf("Expected %s, got %s", EventSubmissionIngested, got)
	}
}
