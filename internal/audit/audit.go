// Package audit builds the records written to the audit trail for every
// state transition and ledger decision.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/fingerprint"
	"github.com/zeitec/verifier-worker/internal/ingestion"
	"github.com/zeitec/verifier-worker/internal/ledger"
	"github.com/zeitec/verifier-worker/tools/timeparser"
)

// Action types
const (
	ActionApply                = "apply"
	ActionApprove              = "approve"
	ActionReject               = "reject"
	ActionSubmitDevices        = "submit_devices"
	ActionSubmitIssuance       = "submit_issuance"
	ActionIssuanceReplayed     = "issuance_replayed"
	ActionLedgerInserted       = "ledger_inserted"
	ActionLedgerExactDuplicate = "ledger_exact_duplicate"
	ActionLedgerConflict       = "ledger_conflicting_duplicate"
	ActionLedgerReleased       = "ledger_released"
	ActionClaim                = "claim"
	ActionVerifierApproved     = "verifier_approved"
	ActionVerifierRejected     = "verifier_rejected"
	ActionResolveDuplicate     = "admin_resolve_duplicate"
	ActionDelete               = "delete"
)

// Entity types
const (
	EntityRegistrant = "registrant"
	EntityDevice     = "device"
	EntitySubmission = "issuance_submission"
)

// Details is the free-form payload of an audit record
type Details map[string]interface{}

// Record builds a single audit record
func Record(action, entityType string, entityID int64, performedBy *int64, requestID string, at time.Time, details Details) (db.AuditRecord, error) {
	var raw []byte
	if len(details) > 0 {
		var err error
		if raw, err = json.Marshal(details); err != nil {
			return db.AuditRecord{}, fmt.Errorf("failed to encode audit details: %w", err)
		}
	}

	id := entityID
	return db.AuditRecord{
		ActionType:    action,
		EntityType:    entityType,
		EntityID:      &id,
		PerformedBy:   performedBy,
		ActionDetails: raw,
		RequestID:     requestID,
		CreatedAt:     at.UTC(),
	}, nil
}

// LedgerAction maps a ledger outcome to its audit action
func LedgerAction(o ledger.Outcome) string {
	switch o {
	case ledger.Inserted:
		return ActionLedgerInserted
	case ledger.ExactDuplicate:
		return ActionLedgerExactDuplicate
	default:
		return ActionLedgerConflict
	}
}

// LedgerDecisions produces one record per ledger decision of an ingestion run.
// committed tells whether the decisions' writes were kept.
func LedgerDecisions(submissionID int64, decisions []ingestion.RowDecision, committed bool, requestID string, at time.Time) ([]db.AuditRecord, error) {
	records := make([]db.AuditRecord, 0, len(decisions))
	for _, rd := range decisions {
		r := rd.Decision.Reading
		details := Details{
			"row":            rd.Row,
			"audit_trail_id": r.Fingerprint,
			"device_id":      r.DeviceID,
			"timestamp":      timeparser.Canonical(r.Timestamp),
			"kwh":            fingerprint.CanonicalKWh(r.KWh),
			"committed":      committed,
		}
		if e := rd.Decision.Existing; e != nil {
			details["existing_submission_id"] = e.SubmissionID
			details["existing_kwh"] = fingerprint.CanonicalKWh(e.KWh)
			details["existing_audit_trail_id"] = e.AuditTrailID
		}

		rec, err := Record(LedgerAction(rd.Decision.Outcome), EntitySubmission, submissionID, nil, requestID, at, details)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
