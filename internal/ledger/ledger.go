// Package ledger is the deduplication ledger: the shared set of accepted
// reading identities that every issuance submission is checked against.
//
// An entry is keyed twice. The (device, timestamp) pair is unique, and the
// reading fingerprint is unique. A reading whose fingerprint is already
// recorded is an exact duplicate; a reading whose (device, timestamp) is
// recorded under a different fingerprint is a conflicting duplicate.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/internal/fingerprint"
	"github.com/zeitec/verifier-worker/tools/timeparser"
)

// Outcome is the result of checking a reading against the ledger
type Outcome int

const (
	Inserted Outcome = iota + 1
	ExactDuplicate
	ConflictingDuplicate
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case ExactDuplicate:
		return "exact_duplicate"
	case ConflictingDuplicate:
		return "conflicting_duplicate"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText renders the outcome in its wire form
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Reading is a single energy reading with its precomputed fingerprint
type Reading struct {
	DeviceID    string
	Timestamp   time.Time
	KWh         decimal.Decimal
	Fingerprint string
}

// NewReading builds a Reading and computes its fingerprint. The timestamp is
// cut to storage precision first so a reading read back from Postgres keeps
// the same identity.
func NewReading(deviceID string, ts time.Time, kwh decimal.Decimal) Reading {
	ts = ts.UTC().Truncate(timeparser.Precision)
	return Reading{
		DeviceID:    deviceID,
		Timestamp:   ts,
		KWh:         kwh,
		Fingerprint: fingerprint.Reading(deviceID, ts, kwh),
	}
}

type key struct {
	deviceID string
	ts       int64
}

func (r Reading) key() key {
	return key{deviceID: r.DeviceID, ts: r.Timestamp.UnixNano()}
}

// Entry is a row of the ledger
type Entry struct {
	ID           int64           `json:"id"`
	AuditTrailID string          `json:"audit_trail_id"`
	DeviceID     string          `json:"device_id"`
	Timestamp    time.Time       `json:"timestamp"`
	KWh          decimal.Decimal `json:"kwh"`
	SubmissionID int64           `json:"submission_id"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Decision records how the ledger classified one reading
type Decision struct {
	Reading  Reading
	Outcome  Outcome
	Existing *Entry
}

// Session is a unit of ledger work. Writes made through a session become
// visible to other sessions only after Commit; Rollback discards them.
// Rollback after Commit is a no-op so it can be deferred.
type Session interface {
	CheckAndInsert(ctx context.Context, r Reading, submissionID int64) (Decision, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

func classify(r Reading, existing *Entry) Outcome {
	if existing.AuditTrailID == r.Fingerprint {
		return ExactDuplicate
	}
	return ConflictingDuplicate
}
