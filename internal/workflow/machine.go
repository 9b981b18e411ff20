package workflow

import (
	"fmt"
	"strings"

	"github.com/zeitec/verifier-worker/internal/apperr"
)

// Snapshot is the part of a submission the state machine reasons about
type Snapshot struct {
	ID      int64
	Status  SubmissionStatus
	Version int64
}

// Transition is an accepted state change. Version is the submission version
// after the change.
type Transition struct {
	From    SubmissionStatus
	To      SubmissionStatus
	Version int64
}

// IngestionOutcome picks the initial status of a freshly ingested submission
func IngestionOutcome(conflicts int) SubmissionStatus {
	if conflicts > 0 {
		return StatusDuplicateDetected
	}
	return StatusPending
}

// Claim moves a pending submission under review. When expectedVersion is set
// it must match the current version.
func Claim(s Snapshot, expectedVersion *int64) (Transition, error) {
	if err := checkVersion(s, expectedVersion); err != nil {
		return Transition{}, err
	}
	if s.Status != StatusPending {
		return Transition{}, refuse(s, StatusUnderReview)
	}
	return Transition{From: s.Status, To: StatusUnderReview, Version: s.Version + 1}, nil
}

// Decide applies a verifier decision to a submission under review
func Decide(s Snapshot, d Decision, expectedVersion *int64) (Transition, error) {
	if err := checkVersion(s, expectedVersion); err != nil {
		return Transition{}, err
	}

	var to SubmissionStatus
	switch d {
	case DecisionApproved:
		to = StatusApproved
	case DecisionRejected:
		to = StatusRejected
	default:
		return Transition{}, apperr.Validation("invalid_decision", fmt.Sprintf("unknown decision %q", d))
	}

	if s.Status != StatusUnderReview {
		return Transition{}, refuse(s, to)
	}
	return Transition{From: s.Status, To: to, Version: s.Version + 1}, nil
}

// ResolveDuplicate is the administrator exit from duplicate_detected
func ResolveDuplicate(s Snapshot, actor Actor) (Transition, error) {
	if err := RequireAdministrator(actor); err != nil {
		return Transition{}, err
	}
	if s.Status != StatusDuplicateDetected {
		return Transition{}, apperr.Conflict("not_duplicate",
			fmt.Sprintf("submission %d is %s, not %s", s.ID, s.Status, StatusDuplicateDetected)).
			WithMetadata("status", string(s.Status))
	}
	return Transition{From: s.Status, To: StatusRejected, Version: s.Version + 1}, nil
}

// CheckDeletable refuses deletion of approved submissions
func CheckDeletable(s Snapshot) error {
	if s.Status == StatusApproved {
		return apperr.Conflict("approved_submission",
			fmt.Sprintf("submission %d is approved and cannot be deleted", s.ID))
	}
	return nil
}

func checkVersion(s Snapshot, expected *int64) error {
	if expected != nil && *expected != s.Version {
		return apperr.Conflict("stale_version",
			fmt.Sprintf("submission %d is at version %d, not %d", s.ID, s.Version, *expected)).
			WithMetadata("current_version", s.Version)
	}
	return nil
}

func refuse(s Snapshot, to SubmissionStatus) error {
	var e *apperr.Error
	switch {
	case s.Status.Terminal():
		e = apperr.Conflict("terminal_state",
			fmt.Sprintf("submission %d is already %s", s.ID, s.Status))
	case s.Status == StatusDuplicateDetected:
		e = apperr.Conflict("duplicate_requires_admin",
			fmt.Sprintf("submission %d has conflicting readings and must be resolved by an administrator", s.ID))
	default:
		e = apperr.Conflict("invalid_transition",
			fmt.Sprintf("submission %d cannot move from %s to %s", s.ID, s.Status, to))
	}
	return e.WithMetadata("status", string(s.Status))
}

// Approve applies an administrator decision to a registrant or device.
// Rejection requires notes.
func Approve(entity string, id int64, current ApprovalStatus, d Decision, notes string) (ApprovalStatus, error) {
	if d == DecisionRejected && strings.TrimSpace(notes) == "" {
		return "", apperr.Validation("notes_required", "rejection requires reviewer notes",
			apperr.FieldError{Field: "notes", Message: "is required when rejecting"})
	}
	if current != ApprovalPending {
		return "", apperr.Conflict("already_reviewed",
			fmt.Sprintf("%s %d is already %s", entity, id, current)).
			WithMetadata("status", string(current))
	}

	switch d {
	case DecisionApproved:
		return ApprovalApproved, nil
	case DecisionRejected:
		return ApprovalRejected, nil
	}
	return "", apperr.Validation("invalid_decision", fmt.Sprintf("unknown decision %q", d))
}
