// Package workflow holds the closed status sets and the transition rules for
// registrants, devices and issuance submissions.
package workflow

import (
	"fmt"

	"github.com/zeitec/verifier-worker/internal/apperr"
)

// SubmissionStatus is the lifecycle state of an issuance submission
type SubmissionStatus string

const (
	StatusPending           SubmissionStatus = "pending"
	StatusUnderReview       SubmissionStatus = "under_review"
	StatusApproved          SubmissionStatus = "approved"
	StatusRejected          SubmissionStatus = "rejected"
	StatusDuplicateDetected SubmissionStatus = "duplicate_detected"
)

// SubmissionStatuses lists every submission status
var SubmissionStatuses = []SubmissionStatus{
	StatusPending, StatusUnderReview, StatusApproved, StatusRejected, StatusDuplicateDetected,
}

// ParseSubmissionStatus converts a stored value into a SubmissionStatus
func ParseSubmissionStatus(s string) (SubmissionStatus, error) {
	for _, st := range SubmissionStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown submission status %q", s)
}

// Terminal reports whether no further transition is possible
func (s SubmissionStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// ApprovalStatus is the review state of registrants and devices
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalStatuses lists every approval status
var ApprovalStatuses = []ApprovalStatus{ApprovalPending, ApprovalApproved, ApprovalRejected}

// ParseApprovalStatus converts a stored value into an ApprovalStatus
func ParseApprovalStatus(s string) (ApprovalStatus, error) {
	for _, st := range ApprovalStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown approval status %q", s)
}

// Decision is the verdict of an administrator or verifier
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ParseDecision validates a caller-supplied decision
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionApproved, DecisionRejected:
		return Decision(s), nil
	}
	return "", apperr.Validation("invalid_decision", `decision must be "approved" or "rejected"`).
		WithMetadata("decision", s)
}

// Role distinguishes administrators from verifiers
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleVerifier      Role = "verifier"
)

// Actor is the staff member performing an action
type Actor struct {
	AdminID int64 `json:"admin_id"`
	Role    Role  `json:"role"`
}

// RequireAdministrator fails unless the actor is an administrator
func RequireAdministrator(a Actor) error {
	if a.Role != RoleAdministrator {
		return apperr.Forbidden("administrator_required", "this action requires an administrator").
			WithMetadata("admin_id", a.AdminID)
	}
	return nil
}

// RequireStaff fails unless the actor is an administrator or a verifier
func RequireStaff(a Actor) error {
	if a.AdminID == 0 || (a.Role != RoleAdministrator && a.Role != RoleVerifier) {
		return apperr.Forbidden("staff_required", "this action requires a verifier or administrator")
	}
	return nil
}
