package repository

import (
	"testing"

	"github.com/zeitec/verifier-worker/internal/workflow"
)

func TestPageNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Page
		want Page
	}{
		{"zero uses default size", Page{}, Page{Limit: DefaultPageSize}},
		{"negative values", Page{Limit: -1, Offset: -5}, Page{Limit: DefaultPageSize}},
		{"clamped to max", Page{Limit: 500, Offset: 40}, Page{Limit: MaxPageSize, Offset: 40}},
		{"kept", Page{Limit: 10, Offset: 30}, Page{Limit: 10, Offset: 30}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.Normalize(); got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestSubmissionWhere(t *testing.T) {
	tests := []struct {
		name     string
		filter   SubmissionFilter
		wantSQL  string
		wantArgs int
	}{
		{"no filter", SubmissionFilter{}, "", 0},
		{"status", SubmissionFilter{Status: workflow.StatusPending}, " WHERE status = $1", 1},
		{
			"all fields",
			SubmissionFilter{Status: workflow.StatusUnderReview, RegistrantID: 3, DevicePK: 7},
			" WHERE status = $1 AND registrant_id = $2 AND device_id = $3",
			3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := submissionWhere(tt.filter)
			if w.String() != tt.wantSQL {
				t.Errorf("Expected %q, got %q", tt.wantSQL, w.String())
			}
			if len(w.args) != tt.wantArgs {
				t.Errorf("Expected %d args, got %d", tt.wantArgs, len(w.args))
			}
		})
	}
}

func TestDeviceWhere(t *testing.T) {
	w := deviceWhere(DeviceFilter{RegistrantID: 4, Country: "Kenya"})

	want := " WHERE registrant_id = $1 AND country = $2"
	if w.String() != want {
		t.Errorf("Expected %q, got %q", want, w.String())
	}
	if w.args[0] != int64(4) || w.args[1] != "Kenya" {
		t.Errorf("Unexpected args %v", w.args)
	}
}

func TestRegistrantWhere_Search(t *testing.T) {
	w := registrantWhere(RegistrantFilter{Status: workflow.ApprovalApproved, Search: " 50%_solar "})

	want := " WHERE status = $1 AND (organization_name ILIKE $2 OR contact_person ILIKE $2 OR email ILIKE $2)"
	if w.String() != want {
		t.Errorf("Expected %q, got %q", want, w.String())
	}
	if len(w.args) != 2 || w.args[1] != `%50\%\_solar%` {
		t.Errorf("Unexpected args %v", w.args)
	}

	if blank := registrantWhere(RegistrantFilter{Search: "   "}); blank.String() != "" {
		t.Errorf("Expected blank search ignored, got %q", blank.String())
	}
}

func TestWhereWindow(t *testing.T) {
	w := deviceWhere(DeviceFilter{Status: workflow.ApprovalPending})

	sql, args := w.window(Page{Limit: 20, Offset: 40})

	want := " ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3"
	if sql != want {
		t.Errorf("Expected %q, got %q", want, sql)
	}
	if len(args) != 3 || args[1] != 20 || args[2] != 40 {
		t.Errorf("Unexpected args %v", args)
	}
	if len(w.args) != 1 {
		t.Errorf("Expected filter args untouched, got %v", w.args)
	}
}
