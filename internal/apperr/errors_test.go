package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", Validation("bad_rows", "rows invalid"), KindValidation},
		{"wrapped conflict", fmt.Errorf("review: %w", Conflict("terminal_state", "already approved")), KindConflict},
		{"plain error", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("Expected kind %q, got %q", tt.want, got)
			}
		})
	}
}

func TestErrorMessageIncludesRowDetails(t *testing.T) {
	err := Validation("invalid_rows", "batch rejected",
		FieldError{Row: 2, Field: "kWh", Message: "must not be negative"},
		FieldError{Row: 5, Field: "timestamp", Message: "unparseable"},
	)

	msg := err.Error()
	if !strings.Contains(msg, "row 2: kWh: must not be negative") {
		t.Errorf("Expected row 2 detail in message, got %q", msg)
	}
	if !strings.Contains(msg, "row 5: timestamp: unparseable") {
		t.Errorf("Expected row 5 detail in message, got %q", msg)
	}
}

func TestAsWrapsUnknownErrors(t *testing.T) {
	cause := errors.New("connection reset")
	e := As(cause)
	if e.Kind != KindInternal {
		t.Fatalf("Expected internal kind, got %q", e.Kind)
	}
	if !errors.Is(e, cause) {
		t.Error("Expected internal error to unwrap to its cause")
	}
}
