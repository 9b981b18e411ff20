package timeparser

import (
	"testing"
	"time"
)

func TestParseReadingTimestamp_RFC3339(t *testing.T) {
	result, err := ParseReadingTimestamp("2025-12-29T10:30:45Z")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseReadingTimestamp_OffsetNormalizedToUTC(t *testing.T) {
	result, err := ParseReadingTimestamp("2025-12-29T11:30:45+01:00")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	if result.Location() != time.UTC {
		t.Errorf("Expected UTC location, got %v", result.Location())
	}
	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseReadingTimestamp_NaiveFormats(t *testing.T) {
	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	for _, s := range []string{"2025-12-29 10:30:45", "2025-12-29T10:30:45", "29/12/2025 10:30:45"} {
		result, err := ParseReadingTimestamp(s)
		if err != nil {
			t.Fatalf("Failed to parse %q: %v", s, err)
		}
		if !result.Equal(expected) {
			t.Errorf("%q: expected %v, got %v", s, expected, result)
		}
	}
}

func TestParseReadingTimestamp_Invalid(t *testing.T) {
	for _, s := range []string{"", "invalid-date-string", "2025-13-45 99:00:00"} {
		if _, err := ParseReadingTimestamp(s); err == nil {
			t.Errorf("Expected error for %q", s)
		}
	}
}

func TestCanonical_SameInstantSameString(t *testing.T) {
	a := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	b := a.In(time.FixedZone("WAT", 3600))

	if Canonical(a) != Canonical(b) {
		t.Errorf("Expected equal canonical forms, got %q and %q", Canonical(a), Canonical(b))
	}
	if Canonical(a) != "2025-01-01T12:00:00Z" {
		t.Errorf("Unexpected canonical form %q", Canonical(a))
	}
}

func TestInPeriod_ExclusiveEnd(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	if !InPeriod(start, start, end) {
		t.Error("Expected period start to be inside the period")
	}
	if InPeriod(end, start, end) {
		t.Error("Expected period end to be outside the period")
	}
	if InPeriod(start.Add(-time.Second), start, end) {
		t.Error("Expected timestamp before start to be outside the period")
	}
	if !InPeriod(end.Add(-time.Nanosecond), start, end) {
		t.Error("Expected timestamp just before end to be inside the period")
	}
}

func TestParseReadingTimestamp_TruncatesToMicroseconds(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Time
	}{
		{"2025-12-29T10:30:45.123456789Z", time.Date(2025, 12, 29, 10, 30, 45, 123456000, time.UTC)},
		{"2025-12-29T10:30:45.1234561Z", time.Date(2025, 12, 29, 10, 30, 45, 123456000, time.UTC)},
		{"2025-12-29T10:30:45.5Z", time.Date(2025, 12, 29, 10, 30, 45, 500000000, time.UTC)},
	}

	for _, tt := range tests {
		result, err := ParseReadingTimestamp(tt.input)
		if err != nil {
			t.Fatalf("Failed to parse %q: %v", tt.input, err)
		}
		if !result.Equal(tt.expected) {
			t.Errorf("%q: expected %v, got %v", tt.input, tt.expected, result)
		}
	}
}
