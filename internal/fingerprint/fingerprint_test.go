package fingerprint

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func TestReading_Deterministic(t *testing.T) {
	kwh := decimal.RequireFromString("12.5")

	first := Reading("DEV001", t0, kwh)
	second := Reading("DEV001", t0, kwh)

	if first != second {
		t.Errorf("Expected equal fingerprints, got %s and %s", first, second)
	}
	if len(first) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(first))
	}
}

func TestReading_CanonicalizesClientFormats(t *testing.T) {
	base := Reading("DEV001", t0, decimal.RequireFromString("12.5"))

	variants := []struct {
		name   string
		device string
		ts     time.Time
		kwh    string
	}{
		{"trailing zeros", "DEV001", t0, "12.500"},
		{"one trailing zero", "DEV001", t0, "12.50"},
		{"offset timezone", "DEV001", t0.In(time.FixedZone("WAT", 3600)), "12.5"},
		{"padded device id", "  DEV001 ", t0, "12.5"},
	}

	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			got := Reading(v.device, v.ts, decimal.RequireFromString(v.kwh))
			if got != base {
				t.Errorf("Expected %s, got %s", base, got)
			}
		})
	}
}

func TestReading_AnyFieldChangesDigest(t *testing.T) {
	base := Reading("DEV001", t0, decimal.RequireFromString("12.5"))

	others := map[string]string{
		"device":    Reading("DEV002", t0, decimal.RequireFromString("12.5")),
		"timestamp": Reading("DEV001", t0.Add(time.Second), decimal.RequireFromString("12.5")),
		"kwh":       Reading("DEV001", t0, decimal.RequireFromString("13.0")),
		"sub-watt":  Reading("DEV001", t0, decimal.RequireFromString("12.501")),
	}

	for name, got := range others {
		if got == base {
			t.Errorf("Expected %s change to alter the fingerprint", name)
		}
	}
}

func TestCanonicalKWh(t *testing.T) {
	tests := map[string]string{
		"0":       "0.000",
		"12.5":    "12.500",
		"250":     "250.000",
		"1.23456": "1.235",
	}
	for in, want := range tests {
		if got := CanonicalKWh(decimal.RequireFromString(in)); got != want {
			t.Errorf("CanonicalKWh(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestFile(t *testing.T) {
	a := File([]byte("deviceId,timestamp,kWh\nDEV001,2025-06-01T10:00:00Z,12.5\n"))
	b := File([]byte("deviceId,timestamp,kWh\nDEV001,2025-06-01T10:00:00Z,12.50\n"))

	if a == b {
		t.Error("Expected raw file hash to differ when bytes differ")
	}
}
