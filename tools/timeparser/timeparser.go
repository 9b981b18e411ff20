package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// Precision is the finest timestamp resolution kept. It matches TIMESTAMPTZ.
const Precision = time.Microsecond

// Layouts accepted for reading timestamps. Layouts without a zone are read as UTC.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04",
	"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
	"02/01/2006 15:04",
}

// ParseReadingTimestamp attempts to parse a meter reading timestamp with multiple formats
func ParseReadingTimestamp(dateStr string) (time.Time, error) {
	s := strings.TrimSpace(dateStr)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	var lastErr error
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t.UTC().Truncate(Precision), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", s, lastErr)
}

// Canonical renders t in the single format used for hashing and storage
func Canonical(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// InPeriod reports whether t falls inside [start, end)
func InPeriod(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}
