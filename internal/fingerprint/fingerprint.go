// Package fingerprint computes the deterministic identities used for duplicate
// detection: per-reading audit trail ids, device hashes and whole-file hashes.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/tools/timeparser"
)

// KWhScale is the number of fractional digits kept for energy values.
const KWhScale = 3

const separator = "|"

// CanonicalKWh renders an energy value with exactly KWhScale fractional digits,
// so "12.5", "12.50" and "12.500" hash identically.
func CanonicalKWh(kwh decimal.Decimal) string {
	return kwh.StringFixed(KWhScale)
}

// Reading returns the audit trail id of a single energy reading:
// hex(SHA-256(deviceID | canonical timestamp | canonical kWh)).
func Reading(deviceID string, ts time.Time, kwh decimal.Decimal) string {
	return digest(strings.TrimSpace(deviceID), timeparser.Canonical(ts), CanonicalKWh(kwh))
}

// Device returns the registry hash of a device.
func Device(deviceID, facilityID, serialNumber string) string {
	return digest(strings.TrimSpace(deviceID), strings.TrimSpace(facilityID), strings.TrimSpace(serialNumber))
}

// File hashes an uploaded file as-is. It is an integrity record only.
func File(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, separator)))
	return hex.EncodeToString(sum[:])
}
