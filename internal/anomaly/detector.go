package anomaly

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// rollingWindow is how many preceding readings feed the spike average
const rollingWindow = 10

const (
	KindGap   = "timestamp_gap"
	KindSpike = "spike"
)

// Reading is a single point of a submission's time series
type Reading struct {
	Row       int
	Timestamp time.Time
	KWh       decimal.Decimal
}

// Warning is a non-blocking observation about a batch
type Warning struct {
	Kind    string `json:"kind"`
	Row     int    `json:"row,omitempty"`
	Message string `json:"message"`
}

// Detector handles anomaly detection with configurable thresholds
type Detector struct {
	spikeThreshold            decimal.Decimal
	minDataPointsForDetection int
	gapThreshold              time.Duration
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int, gapThreshold time.Duration) *Detector {
	return &Detector{
		spikeThreshold:            decimal.NewFromFloat(spikeThreshold),
		minDataPointsForDetection: minDataPointsForDetection,
		gapThreshold:              gapThreshold,
	}
}

// Scan orders the readings by time and reports gaps and spikes. The input
// slice is not modified.
func (d *Detector) Scan(readings []Reading) []Warning {
	sorted := make([]Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var warnings []Warning
	history := make([]decimal.Decimal, 0, rollingWindow)

	for i, r := range sorted {
		if i > 0 && d.gapThreshold > 0 {
			gap := r.Timestamp.Sub(sorted[i-1].Timestamp)
			if gap > d.gapThreshold {
				warnings = append(warnings, Warning{
					Kind:    KindGap,
					Row:     r.Row,
					Message: fmt.Sprintf("gap of %s before this reading exceeds %s", gap, d.gapThreshold),
				})
			}
		}

		if isSpike, reason := d.DetectSpike(r.KWh, history); isSpike {
			warnings = append(warnings, Warning{Kind: KindSpike, Row: r.Row, Message: reason})
		}

		if len(history) == rollingWindow {
			history = history[1:]
		}
		history = append(history, r.KWh)
	}

	return warnings
}

// DetectSpike checks if the value is a spike against the historical values
func (d *Detector) DetectSpike(value decimal.Decimal, historicalValues []decimal.Decimal) (bool, string) {
	// Need enough historical data for spike detection
	if len(historicalValues) < d.minDataPointsForDetection || len(historicalValues) == 0 {
		return false, ""
	}

	sum := decimal.Zero
	for _, v := range historicalValues {
		sum = sum.Add(v)
	}
	average := sum.Div(decimal.NewFromInt(int64(len(historicalValues))))

	if average.IsPositive() && value.GreaterThan(d.spikeThreshold.Mul(average)) {
		return true, fmt.Sprintf("sudden spike detected: value %s exceeds %sx rolling average %s",
			value.StringFixed(3), d.spikeThreshold.String(), average.StringFixed(3))
	}

	return false, ""
}
