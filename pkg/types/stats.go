package types

import "time"

// CurrentStatsVersion tracks the schema of stored StatRecord blobs.
const CurrentStatsVersion = 1

// DailyTotals holds one local day's energy totals in kWh, keyed by flow.
// Flows the provider did not report are simply absent.
type DailyTotals map[FlowKey]float64

// MinuteSample is a single point from a device's minute-resolution power
// chart. Power values are in watts. Battery is positive while charging and
// grid is positive while importing. A field the provider did not report is
// NaN, not 0; consumers must check with math.IsNaN before aggregating.
type MinuteSample struct {
	Time    time.Time `json:"time"`
	Solar   float64   `json:"solar"`
	Battery float64   `json:"battery"`
	Grid    float64   `json:"grid"`
	Load    float64   `json:"load"`
}

// Power returns the sample's value for the given series.
func (s MinuteSample) Power(f PowerField) float64 {
	switch f {
	case PowerSolar:
		return s.Solar
	case PowerBattery:
		return s.Battery
	case PowerGrid:
		return s.Grid
	case PowerLoad:
		return s.Load
	}
	return 0
}

// HourlyFractions distributes a day's total across the 24 local hours, one
// weight vector per flow. Each vector sums to 1.
type HourlyFractions map[FlowKey][24]float64

// UniformFractions returns fractions that spread a flow evenly across the day.
func UniformFractions() [24]float64 {
	var f [24]float64
	for i := range f {
		f[i] = 1.0 / 24.0
	}
	return f
}

// RunningSums tracks the cumulative kWh per flow across all imported days.
type RunningSums map[FlowKey]float64

// StatRecord is a single hourly statistics row. Which of State, Sum and Mean
// are meaningful is described by the series' StatMetadata.
type StatRecord struct {
	Start time.Time `json:"start"`
	State float64   `json:"state"`
	Sum   float64   `json:"sum"`
	Mean  float64   `json:"mean"`
}

// StatMetadata describes a statistic series.
type StatMetadata struct {
	StatisticID string `json:"statisticID"`
	Name        string `json:"name"`
	Unit        string `json:"unit"`
	HasSum      bool   `json:"hasSum"`
	HasMean     bool   `json:"hasMean"`
}

// BackfillResult summarizes a completed import.
type BackfillResult struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	ImportedDays int       `json:"importedDays"`
	SkippedDays  int       `json:"skippedDays"`
	PowerDays    int       `json:"powerDays"`
	Records      int       `json:"records"`
}
