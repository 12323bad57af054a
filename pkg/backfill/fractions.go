package backfill

import (
	"math"
	"time"

	"github.com/wattledger/wattledger/pkg/types"
)

// ComputeHourlyFractions estimates what share of a day's energy landed in
// each local hour. Minute power samples are averaged per hour-of-day per
// field, the four signed fields are split into the six directional flows,
// and each 24-hour shape is normalized to sum to 1. Flows with no usable
// signal fall back to a uniform 1/24 spread, as does everything when the
// sample list is empty.
func ComputeHourlyFractions(samples []types.MinuteSample, loc *time.Location) types.HourlyFractions {
	// mean power (W) per field per local hour
	sums := make(map[types.PowerField]*[24]float64, len(types.AllPowerFields))
	counts := make(map[types.PowerField]*[24]int, len(types.AllPowerFields))
	for _, f := range types.AllPowerFields {
		sums[f] = new([24]float64)
		counts[f] = new([24]int)
	}
	for _, s := range samples {
		hour := s.Time.In(loc).Hour()
		for _, f := range types.AllPowerFields {
			v := s.Power(f)
			if math.IsNaN(v) {
				// the sample didn't carry this field
				continue
			}
			sums[f][hour] += v
			counts[f][hour]++
		}
	}

	means := make(map[types.PowerField][24]float64, len(types.AllPowerFields))
	for _, f := range types.AllPowerFields {
		var m [24]float64
		for h := 0; h < 24; h++ {
			if counts[f][h] > 0 {
				m[h] = sums[f][h] / float64(counts[f][h])
			}
		}
		means[f] = m
	}

	// battery is positive while charging, grid is positive while importing,
	// so each signed series splits into two non-negative flows
	return types.HourlyFractions{
		types.FlowSolar:            normalize(means[types.PowerSolar]),
		types.FlowLoad:             normalize(means[types.PowerLoad]),
		types.FlowBatteryCharge:    normalize(positives(means[types.PowerBattery])),
		types.FlowBatteryDischarge: normalize(negatives(means[types.PowerBattery])),
		types.FlowGridImport:       normalize(positives(means[types.PowerGrid])),
		types.FlowGridExport:       normalize(negatives(means[types.PowerGrid])),
	}
}

// normalize scales the vector to sum to 1, or returns the uniform spread when
// there is no signal to scale.
func normalize(values [24]float64) [24]float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	if total <= 0 {
		return types.UniformFractions()
	}
	for i := range values {
		values[i] /= total
	}
	return values
}

// positives keeps the positive half of a signed series.
func positives(values [24]float64) [24]float64 {
	for i, v := range values {
		values[i] = math.Max(v, 0)
	}
	return values
}

// negatives keeps the magnitude of the negative half of a signed series.
func negatives(values [24]float64) [24]float64 {
	for i, v := range values {
		values[i] = math.Max(-v, 0)
	}
	return values
}
