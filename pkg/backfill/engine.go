package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/wattledger/wattledger/pkg/ess"
	"github.com/wattledger/wattledger/pkg/log"
	"github.com/wattledger/wattledger/pkg/notify"
	"github.com/wattledger/wattledger/pkg/storage"
	"github.com/wattledger/wattledger/pkg/types"
)

// seedLookbackDays is how far before the range Run looks for an existing
// cumulative sum to continue from.
const seedLookbackDays = 7

// Engine reconstructs hourly statistics for past days from the cloud's daily
// energy totals and minute power charts.
type Engine struct {
	sys      ess.System
	db       storage.Database
	resolver Resolver
	notifier notify.Notifier
}

// NewEngine creates a new Engine.
func NewEngine(sys ess.System, db storage.Database, resolver Resolver, notifier notify.Notifier) *Engine {
	return &Engine{
		sys:      sys,
		db:       db,
		resolver: resolver,
		notifier: notifier,
	}
}

// Run imports hourly statistics for every day in [start, end] inclusive,
// interpreted as calendar days in the device's local timezone. A day whose
// daily totals cannot be fetched is skipped without aborting the rest of the
// range. Nothing is written to storage until the whole range has been walked,
// so a cancelled context leaves no partial import behind.
func (e *Engine) Run(ctx context.Context, deviceSN string, start, end time.Time, includePower bool) (types.BackfillResult, error) {
	ctx = log.WithAttrs(ctx, slog.String("deviceSN", deviceSN))

	loc, err := e.sys.Location(ctx)
	if err != nil {
		return types.BackfillResult{}, fmt.Errorf("failed to resolve device timezone: %w", err)
	}

	startDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	endDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc)
	if endDay.Before(startDay) {
		return types.BackfillResult{}, fmt.Errorf("end date %s is before start date %s",
			endDay.Format(time.DateOnly), startDay.Format(time.DateOnly))
	}

	result := types.BackfillResult{Start: startDay, End: endDay}

	// Resolve the energy series up front. Flows without a series still
	// accumulate running sums (so re-enabling one later lines up), they are
	// just never written.
	energyMeta := make(map[types.FlowKey]types.StatMetadata, len(types.AllFlows))
	for _, flow := range types.AllFlows {
		meta, ok := e.resolver.ResolveFlow(deviceSN, flow)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "no statistic series for flow", slog.String("flow", string(flow)))
			continue
		}
		energyMeta[flow] = meta
	}

	// Seed the running sums from the newest stats just before the range.
	// Without this the imported sums would restart at 0 while anything
	// recorded live before the range kept counting, making multi-day totals
	// that span the boundary go negative.
	sums := e.seedRunningSums(ctx, energyMeta, startDay)

	records := make(map[types.FlowKey][]types.StatRecord, len(types.AllFlows))
	powerRecords := make(map[types.PowerField][]types.StatRecord, len(types.AllPowerFields))

	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return types.BackfillResult{}, err
		}

		totals, err := e.sys.GetDailyTotals(ctx, day)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping day, daily totals unavailable",
				slog.String("day", day.Format(time.DateOnly)), slog.Any("err", err))
			result.SkippedDays++
			continue
		}

		var samples []types.MinuteSample
		if includePower {
			dayEnd := day.AddDate(0, 0, 1).Add(-time.Millisecond)
			samples, err = e.sys.GetMinuteSamples(ctx, day, dayEnd)
			if err != nil {
				// energy still imports for the day, just spread uniformly
				log.Ctx(ctx).WarnContext(ctx, "no power samples for day",
					slog.String("day", day.Format(time.DateOnly)), slog.Any("err", err))
				samples = nil
			} else if len(samples) == 0 {
				log.Ctx(ctx).WarnContext(ctx, "power chart returned no samples",
					slog.String("day", day.Format(time.DateOnly)))
			}
		}

		fractions := types.HourlyFractions{}
		if len(samples) > 0 {
			fractions = ComputeHourlyFractions(samples, loc)
		}

		// 24 hourly slots per flow with a monotonic running sum. The last
		// hour absorbs any floating-point residue so the day's states always
		// add up to the daily total exactly.
		for _, flow := range types.AllFlows {
			daily := totals[flow]
			sumBefore := sums[flow]
			sums[flow] = sumBefore + daily

			fracs, ok := fractions[flow]
			if !ok {
				fracs = types.UniformFractions()
			}
			cum := 0.0
			for hour := 0; hour < 24; hour++ {
				hourly := daily * fracs[hour]
				if hour == 23 {
					hourly = daily - cum
				}
				cum += hourly
				records[flow] = append(records[flow], types.StatRecord{
					Start: day.Add(time.Duration(hour) * time.Hour),
					State: hourly,
					Sum:   sumBefore + cum,
				})
			}
		}
		result.ImportedDays++

		if includePower && len(samples) > 0 {
			bucketPowerSamples(powerRecords, samples, loc)
			result.PowerDays++
		}
	}

	if result.ImportedDays == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no data imported",
			slog.String("start", startDay.Format(time.DateOnly)),
			slog.String("end", endDay.Format(time.DateOnly)))
		return result, nil
	}

	for _, flow := range types.AllFlows {
		meta, ok := energyMeta[flow]
		if !ok {
			continue
		}
		flowRecords := records[flow]
		if len(flowRecords) == 0 {
			continue
		}
		if err := e.db.ImportStatistics(ctx, meta, flowRecords, types.CurrentStatsVersion); err != nil {
			return result, fmt.Errorf("failed to import %s statistics: %w", flow, err)
		}
		result.Records += len(flowRecords)
	}

	log.Ctx(ctx).InfoContext(ctx, "imported energy statistics",
		slog.Int("days", result.ImportedDays),
		slog.Int("skippedDays", result.SkippedDays),
		slog.String("start", startDay.Format(time.DateOnly)),
		slog.String("end", endDay.Format(time.DateOnly)))

	if includePower {
		for _, field := range types.AllPowerFields {
			meta, ok := e.resolver.ResolvePower(deviceSN, field)
			if !ok {
				log.Ctx(ctx).WarnContext(ctx, "no statistic series for power field", slog.String("field", string(field)))
				continue
			}
			fieldRecords := powerRecords[field]
			if len(fieldRecords) == 0 {
				continue
			}
			// map iteration built these, so order them before writing
			sort.Slice(fieldRecords, func(i, j int) bool {
				return fieldRecords[i].Start.Before(fieldRecords[j].Start)
			})
			// the battery rack series lives in kW, the minute chart reports W
			if meta.Unit == "kW" {
				for i := range fieldRecords {
					fieldRecords[i].Mean /= 1000.0
				}
			}
			log.Ctx(ctx).InfoContext(ctx, "importing power statistics",
				slog.String("statisticID", meta.StatisticID),
				slog.String("unit", meta.Unit),
				slog.Int("records", len(fieldRecords)))
			if err := e.db.ImportStatistics(ctx, meta, fieldRecords, types.CurrentStatsVersion); err != nil {
				return result, fmt.Errorf("failed to import %s power statistics: %w", field, err)
			}
			result.Records += len(fieldRecords)
		}
	}

	message := fmt.Sprintf("Imported %d day(s) of energy data (%s → %s).",
		result.ImportedDays, startDay.Format(time.DateOnly), endDay.Format(time.DateOnly))
	if includePower {
		message += fmt.Sprintf(" Power data: %d day(s).", result.PowerDays)
	}
	if err := e.notifier.Notify(ctx, "Energy import complete", message); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to send import notice", slog.Any("err", err))
	}

	return result, nil
}

// seedRunningSums initializes each flow's cumulative sum from the newest
// record stored in the lookback window before the range. A flow with no
// stored history, or a failed query, starts from 0.
func (e *Engine) seedRunningSums(ctx context.Context, energyMeta map[types.FlowKey]types.StatMetadata, startDay time.Time) types.RunningSums {
	sums := make(types.RunningSums, len(types.AllFlows))
	for _, flow := range types.AllFlows {
		sums[flow] = 0.0
	}

	ids := make([]string, 0, len(energyMeta))
	for _, meta := range energyMeta {
		ids = append(ids, meta.StatisticID)
	}
	if len(ids) == 0 {
		return sums
	}

	recent, err := e.db.QueryRecentSums(ctx, ids, startDay.AddDate(0, 0, -seedLookbackDays), startDay)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "could not seed running sums (will start from 0)", slog.Any("err", err))
		return sums
	}
	for flow, meta := range energyMeta {
		stored := recent[meta.StatisticID]
		if len(stored) == 0 {
			continue
		}
		sums[flow] = stored[len(stored)-1].Sum
	}
	return sums
}

// bucketPowerSamples folds one day's minute samples into hourly mean records
// per power field. Buckets are keyed by the sample's full wall-clock hour, so
// samples from different calendar days never collide. Buckets a field has no
// values for are skipped entirely rather than emitted as zero.
func bucketPowerSamples(out map[types.PowerField][]types.StatRecord, samples []types.MinuteSample, loc *time.Location) {
	type bucket struct {
		sum   float64
		count int
	}
	buckets := make(map[types.PowerField]map[time.Time]*bucket, len(types.AllPowerFields))
	for _, f := range types.AllPowerFields {
		buckets[f] = make(map[time.Time]*bucket)
	}
	for _, s := range samples {
		t := s.Time.In(loc)
		hourStart := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
		for _, f := range types.AllPowerFields {
			v := s.Power(f)
			if math.IsNaN(v) {
				continue
			}
			b := buckets[f][hourStart]
			if b == nil {
				b = &bucket{}
				buckets[f][hourStart] = b
			}
			b.sum += v
			b.count++
		}
	}
	for _, f := range types.AllPowerFields {
		for hourStart, b := range buckets[f] {
			out[f] = append(out[f], types.StatRecord{
				Start: hourStart,
				Mean:  b.sum / float64(b.count),
			})
		}
	}
}
