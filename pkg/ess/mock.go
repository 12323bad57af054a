package ess

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/wattledger/wattledger/pkg/types"
)

// Mock implements System with a deterministic simulation so the rest of the
// stack can be exercised without cloud credentials. The same per-minute curves
// feed minute samples, daily totals and live status, so a day's totals always
// match the integral of its samples.
type Mock struct {
	mu       sync.Mutex
	settings types.Settings
	workMode types.WorkMode
}

// NewMock returns a Mock in self-consumption mode.
func NewMock() *Mock {
	return &Mock{workMode: types.WorkModeSelfConsumption}
}

// ApplySettings records the settings the synthetic device should reflect.
func (m *Mock) ApplySettings(ctx context.Context, settings types.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	return nil
}

// Authenticate accepts any credentials.
func (m *Mock) Authenticate(ctx context.Context, creds types.Credentials) (types.Credentials, bool, error) {
	return creds, false, nil
}

// Location returns the configured timezone override, defaulting to UTC.
func (m *Mock) Location(ctx context.Context) (*time.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tz := m.settings.Timezone; tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		return loc, nil
	}
	return time.UTC, nil
}

// powerAt returns the simulated flows in W at t. Battery is positive while
// charging and grid is positive while importing.
func powerAt(t time.Time, loc *time.Location) (solarW, loadW, batteryW, gridW float64) {
	lt := t.In(loc)
	hour := float64(lt.Hour()) + float64(lt.Minute())/60.0

	// Predictable home load 1.5 +- 0.5 kW on a sine wave
	loadW = 1500 + 500*math.Sin(hour*math.Pi)
	if loadW < 1000 {
		loadW = 1000
	}

	// Solar generation: bell curve peaking at 13:00
	if hour >= 6 && hour <= 19 {
		solarW = 3000 * math.Sin((hour-6)/13*math.Pi)
	}

	// battery soaks up excess solar and covers deficits, capped at 2.5 kW
	net := solarW - loadW
	batteryW = math.Max(math.Min(net, 2500), -2500)
	gridW = loadW + batteryW - solarW
	return solarW, loadW, batteryW, gridW
}

func (m *Mock) location() *time.Location {
	if tz := m.settings.Timezone; tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}

// GetDailyTotals integrates the simulated curves across the local day.
func (m *Mock) GetDailyTotals(ctx context.Context, day time.Time) (types.DailyTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loc := m.location()
	lt := day.In(loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	return m.integrate(midnight, midnight.AddDate(0, 0, 1), loc), nil
}

// integrate accumulates kWh per flow across [start, end) in minute steps.
func (m *Mock) integrate(start, end time.Time, loc *time.Location) types.DailyTotals {
	totals := types.DailyTotals{}
	for t := start; t.Before(end); t = t.Add(time.Minute) {
		solarW, loadW, batteryW, gridW := powerAt(t, loc)
		const kwhPerMinuteW = 1.0 / 1000.0 / 60.0
		totals[types.FlowSolar] += solarW * kwhPerMinuteW
		totals[types.FlowLoad] += loadW * kwhPerMinuteW
		totals[types.FlowBatteryCharge] += math.Max(batteryW, 0) * kwhPerMinuteW
		totals[types.FlowBatteryDischarge] += math.Max(-batteryW, 0) * kwhPerMinuteW
		totals[types.FlowGridImport] += math.Max(gridW, 0) * kwhPerMinuteW
		totals[types.FlowGridExport] += math.Max(-gridW, 0) * kwhPerMinuteW
	}
	return totals
}

// GetMinuteSamples returns one simulated sample per minute between start and
// end inclusive.
func (m *Mock) GetMinuteSamples(ctx context.Context, start, end time.Time) ([]types.MinuteSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loc := m.location()
	var samples []types.MinuteSample
	for t := start; !t.After(end); t = t.Add(time.Minute) {
		solarW, loadW, batteryW, gridW := powerAt(t, loc)
		samples = append(samples, types.MinuteSample{
			Time:    t,
			Solar:   solarW,
			Battery: batteryW,
			Grid:    gridW,
			Load:    loadW,
		})
	}
	return samples, nil
}

// GetStatus reports the simulated values at the current wall-clock time.
func (m *Mock) GetStatus(ctx context.Context) (types.SystemStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loc := m.location()
	now := time.Now()
	solarW, loadW, batteryW, gridW := powerAt(now, loc)

	lt := now.In(loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	today := m.integrate(midnight, now, loc)

	return types.SystemStatus{
		Timestamp:          now,
		SolarW:             solarW,
		LoadW:              loadW,
		GridW:              gridW,
		BatteryW:           batteryW,
		GridL1W:            gridW,
		BatterySOC:         55,
		BatteryCapacityKWH: 10,

		SolarTodayKWH:            today[types.FlowSolar],
		LoadTodayKWH:             today[types.FlowLoad],
		GridImportTodayKWH:       today[types.FlowGridImport],
		GridExportTodayKWH:       today[types.FlowGridExport],
		BatteryChargeTodayKWH:    today[types.FlowBatteryCharge],
		BatteryDischargeTodayKWH: today[types.FlowBatteryDischarge],

		WorkMode: m.workMode,
	}, nil
}

// GetBatteryStatus reports a fixed rack fed by the simulated battery power.
func (m *Mock) GetBatteryStatus(ctx context.Context) (types.BatteryStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sn := m.settings.BatterySN
	if sn == "" {
		sn = "MOCK-RACK-1"
	}
	_, _, batteryW, _ := powerAt(time.Now(), m.location())
	return types.BatteryStatus{
		SerialNumber:     sn,
		SOC:              55,
		PowerKW:          batteryW / 1000,
		VoltageV:         51.2,
		CurrentA:         batteryW / 51.2,
		RemainingPercent: 55,
		CapacityKWH:      10,
		MaxTempC:         28,
		MinTempC:         24,
		CycleCount:       123,
	}, nil
}

// SetWorkMode records the requested mode so GetStatus reports it.
func (m *Mock) SetWorkMode(ctx context.Context, mode types.WorkMode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown work mode: %v", mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workMode = mode
	return nil
}
