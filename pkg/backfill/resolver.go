package backfill

import (
	"fmt"

	"github.com/wattledger/wattledger/pkg/types"
)

// Resolver maps flows and power fields to the statistic series they should be
// stored under. An absent resolution means the series has nowhere to go and
// gets skipped with a warning.
type Resolver interface {
	ResolveFlow(sn string, flow types.FlowKey) (types.StatMetadata, bool)
	ResolvePower(sn string, field types.PowerField) (types.StatMetadata, bool)
}

var flowSuffixes = map[types.FlowKey]string{
	types.FlowSolar:            "solar_energy_today",
	types.FlowGridImport:       "grid_import_today",
	types.FlowGridExport:       "grid_export_today",
	types.FlowBatteryCharge:    "battery_charge_today",
	types.FlowBatteryDischarge: "battery_discharge_today",
	types.FlowLoad:             "load_energy_today",
}

var flowNames = map[types.FlowKey]string{
	types.FlowSolar:            "Solar Energy Today",
	types.FlowGridImport:       "Grid Import Today",
	types.FlowGridExport:       "Grid Export Today",
	types.FlowBatteryCharge:    "Battery Charge Today",
	types.FlowBatteryDischarge: "Battery Discharge Today",
	types.FlowLoad:             "Load Energy Today",
}

var powerSuffixes = map[types.PowerField]string{
	types.PowerSolar:   "solar_power",
	types.PowerBattery: "battery_power",
	types.PowerGrid:    "grid_power",
	types.PowerLoad:    "load_power",
}

var powerNames = map[types.PowerField]string{
	types.PowerSolar:   "Solar Power",
	types.PowerBattery: "Battery Power",
	types.PowerGrid:    "Grid Power",
	types.PowerLoad:    "Load Power",
}

// Registry derives statistic IDs from device serial numbers. Battery power is
// routed to the battery rack series, which lives in kW, when a battery serial
// is configured; every other series stays on the inverter serial.
type Registry struct {
	// BatterySN routes battery power to the rack series when set.
	BatterySN string
	// Overrides pins a suffix to a fixed statistic ID. An empty
	// value disables that series.
	Overrides map[string]string
}

func (r Registry) ResolveFlow(sn string, flow types.FlowKey) (types.StatMetadata, bool) {
	suffix, ok := flowSuffixes[flow]
	if !ok {
		return types.StatMetadata{}, false
	}
	id, ok := r.statisticID(sn, suffix)
	if !ok {
		return types.StatMetadata{}, false
	}
	return types.StatMetadata{
		StatisticID: id,
		Name:        flowNames[flow],
		Unit:        "kWh",
		HasSum:      true,
	}, true
}

func (r Registry) ResolvePower(sn string, field types.PowerField) (types.StatMetadata, bool) {
	suffix, ok := powerSuffixes[field]
	if !ok {
		return types.StatMetadata{}, false
	}
	if field == types.PowerBattery && r.BatterySN != "" {
		id, ok := r.statisticID(r.BatterySN, "rack_power")
		if !ok {
			return types.StatMetadata{}, false
		}
		return types.StatMetadata{
			StatisticID: id,
			Name:        powerNames[field],
			Unit:        "kW",
			HasMean:     true,
		}, true
	}
	id, ok := r.statisticID(sn, suffix)
	if !ok {
		return types.StatMetadata{}, false
	}
	return types.StatMetadata{
		StatisticID: id,
		Name:        powerNames[field],
		Unit:        "W",
		HasMean:     true,
	}, true
}

func (r Registry) statisticID(sn, suffix string) (string, bool) {
	if id, ok := r.Overrides[suffix]; ok {
		return id, id != ""
	}
	if sn == "" {
		return "", false
	}
	return fmt.Sprintf("wattledger:%s:%s", sn, suffix), true
}
