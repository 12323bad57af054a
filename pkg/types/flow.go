package types

import "fmt"

// FlowKey identifies one of the six energy flows tracked for a device.
type FlowKey string

const (
	FlowSolar            FlowKey = "solar"
	FlowLoad             FlowKey = "load"
	FlowBatteryCharge    FlowKey = "battery_charge"
	FlowBatteryDischarge FlowKey = "battery_discharge"
	FlowGridImport       FlowKey = "grid_import"
	FlowGridExport       FlowKey = "grid_export"
)

// AllFlows lists every flow in the order records are emitted.
var AllFlows = []FlowKey{
	FlowSolar,
	FlowLoad,
	FlowBatteryCharge,
	FlowBatteryDischarge,
	FlowGridImport,
	FlowGridExport,
}

// PowerField identifies one of the instantaneous power series a device reports.
type PowerField string

const (
	PowerSolar   PowerField = "solar"
	PowerBattery PowerField = "battery"
	PowerGrid    PowerField = "grid"
	PowerLoad    PowerField = "load"
)

// AllPowerFields lists every power series in the order records are emitted.
var AllPowerFields = []PowerField{PowerSolar, PowerBattery, PowerGrid, PowerLoad}

// WorkMode is an inverter operating mode.
type WorkMode int

const (
	WorkModeSelfConsumption WorkMode = 1
	WorkModeUserDefined     WorkMode = 2
	WorkModeOffGrid         WorkMode = 3
	WorkModeBackup          WorkMode = 4
)

// Valid returns whether the mode is one the inverter accepts.
func (m WorkMode) Valid() bool {
	return m >= WorkModeSelfConsumption && m <= WorkModeBackup
}

func (m WorkMode) String() string {
	switch m {
	case WorkModeSelfConsumption:
		return "Self-consumption"
	case WorkModeUserDefined:
		return "User-defined"
	case WorkModeOffGrid:
		return "Off-grid"
	case WorkModeBackup:
		return "Backup power"
	}
	return fmt.Sprintf("WorkMode(%d)", int(m))
}
