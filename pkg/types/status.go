package types

import "time"

// SystemStatus is a live snapshot of the inverter's power flows and today's
// accumulated energy. Power values are in watts, energy in kWh.
type SystemStatus struct {
	Timestamp time.Time `json:"timestamp"`

	SolarW   float64 `json:"solarW"`
	LoadW    float64 `json:"loadW"`
	GridW    float64 `json:"gridW"`
	BatteryW float64 `json:"batteryW"`

	GridL1W float64 `json:"gridL1W"`
	GridL2W float64 `json:"gridL2W"`
	GridL3W float64 `json:"gridL3W"`

	// BatterySOC is a percentage (0-100).
	BatterySOC float64 `json:"batterySOC"`
	// BatteryCapacityKWH is the design capacity of the attached batteries.
	BatteryCapacityKWH float64 `json:"batteryCapacityKWH"`

	SolarTodayKWH            float64 `json:"solarTodayKWH"`
	LoadTodayKWH             float64 `json:"loadTodayKWH"`
	GridImportTodayKWH       float64 `json:"gridImportTodayKWH"`
	GridExportTodayKWH       float64 `json:"gridExportTodayKWH"`
	BatteryChargeTodayKWH    float64 `json:"batteryChargeTodayKWH"`
	BatteryDischargeTodayKWH float64 `json:"batteryDischargeTodayKWH"`

	WorkMode WorkMode `json:"workMode"`
}

// BatteryStatus is a live snapshot of a single battery rack.
type BatteryStatus struct {
	SerialNumber      string  `json:"serialNumber"`
	SOC               float64 `json:"soc"`
	PowerKW           float64 `json:"powerKW"`
	VoltageV          float64 `json:"voltageV"`
	CurrentA          float64 `json:"currentA"`
	RemainingPercent  float64 `json:"remainingPercent"`
	CapacityKWH       float64 `json:"capacityKWH"`
	TotalChargeKWH    float64 `json:"totalChargeKWH"`
	TotalDischargeKWH float64 `json:"totalDischargeKWH"`
	MaxTempC          float64 `json:"maxTempC"`
	MinTempC          float64 `json:"minTempC"`
	CycleCount        int     `json:"cycleCount"`
}
