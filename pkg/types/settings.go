package types

import (
	"fmt"
)

// CurrentSettingsVersion tracks the settings schema. Bump it whenever a new
// field needs a migration default.
const CurrentSettingsVersion = 3

// Settings is the dynamic configuration kept in storage so it can change
// without a redeploy.
type Settings struct {
	// Pause rejects import requests without removing credentials.
	Pause bool `json:"pause"`

	// ESS Provider
	ESS string `json:"ess"`

	// DeviceSN is the inverter serial number imports run against.
	DeviceSN string `json:"deviceSN"`
	// BatterySN is the serial the battery power series is published under.
	BatterySN string `json:"batterySN"`

	// Timezone overrides the device-local timezone (IANA name). Empty means
	// use whatever the provider reports.
	Timezone string `json:"timezone"`

	// MaxImportDays caps how many days a single import request may cover.
	MaxImportDays int `json:"maxImportDays"`

	// StatisticOverrides remaps derived statistic series. Keys are series
	// suffixes (e.g. "solar_energy_today"), values are full statistic IDs.
	// An empty value disables that series.
	StatisticOverrides map[string]string `json:"statisticOverrides,omitempty"`

	// EncryptedCredentials is the AES-GCM blob holding Credentials.
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`
}

// Credentials holds the logins for the supported ess providers.
type Credentials struct {
	Hanchu *HanchuCredentials `json:"hanchu,omitempty"`
}

// Has reports which credential sets are present without exposing the
// secrets themselves.
func (c Credentials) Has() map[string]bool {
	return map[string]bool{
		"hanchu": c.Hanchu != nil,
	}
}

// Credentials for the Hanchu IESS cloud
type HanchuCredentials struct {
	Account  string `json:"account"`
	Password string `json:"password"`
	// Token is the cached session JWT. It is stored alongside the other
	// credentials so we can skip login on every request and only re-login
	// when the token is close to expiring or the backend rejects it.
	Token string `json:"token,omitempty"`
}

// MigrateSettings upgrades s from currentVersion to the current schema,
// reporting whether anything changed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// migrations apply one version at a time
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.MaxImportDays == 0 {
				s.MaxImportDays = 366
				migrated = true
			}
		case 2:
			// version 2: default ESS to "hanchu" if credentials exist, since
			// until now hanchu was the only system supported
			if len(s.EncryptedCredentials) > 0 && s.ESS == "" {
				s.ESS = "hanchu"
				migrated = true
			}
		case 3:
			// version 3: battery series used to be published under the
			// inverter serial before BatterySN existed
			if s.BatterySN == "" && s.DeviceSN != "" {
				s.BatterySN = s.DeviceSN
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
