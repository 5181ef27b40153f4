package types

import (
	"fmt"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings represents the configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	DryRun bool `json:"dryRun"`
	// Pause stops the executor from touching the inverter
	Pause bool `json:"pause"`
	// AutoOptimization lets the executor follow the plan. When false the
	// setpoint is only changed through manual control.
	AutoOptimization bool `json:"autoOptimization"`

	Battery  BatteryParams   `json:"battery"`
	Tunables PlannerTunables `json:"tunables"`

	// How many hours the rolling plan covers
	LookaheadHours int `json:"lookaheadHours"`

	// Consumption learning
	ConsumptionLearning    bool    `json:"consumptionLearning"`
	RetentionDays          int     `json:"retentionDays"`
	FallbackConsumptionKWH float64 `json:"fallbackConsumptionKWH"`
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial, a 10.6 kWh pack behind a 3.9 kW charger
			if s.Battery.CapacityKWH == 0 {
				s.Battery.CapacityKWH = 10.6
				migrated = true
			}
			if s.Battery.MinSOC == 0 {
				s.Battery.MinSOC = 20
				migrated = true
			}
			if s.Battery.MaxSOC == 0 {
				s.Battery.MaxSOC = 95
				migrated = true
			}
			if s.Battery.MaxChargePowerKW == 0 {
				s.Battery.MaxChargePowerKW = 3.9
				migrated = true
			}
			if s.LookaheadHours == 0 {
				s.LookaheadHours = 24
				migrated = true
			}
			if !s.AutoOptimization {
				s.AutoOptimization = true
				migrated = true
			}
		case 2:
			// version 2: tunables are persisted
			if t := s.Tunables.WithDefaults(); t != s.Tunables {
				s.Tunables = t
				migrated = true
			}
		case 3:
			// version 3: consumption learning
			if s.RetentionDays == 0 {
				s.RetentionDays = 28
				migrated = true
			}
			if s.FallbackConsumptionKWH == 0 {
				s.FallbackConsumptionKWH = 1.0
				migrated = true
			}
			if !s.ConsumptionLearning {
				s.ConsumptionLearning = true
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
