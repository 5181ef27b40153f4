package types

import "time"

// ActionReason represents why the executor changed the battery setpoint.
type ActionReason string

const (
	ActionReasonSafetyCharge    ActionReason = "safetyCharge"
	ActionReasonScheduledCharge ActionReason = "scheduledCharge"
	ActionReasonBatteryFull     ActionReason = "batteryFull"
	ActionReasonScheduleOK      ActionReason = "scheduleOK"
	ActionReasonWaitingForPlan  ActionReason = "waitingForPlan"
	ActionReasonManual          ActionReason = "manual"
)

// Action represents a charge transition made by the system.
type Action struct {
	Timestamp   time.Time       `json:"timestamp"`
	Charge      bool            `json:"charge"`
	SetpointW   float64         `json:"setpointW"`
	Reason      ActionReason    `json:"reason"`
	Description string          `json:"description"`
	BatterySOC  float64         `json:"batterySOC"`
	Window      *ChargingWindow `json:"window,omitempty"`
	DryRun      bool            `json:"dryRun,omitempty"`
	Paused      bool            `json:"paused,omitempty"`
	Failed      bool            `json:"failed,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// SystemStatus represents the current inverter and battery status.
type SystemStatus struct {
	Timestamp  time.Time `json:"timestamp"`
	BatterySOC float64   `json:"batterySOC"` // 0-100
	// HomeKWH is the lifetime household consumption meter, 0 when the
	// system can't report it.
	HomeKWH float64 `json:"homeKWH"`
	// ExternalControl is true while the setpoint is driven by this process.
	ExternalControl bool `json:"externalControl"`
	// SetpointW is the last written battery power setpoint; negative charges.
	SetpointW float64 `json:"setpointW"`
}
