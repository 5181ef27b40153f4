package types

import "time"

// ConsumptionSample is the household consumption of one clock hour.
type ConsumptionSample struct {
	// Timestamp is the start of the hour and uniquely identifies a sample.
	Timestamp      time.Time `json:"timestamp"`
	Hour           int       `json:"hour"`
	ConsumptionKWH float64   `json:"consumptionKWH"`
	// IsManual marks imported or user-entered samples as opposed to metered
	// ones.
	IsManual   bool      `json:"isManual"`
	RecordedAt time.Time `json:"recordedAt"`
}

// DailyConsumption is one day of hourly values, as imported from a file.
type DailyConsumption struct {
	Date    string    `json:"date"` // YYYY-MM-DD
	Weekday string    `json:"weekday,omitempty"`
	Hours   []float64 `json:"hours"`
}

// ImportResult summarizes a consumption import.
type ImportResult struct {
	Success       bool   `json:"success"`
	ImportedHours int    `json:"importedHours"`
	ImportedDays  int    `json:"importedDays"`
	SkippedDays   int    `json:"skippedDays"`
	Error         string `json:"error,omitempty"`
}

// ConsumptionStats describes the content of the consumption store.
type ConsumptionStats struct {
	TotalRecords   int        `json:"totalRecords"`
	ManualRecords  int        `json:"manualRecords"`
	LearnedRecords int        `json:"learnedRecords"`
	Oldest         *time.Time `json:"oldest,omitempty"`
	Newest         *time.Time `json:"newest,omitempty"`
	// LearningProgress is the percentage of samples that were metered.
	LearningProgress float64 `json:"learningProgress"`
}

// HourlyProfile is the expected consumption in kWh for each hour of a day.
type HourlyProfile [24]float64
