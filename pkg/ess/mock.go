package ess

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/raterudder/chargeplanner/pkg/types"
)

const (
	mockCapacityKWH = 10.0
	mockMaxChargeKW = 5.0
	// the inverter's own discharge floor while it is in control
	mockReserveSOC = 10.0
)

// Mock simulates a battery behind a hybrid inverter. Home load follows a
// sine wave, solar a bell curve peaking at 13:00. Without an external
// setpoint the battery self-consumes: surplus solar charges it and deficits
// discharge it down to the reserve.
type Mock struct {
	mu          sync.Mutex
	now         func() time.Time
	capacityKWH float64

	ts        time.Time
	soc       float64
	homeKWH   float64
	external  bool
	setpointW float64
}

// NewMock returns a Mock with the given capacity and starting SOC.
func NewMock(capacityKWH, soc float64) *Mock {
	return &Mock{
		now:         time.Now,
		capacityKWH: capacityKWH,
		soc:         soc,
	}
}

// advance runs the simulation up to now in steps of at most 5 minutes.
func (m *Mock) advance(now time.Time) {
	if m.ts.IsZero() {
		m.ts = now
		return
	}

	stepStart := m.ts
	for stepStart.Before(now) {
		stepEnd := stepStart.Add(5 * time.Minute)
		if stepEnd.After(now) {
			stepEnd = now
		}
		durationHours := stepEnd.Sub(stepStart).Hours()

		stepMid := stepStart.Add(stepEnd.Sub(stepStart) / 2)
		hour := float64(stepMid.Hour()) + float64(stepMid.Minute())/60.0

		homeKW := math.Max(1.0, 1.5+0.5*math.Sin(hour*math.Pi))
		solarKW := 0.0
		if hour >= 6 && hour <= 19 {
			solarKW = 3.0 * math.Sin((hour-6)/13*math.Pi)
		}

		spaceKWH := (100.0 - m.soc) / 100.0 * m.capacityKWH
		usableKWH := math.Max(0, m.soc-mockReserveSOC) / 100.0 * m.capacityKWH

		// positive charges the battery
		var batteryKW float64
		switch {
		case m.external:
			// a forced setpoint charges from solar and grid together
			batteryKW = math.Min(-m.setpointW/1000, mockMaxChargeKW)
		case solarKW > homeKW:
			batteryKW = math.Min(solarKW-homeKW, mockMaxChargeKW)
		default:
			batteryKW = -math.Min(homeKW-solarKW, mockMaxChargeKW)
		}
		if batteryKW*durationHours > spaceKWH {
			batteryKW = spaceKWH / durationHours
		}
		if -batteryKW*durationHours > usableKWH {
			batteryKW = -usableKWH / durationHours
		}

		m.soc += batteryKW * durationHours / m.capacityKWH * 100.0
		m.soc = math.Max(0, math.Min(100, m.soc))
		m.homeKWH += homeKW * durationHours

		stepStart = stepEnd
	}
	m.ts = now
}

// GetStatus implements System.
func (m *Mock) GetStatus(ctx context.Context) (types.SystemStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.advance(now)
	return types.SystemStatus{
		Timestamp:       now,
		BatterySOC:      m.soc,
		HomeKWH:         m.homeKWH,
		ExternalControl: m.external,
		SetpointW:       m.setpointW,
	}, nil
}

// StartCharging implements System.
func (m *Mock) StartCharging(ctx context.Context, watts float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// advance with the previous setpoint before switching
	m.advance(m.now())
	m.external = true
	m.setpointW = -math.Abs(watts)
	return nil
}

// StopCharging implements System.
func (m *Mock) StopCharging(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advance(m.now())
	m.external = false
	m.setpointW = 0
	return nil
}

// Close implements System.
func (m *Mock) Close() error {
	return nil
}
