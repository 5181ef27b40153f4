package ess

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goburrow/modbus"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/types"
)

const (
	kostalDefaultPort   = "1502"
	kostalDefaultUnitID = 71

	// float32 registers, big-endian bytes with the low word first
	kostalRegHomeConsumptionWH uint16 = 118
	kostalRegBatterySetpointW  uint16 = 1034
	kostalRegBatterySOC        uint16 = 1068
)

// modbusClient is the part of modbus.Client that Kostal uses.
type modbusClient interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// Kostal controls a Kostal Plenticore inverter over Modbus TCP. The battery
// setpoint register only takes effect while the inverter's battery
// management is set to external Modbus control; writing 0 hands control back
// to the inverter.
type Kostal struct {
	address    string
	unitID     byte
	timeout    time.Duration
	maxElapsed time.Duration

	mu        sync.Mutex
	handler   *modbus.TCPClientHandler
	client    modbusClient
	external  bool
	setpointW float64
}

func configuredKostal() *Kostal {
	k := &Kostal{
		unitID:     kostalDefaultUnitID,
		timeout:    5 * time.Second,
		maxElapsed: 10 * time.Second,
	}
	address := lflag.String("kostal-address", "", "Kostal inverter Modbus TCP address (host or host:port, default port 1502)")
	unitID := lflag.String("kostal-unit-id", strconv.Itoa(kostalDefaultUnitID), "Kostal Modbus unit ID")
	timeout := lflag.Duration("kostal-timeout", 5*time.Second, "Timeout for a single Modbus request")

	lflag.Do(func() {
		k.address = *address
		if k.address != "" {
			if _, _, err := net.SplitHostPort(k.address); err != nil {
				k.address = net.JoinHostPort(k.address, kostalDefaultPort)
			}
		}
		id, err := strconv.ParseUint(*unitID, 10, 8)
		if err != nil {
			panic(fmt.Sprintf("invalid kostal-unit-id %q: %v", *unitID, err))
		}
		k.unitID = byte(id)
		k.timeout = *timeout
	})
	return k
}

// NewKostal returns a Kostal using an existing Modbus client.
func NewKostal(client modbusClient) *Kostal {
	return &Kostal{
		unitID:     kostalDefaultUnitID,
		timeout:    time.Second,
		maxElapsed: time.Second,
		client:     client,
	}
}

// Validate ensures the configuration is valid.
func (k *Kostal) Validate() error {
	if k.address == "" {
		return errors.New("kostal-address is required")
	}
	if _, _, err := net.SplitHostPort(k.address); err != nil {
		return fmt.Errorf("invalid kostal-address %q: %w", k.address, err)
	}
	return nil
}

// conn returns the client, creating the TCP handler on first use. The
// handler reconnects by itself after a failed request.
func (k *Kostal) conn() modbusClient {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.client == nil {
		h := modbus.NewTCPClientHandler(k.address)
		h.SlaveId = k.unitID
		h.Timeout = k.timeout
		h.IdleTimeout = time.Minute
		k.handler = h
		k.client = modbus.NewClient(h)
	}
	return k.client
}

func (k *Kostal) retryPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(k.maxElapsed),
	)
	return backoff.WithContext(bo, ctx)
}

func (k *Kostal) readFloat(ctx context.Context, reg uint16) (float64, error) {
	client := k.conn()
	v, err := backoff.RetryWithData(func() (float64, error) {
		b, err := client.ReadHoldingRegisters(reg, 2)
		if err != nil {
			return 0, err
		}
		return decodeFloat32CDAB(b)
	}, k.retryPolicy(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to read register %d: %w", reg, err)
	}
	return v, nil
}

func (k *Kostal) writeSetpoint(ctx context.Context, watts float64) error {
	client := k.conn()
	payload := encodeFloat32CDAB(watts)
	err := backoff.Retry(func() error {
		_, err := client.WriteMultipleRegisters(kostalRegBatterySetpointW, 2, payload)
		return err
	}, k.retryPolicy(ctx))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to write battery setpoint", slog.Float64("watts", watts), slog.Any("error", err))
		return fmt.Errorf("failed to write battery setpoint: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "battery setpoint written", slog.Float64("watts", watts))
	return nil
}

// GetStatus implements System.
func (k *Kostal) GetStatus(ctx context.Context) (types.SystemStatus, error) {
	soc, err := k.readFloat(ctx, kostalRegBatterySOC)
	if err != nil {
		return types.SystemStatus{}, err
	}
	status := types.SystemStatus{
		Timestamp:  time.Now(),
		BatterySOC: soc,
	}
	// the meter is optional, older firmware doesn't expose it
	if wh, err := k.readFloat(ctx, kostalRegHomeConsumptionWH); err == nil {
		status.HomeKWH = wh / 1000
	} else {
		log.Ctx(ctx).WarnContext(ctx, "failed to read home consumption meter", slog.Any("error", err))
	}

	k.mu.Lock()
	status.ExternalControl = k.external
	status.SetpointW = k.setpointW
	k.mu.Unlock()
	return status, nil
}

// StartCharging implements System. Charging is a negative setpoint.
func (k *Kostal) StartCharging(ctx context.Context, watts float64) error {
	setpoint := -math.Abs(watts)
	if err := k.writeSetpoint(ctx, setpoint); err != nil {
		return err
	}
	k.mu.Lock()
	k.external = true
	k.setpointW = setpoint
	k.mu.Unlock()
	return nil
}

// StopCharging implements System.
func (k *Kostal) StopCharging(ctx context.Context) error {
	if err := k.writeSetpoint(ctx, 0); err != nil {
		return err
	}
	k.mu.Lock()
	k.external = false
	k.setpointW = 0
	k.mu.Unlock()
	return nil
}

// Close implements System.
func (k *Kostal) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.handler == nil {
		return nil
	}
	err := k.handler.Close()
	k.handler = nil
	k.client = nil
	return err
}

// encodeFloat32CDAB encodes v as two registers with the low word first.
func encodeFloat32CDAB(v float64) []byte {
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], math.Float32bits(float32(v)))
	return []byte{be[2], be[3], be[0], be[1]}
}

func decodeFloat32CDAB(b []byte) (float64, error) {
	if len(b) != 4 {
		return 0, backoff.Permanent(fmt.Errorf("expected 4 bytes, got %d", len(b)))
	}
	bits := binary.BigEndian.Uint32([]byte{b[2], b[3], b[0], b[1]})
	return float64(math.Float32frombits(bits)), nil
}
