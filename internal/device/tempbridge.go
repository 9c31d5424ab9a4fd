package device

import (
	"context"
	"fmt"
	"strconv"

	"github.com/coldloop/magnetd/internal/interlock"
)

// TemperatureBridge controls the resistance bridge's heater output and reads
// the device-stage temperature.
type TemperatureBridge interface {
	IsInClosedLoopOutput(ctx context.Context) (bool, error)
	EnableClosedLoopOutput(ctx context.Context) error
	DisableOutput(ctx context.Context) error
	DeviceTemperature(ctx context.Context) (float64, error)
}

type storeTempBridge struct {
	st interlock.Store
}

// NewTemperatureBridge returns a store-mediated TemperatureBridge.
func NewTemperatureBridge(st interlock.Store) TemperatureBridge {
	return &storeTempBridge{st: st}
}

func (b *storeTempBridge) IsInClosedLoopOutput(ctx context.Context) (bool, error) {
	mode, err := b.st.Read(ctx, interlock.BridgeOutputModeKey)
	if err != nil {
		return false, err
	}
	return mode == interlock.OutputClosedLoop, nil
}

func (b *storeTempBridge) EnableClosedLoopOutput(ctx context.Context) error {
	return b.st.Publish(ctx, interlock.CommandPrefix+interlock.BridgeOutputModeKey, interlock.OutputClosedLoop)
}

func (b *storeTempBridge) DisableOutput(ctx context.Context) error {
	return b.st.Publish(ctx, interlock.CommandPrefix+interlock.BridgeOutputModeKey, interlock.OutputOff)
}

func (b *storeTempBridge) DeviceTemperature(ctx context.Context) (float64, error) {
	val, err := b.st.Read(ctx, interlock.DeviceTempKey)
	if err != nil {
		return 0, err
	}
	temp, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("parse device temperature %q: %w", val, err)
	}
	return temp, nil
}
