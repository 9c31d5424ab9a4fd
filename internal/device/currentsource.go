package device

import (
	"context"
	"fmt"
	"strconv"

	"github.com/coldloop/magnetd/internal/interlock"
)

// CurrentSource programs the magnet power supply. Ramps are expressed to the
// driver monitor as a rate followed by a target; the supply slews to the
// target at the programmed rate.
type CurrentSource interface {
	CurrentNow(ctx context.Context) (float64, error)
	StartRampUp(ctx context.Context, target float64) error
	StartRampDown(ctx context.Context, target float64) error
	KillCurrent(ctx context.Context) error
	IsInManualMode(ctx context.Context) (bool, error)
	SetManualMode(ctx context.Context) error
}

type storeCurrentSource struct {
	st interlock.Store
}

// NewCurrentSource returns a store-mediated CurrentSource.
func NewCurrentSource(st interlock.Store) CurrentSource {
	return &storeCurrentSource{st: st}
}

func (c *storeCurrentSource) CurrentNow(ctx context.Context) (float64, error) {
	val, err := c.st.Read(ctx, interlock.MagnetCurrentKey)
	if err != nil {
		return 0, err
	}
	cur, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("parse magnet current %q: %w", val, err)
	}
	return cur, nil
}

// StartRampUp programs the cycle ramp rate, then the target current.
func (c *storeCurrentSource) StartRampUp(ctx context.Context, target float64) error {
	rate, err := c.st.Read(ctx, interlock.RampRateKey)
	if err != nil {
		return fmt.Errorf("read ramp rate: %w", err)
	}
	return c.program(ctx, rate, target)
}

// StartRampDown programs the cycle deramp rate, then the target current.
func (c *storeCurrentSource) StartRampDown(ctx context.Context, target float64) error {
	rate, err := c.st.Read(ctx, interlock.DerampRateKey)
	if err != nil {
		return fmt.Errorf("read deramp rate: %w", err)
	}
	return c.program(ctx, rate, target)
}

func (c *storeCurrentSource) program(ctx context.Context, rate string, target float64) error {
	if err := c.st.Publish(ctx, interlock.CommandPrefix+interlock.SourceRampRateKey, rate); err != nil {
		return fmt.Errorf("program ramp rate: %w", err)
	}
	cur := strconv.FormatFloat(target, 'g', -1, 64)
	if err := c.st.Publish(ctx, interlock.CommandPrefix+interlock.SourceDesiredCurrentKey, cur); err != nil {
		return fmt.Errorf("program desired current: %w", err)
	}
	return nil
}

// KillCurrent zeroes the programmed current without a rate change. The supply
// drops its output as fast as the hardware allows.
func (c *storeCurrentSource) KillCurrent(ctx context.Context) error {
	return c.st.Publish(ctx, interlock.CommandPrefix+interlock.SourceDesiredCurrentKey, "0")
}

func (c *storeCurrentSource) IsInManualMode(ctx context.Context) (bool, error) {
	mode, err := c.st.Read(ctx, interlock.SourceModeKey)
	if err != nil {
		return false, err
	}
	return mode == interlock.ModeManual, nil
}

func (c *storeCurrentSource) SetManualMode(ctx context.Context) error {
	return c.st.Publish(ctx, interlock.CommandPrefix+interlock.SourceModeKey, interlock.ModeManual)
}
