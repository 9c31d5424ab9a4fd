package cooldown

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/coldloop/magnetd/internal/interlock"
)

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// MaxCurrent is the magnet's rated envelope in amps. Soak currents above it
// are rejected at the command boundary.
const MaxCurrent = 10.0

// CycleParams are the operator-editable cooldown parameters. They are read
// from the store at every transition evaluation, so operator edits take
// effect between ticks.
type CycleParams struct {
	SoakCurrent    float64 // A
	SoakTime       float64 // s
	RampRate       float64 // A/s
	DerampRate     float64 // A/s, stored positive
	RegulationTemp float64 // K
}

// readParams pulls the current cycle parameters from the store.
func readParams(ctx context.Context, st interlock.Store) (CycleParams, error) {
	var p CycleParams
	for _, field := range []struct {
		key string
		dst *float64
	}{
		{interlock.SoakCurrentKey, &p.SoakCurrent},
		{interlock.SoakTimeKey, &p.SoakTime},
		{interlock.RampRateKey, &p.RampRate},
		{interlock.DerampRateKey, &p.DerampRate},
		{interlock.RegulationTempKey, &p.RegulationTemp},
	} {
		val, err := st.Read(ctx, field.key)
		if err != nil {
			return CycleParams{}, fmt.Errorf("read %s: %w", field.key, err)
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return CycleParams{}, fmt.Errorf("parse %s=%q: %w", field.key, val, err)
		}
		*field.dst = f
	}
	return p, nil
}

// ValidateSetting checks an operator-supplied cycle setting before it is
// stored. Unknown keys and out-of-range values are rejected; accepted values
// are stored verbatim by the caller.
func ValidateSetting(key, value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%s: not a number: %q", key, value)
	}
	switch key {
	case interlock.SoakCurrentKey:
		if f <= 0 || f > MaxCurrent {
			return fmt.Errorf("%s: %v A outside (0, %v]", key, f, MaxCurrent)
		}
	case interlock.SoakTimeKey:
		if f < 0 {
			return fmt.Errorf("%s: negative soak time %v", key, f)
		}
	case interlock.RampRateKey, interlock.DerampRateKey:
		if f <= 0 {
			return fmt.Errorf("%s: rate must be strictly positive, got %v", key, f)
		}
	case interlock.RegulationTempKey:
		if f <= 0 || f > 4.0 {
			return fmt.Errorf("%s: %v K outside (0, 4]", key, f)
		}
	default:
		return fmt.Errorf("unknown setting key %q", key)
	}
	return nil
}
