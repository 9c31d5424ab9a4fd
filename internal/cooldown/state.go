// Package cooldown implements the ADR magnet cooldown cycle: a supervisory
// state machine that closes the heat switch, ramps and soaks the magnet,
// deramps it with the switch open, and hands off to temperature regulation,
// with abort and quench available at every point. All hardware access is
// store-mediated through the device wrappers; guards fail closed on any IO
// error and the machine re-evaluates on the next tick.
package cooldown

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// State is one phase of the cooldown cycle. Exactly one is active at a time.
type State int

const (
	StateOff State = iota
	StateHSClosing
	StateStartingRamp
	StateRamping
	StateSoaking
	StateStartingDeramp
	StateCooling
	StatePrepRegulating
	StateRegulating
	StateDeramping
)

var stateNames = map[State]string{
	StateOff:            "off",
	StateHSClosing:      "hs_closing",
	StateStartingRamp:   "starting_ramp",
	StateRamping:        "ramping",
	StateSoaking:        "soaking",
	StateStartingDeramp: "starting_deramp",
	StateCooling:        "cooling",
	StatePrepRegulating: "prep_regulating",
	StateRegulating:     "regulating",
	StateDeramping:      "deramping",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState maps a persisted state name back to its State.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateOff, fmt.Errorf("unknown cooldown state %q", name)
}

// MaxPersistedStateLife is how old a persisted state may be and still be
// trusted on restart. Older entries are discarded and recovery falls back to
// deramping.
const MaxPersistedStateLife = 3600 * time.Second

// WriteStatefile atomically rewrites the statefile with the current state and
// wall-clock time, as a single "<unix-timestamp>:<state-name>" line.
func WriteStatefile(path string, s State) error {
	line := fmt.Sprintf("%d:%s\n", time.Now().Unix(), s)
	if err := renameio.WriteFile(path, []byte(line), 0o644); err != nil {
		return fmt.Errorf("write statefile %s: %w", path, err)
	}
	return nil
}

// LoadStatefile reads the persisted state and the time it was written.
// A missing file is not an error distinct from a corrupt one: recovery treats
// both as "no trustworthy state".
func LoadStatefile(path string) (time.Time, State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, StateOff, fmt.Errorf("read statefile %s: %w", path, err)
	}
	line := strings.TrimSpace(string(data))
	ts, name, ok := strings.Cut(line, ":")
	if !ok {
		return time.Time{}, StateOff, fmt.Errorf("malformed statefile line %q", line)
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, StateOff, fmt.Errorf("malformed statefile timestamp %q: %w", ts, err)
	}
	s, err := ParseState(name)
	if err != nil {
		return time.Time{}, StateOff, err
	}
	return time.Unix(sec, 0), s, nil
}
