package cooldown

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/coldloop/magnetd/internal/device"
	"github.com/coldloop/magnetd/internal/interlock"
)

// ComputeInitialState decides which state to resume in after a restart.
// Deramping is the universally safe default: it always drives the current to
// zero. A schedule never survives a restart; the operator must re-schedule.
func ComputeInitialState(ctx context.Context, st interlock.Store,
	hs device.HeatSwitch, cs device.CurrentSource, tb device.TemperatureBridge,
	statefile string) State {

	if err := st.Write(ctx, map[string]string{
		interlock.CooldownScheduledKey:  "no",
		interlock.ScheduledTimestampKey: "",
	}); err != nil {
		log.Printf("recovery: clear persisted schedule: %v", err)
	}

	initial, err := computeInitialState(ctx, st, hs, cs, tb, statefile)
	if err != nil {
		log.Printf("recovery: %v; defaulting to deramping", err)
		initial = StateDeramping
	}
	log.Printf("recovery: initial state is %s", initial)
	return initial
}

func computeInitialState(ctx context.Context, st interlock.Store,
	hs device.HeatSwitch, cs device.CurrentSource, tb device.TemperatureBridge,
	statefile string) (State, error) {

	// Current already flowing under active (summing) control with the bridge
	// closed loop up means a regulation survived the restart. The heat
	// switch is not re-derived here: if it is wrongly closed, the first
	// regulating guard check falls through to deramping on its own.
	manual, err := cs.IsInManualMode(ctx)
	if err != nil {
		return StateDeramping, err
	}
	if !manual {
		closedLoop, err := tb.IsInClosedLoopOutput(ctx)
		if err != nil {
			return StateDeramping, err
		}
		if closedLoop {
			return StateRegulating, nil
		}
	}

	written, persisted, err := LoadStatefile(statefile)
	if err != nil {
		log.Printf("recovery: no usable statefile: %v", err)
		return StateDeramping, nil
	}
	if age := time.Since(written); age > MaxPersistedStateLife {
		log.Printf("recovery: persisted state %s is %s old, discarding", persisted, age.Round(time.Second))
		return StateDeramping, nil
	}
	initial := persisted

	// A soak interrupted while the current still closely matches the soak
	// level is recoverable: treat it as still approaching soak.
	if initial == StateSoaking {
		cur, err := cs.CurrentNow(ctx)
		if err != nil {
			return StateDeramping, err
		}
		soakStr, readErr := st.Read(ctx, interlock.SoakCurrentKey)
		if readErr != nil {
			return StateDeramping, readErr
		}
		soak, parseErr := parseFloat(soakStr)
		if parseErr != nil || soak <= 0 {
			return StateDeramping, nil
		}
		if math.Abs(cur-soak)/soak <= RecoverySoakTolerance {
			initial = StateRamping
		}
	}

	// Re-issue the command implied by a transitional state so hardware and
	// software cannot silently diverge across the restart.
	switch initial {
	case StateHSClosing:
		if err := hs.Close(ctx); err != nil {
			log.Printf("recovery: re-issue heat switch close: %v", err)
		}
	case StateStartingDeramp:
		if err := hs.Open(ctx); err != nil {
			log.Printf("recovery: re-issue heat switch open: %v", err)
		}
	}

	opened, err := hs.IsOpened(ctx)
	if err != nil {
		return StateDeramping, err
	}

	// Impossible combinations: the persisted state contradicts what the
	// hardware reports, so the two are out of sync. Deramp to off.
	switch initial {
	case StateRamping, StateSoaking:
		if opened {
			log.Printf("recovery: persisted %s but heat switch is open", initial)
			return StateDeramping, nil
		}
	case StateCooling, StatePrepRegulating, StateRegulating:
		if !opened {
			log.Printf("recovery: persisted %s but heat switch is closed", initial)
			return StateDeramping, nil
		}
		if initial == StateRegulating {
			closedLoop, err := tb.IsInClosedLoopOutput(ctx)
			if err != nil {
				return StateDeramping, err
			}
			if !closedLoop {
				log.Printf("recovery: persisted regulating but bridge output is not closed loop")
				return StateDeramping, nil
			}
		}
	case StateOff:
		cur, err := cs.CurrentNow(ctx)
		if err != nil {
			return StateDeramping, err
		}
		if math.Abs(cur) > NoiseFloorAmps {
			log.Printf("recovery: persisted off but %.3f A is flowing", cur)
			return StateDeramping, nil
		}
	}

	return initial, nil
}
