package cooldown

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coldloop/magnetd/internal/device"
	"github.com/coldloop/magnetd/internal/interlock"
)

type recoveryRig struct {
	fs   *interlock.Fake
	hs   *device.FakeHeatSwitch
	cs   *device.FakeCurrentSource
	tb   *device.FakeTemperatureBridge
	path string
}

func newRecoveryRig(t *testing.T) *recoveryRig {
	t.Helper()
	fs := interlock.NewFake()
	fs.Set(interlock.SoakCurrentKey, "9.44")
	return &recoveryRig{
		fs:   fs,
		hs:   &device.FakeHeatSwitch{Position: "opened"},
		cs:   &device.FakeCurrentSource{Manual: true},
		tb:   &device.FakeTemperatureBridge{},
		path: filepath.Join(t.TempDir(), "magnet.statefile"),
	}
}

func (r *recoveryRig) compute(ctx context.Context) State {
	return ComputeInitialState(ctx, r.fs, r.hs, r.cs, r.tb, r.path)
}

// writeStatefileAt drops a statefile with an arbitrary write time, which
// WriteStatefile itself never produces.
func writeStatefileAt(t *testing.T, path string, s State, written time.Time) {
	t.Helper()
	line := fmt.Sprintf("%d:%s\n", written.Unix(), s)
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		t.Fatalf("write statefile: %v", err)
	}
}

func TestRecoveryMissingStatefile(t *testing.T) {
	r := newRecoveryRig(t)
	if got := r.compute(context.Background()); got != StateDeramping {
		t.Errorf("no statefile: got %s, want deramping", got)
	}
}

func TestRecoveryStaleStatefile(t *testing.T) {
	r := newRecoveryRig(t)
	writeStatefileAt(t, r.path, StateSoaking, time.Now().Add(-4000*time.Second))
	if got := r.compute(context.Background()); got != StateDeramping {
		t.Errorf("4000 s old soaking: got %s, want deramping", got)
	}
}

func TestRecoveryRegulationSurvives(t *testing.T) {
	r := newRecoveryRig(t)
	r.cs.Manual = false
	r.tb.ClosedLoop = true
	// No statefile needed: the device modes alone prove regulation.
	if got := r.compute(context.Background()); got != StateRegulating {
		t.Errorf("summing mode + closed loop: got %s, want regulating", got)
	}
}

func TestRecoverySoakWithinToleranceResumes(t *testing.T) {
	r := newRecoveryRig(t)
	r.hs.SetPosition("closed")
	r.cs.SetCurrent(9.1) // 3.6% below 9.44, inside the 4% window
	writeStatefileAt(t, r.path, StateSoaking, time.Now().Add(-time.Minute))
	if got := r.compute(context.Background()); got != StateRamping {
		t.Errorf("soak within 4%%: got %s, want ramping", got)
	}
}

func TestRecoveryFreshRampingResumes(t *testing.T) {
	r := newRecoveryRig(t)
	r.hs.SetPosition("closed")
	r.cs.SetCurrent(9.44)
	writeStatefileAt(t, r.path, StateRamping, time.Now().Add(-time.Minute))
	if got := r.compute(context.Background()); got != StateRamping {
		t.Errorf("fresh ramping: got %s, want ramping", got)
	}
}

func TestRecoveryImpossibleCombinations(t *testing.T) {
	cases := []struct {
		name      string
		persisted State
		setup     func(r *recoveryRig)
	}{
		{"soaking with heat switch open", StateSoaking, func(r *recoveryRig) {
			r.hs.SetPosition("opened")
			r.cs.SetCurrent(5.0) // far from soak, no resume upgrade
		}},
		{"ramping with heat switch open", StateRamping, func(r *recoveryRig) {
			r.hs.SetPosition("opened")
		}},
		{"cooling with heat switch closed", StateCooling, func(r *recoveryRig) {
			r.hs.SetPosition("closed")
		}},
		{"regulating without closed loop", StateRegulating, func(r *recoveryRig) {
			r.hs.SetPosition("opened")
			r.tb.ClosedLoop = false
		}},
		{"off with current flowing", StateOff, func(r *recoveryRig) {
			r.cs.SetCurrent(2.5)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRecoveryRig(t)
			tc.setup(r)
			writeStatefileAt(t, r.path, tc.persisted, time.Now().Add(-time.Minute))
			if got := r.compute(context.Background()); got != StateDeramping {
				t.Errorf("got %s, want deramping", got)
			}
		})
	}
}

func TestRecoveryTransitionalStatesReissueCommands(t *testing.T) {
	r := newRecoveryRig(t)
	r.hs.SetPosition("closing")
	writeStatefileAt(t, r.path, StateHSClosing, time.Now().Add(-time.Minute))
	if got := r.compute(context.Background()); got != StateHSClosing {
		t.Fatalf("got %s, want hs_closing", got)
	}
	if r.hs.Closes != 1 {
		t.Errorf("heat switch closes = %d, want 1", r.hs.Closes)
	}

	r = newRecoveryRig(t)
	r.hs.SetPosition("opening")
	writeStatefileAt(t, r.path, StateStartingDeramp, time.Now().Add(-time.Minute))
	if got := r.compute(context.Background()); got != StateStartingDeramp {
		t.Fatalf("got %s, want starting_deramp", got)
	}
	if r.hs.Opens != 1 {
		t.Errorf("heat switch opens = %d, want 1", r.hs.Opens)
	}
}

func TestRecoveryIOFailureDefaultsToDeramping(t *testing.T) {
	r := newRecoveryRig(t)
	r.cs.Err = fmt.Errorf("supply unreachable")
	writeStatefileAt(t, r.path, StateSoaking, time.Now().Add(-time.Minute))
	if got := r.compute(context.Background()); got != StateDeramping {
		t.Errorf("IO failure: got %s, want deramping", got)
	}
}

func TestRecoveryClearsPersistedSchedule(t *testing.T) {
	r := newRecoveryRig(t)
	r.fs.Set(interlock.CooldownScheduledKey, "yes")
	r.fs.Set(interlock.ScheduledTimestampKey, "1767225600")

	r.compute(context.Background())

	if v, _ := r.fs.Get(interlock.CooldownScheduledKey); v != "no" {
		t.Errorf("scheduled flag = %q after restart", v)
	}
	if v, _ := r.fs.Get(interlock.ScheduledTimestampKey); v != "" {
		t.Errorf("scheduled timestamp = %q after restart", v)
	}
}
