package cooldown

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coldloop/magnetd/internal/device"
	"github.com/coldloop/magnetd/internal/interlock"
)

type testRig struct {
	ctrl *Controller
	fs   *interlock.Fake
	hs   *device.FakeHeatSwitch
	cs   *device.FakeCurrentSource
	tb   *device.FakeTemperatureBridge
	path string
}

// newRig builds a controller in the given state with sane cycle parameters
// seeded into the fake store.
func newRig(t *testing.T, initial State) *testRig {
	t.Helper()

	fs := interlock.NewFake()
	fs.Set(interlock.SoakCurrentKey, "9.44")
	fs.Set(interlock.SoakTimeKey, "3600")
	fs.Set(interlock.RampRateKey, "0.005")
	fs.Set(interlock.DerampRateKey, "0.005")
	fs.Set(interlock.RegulationTempKey, "0.1")

	hs := &device.FakeHeatSwitch{Position: "opened"}
	cs := &device.FakeCurrentSource{}
	tb := &device.FakeTemperatureBridge{}

	path := filepath.Join(t.TempDir(), "magnet.statefile")
	ctrl, err := New(Config{
		Store:      fs,
		HeatSwitch: hs,
		Source:     cs,
		Bridge:     tb,
		Statefile:  path,
		Initial:    initial,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() { ctrl.Close() })

	return &testRig{ctrl: ctrl, fs: fs, hs: hs, cs: cs, tb: tb, path: path}
}

func allStates() []State {
	return []State{
		StateOff, StateHSClosing, StateStartingRamp, StateRamping, StateSoaking,
		StateStartingDeramp, StateCooling, StatePrepRegulating, StateRegulating,
		StateDeramping,
	}
}

func TestNoOpTickLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()

	// Per-state configuration under which no guard fires.
	hold := map[State]func(r *testRig){
		StateOff:            func(r *testRig) {},
		StateHSClosing:      func(r *testRig) { r.hs.SetPosition("closing") },
		StateStartingRamp:   func(r *testRig) { r.hs.SetPosition("closed") }, // not in manual mode
		StateRamping:        func(r *testRig) { r.hs.SetPosition("closed"); r.cs.SetCurrent(9.0) },
		StateSoaking:        func(r *testRig) { r.hs.SetPosition("closed"); r.cs.SetCurrent(9.44) },
		StateStartingDeramp: func(r *testRig) { r.hs.SetPosition("closed") },
		StateCooling:        func(r *testRig) { r.hs.SetPosition("opened"); r.tb.SetTemperature(1.0) },
		StatePrepRegulating: func(r *testRig) { r.hs.SetPosition("opened"); r.tb.SetTemperature(0.12) },
		StateRegulating: func(r *testRig) {
			r.hs.SetPosition("opened")
			r.tb.SetTemperature(0.1)
			r.tb.ClosedLoop = true
		},
		StateDeramping: func(r *testRig) { r.cs.SetCurrent(5.0) },
	}

	for _, s := range allStates() {
		r := newRig(t, s)
		hold[s](r)
		r.ctrl.Tick(ctx)
		if got := r.ctrl.State(); got != s {
			t.Errorf("state %s: no-op tick moved to %s", s, got)
		}
	}
}

func TestQuenchFromAnyState(t *testing.T) {
	ctx := context.Background()

	for _, s := range allStates() {
		r := newRig(t, s)
		r.cs.SetCurrent(9.0)
		r.ctrl.Quench(ctx)

		if got := r.ctrl.State(); got != StateOff {
			t.Errorf("quench from %s: got %s, want off", s, got)
		}
		if r.cs.KillCount() != 1 {
			t.Errorf("quench from %s: kill count %d", s, r.cs.KillCount())
		}
		if _, persisted, err := LoadStatefile(r.path); err != nil || persisted != StateOff {
			t.Errorf("quench from %s: persisted %v (%v)", s, persisted, err)
		}
	}
}

func TestAbortFromAnyState(t *testing.T) {
	ctx := context.Background()

	for _, s := range allStates() {
		r := newRig(t, s)
		r.ctrl.Abort(ctx)
		if got := r.ctrl.State(); got != StateDeramping {
			t.Errorf("abort from %s: got %s, want deramping", s, got)
		}
	}
}

func TestSoakToleranceBoundary(t *testing.T) {
	ctx := context.Background()

	// diff ~3.07%: outside the 3% window, must keep ramping.
	r := newRig(t, StateRamping)
	r.hs.SetPosition("closed")
	r.fs.Set(interlock.SoakCurrentKey, "9.44")
	r.cs.SetCurrent(9.15)
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateRamping {
		t.Errorf("9.15 A vs 9.44 A: got %s, want ramping", got)
	}

	// diff ~0.5%: within tolerance, move to soaking.
	r.fs.Set(interlock.SoakCurrentKey, "9.20")
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateSoaking {
		t.Errorf("9.15 A vs 9.20 A: got %s, want soaking", got)
	}
}

func TestRampNotProgressingFallsBack(t *testing.T) {
	ctx := context.Background()

	r := newRig(t, StateRamping)
	r.hs.SetPosition("closed")

	r.cs.SetCurrent(5.0)
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateRamping {
		t.Fatalf("first sample: got %s, want ramping", got)
	}

	// Current falling during a ramp-up: the fallback must fire.
	r.cs.SetCurrent(4.9)
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateDeramping {
		t.Errorf("falling current: got %s, want deramping", got)
	}
}

func TestFullCooldownCycle(t *testing.T) {
	ctx := context.Background()

	r := newRig(t, StateOff)
	r.hs.SetPosition("opened")

	if err := r.ctrl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := r.ctrl.State(); got != StateHSClosing {
		t.Fatalf("after start: %s", got)
	}
	if r.hs.Closes != 1 || r.tb.Disables != 1 || r.cs.ManualSet != 1 {
		t.Errorf("start preparation: closes=%d disables=%d manual=%d",
			r.hs.Closes, r.tb.Disables, r.cs.ManualSet)
	}

	// Heat switch lands closed, bridge output off.
	r.hs.SetPosition("closed")
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateStartingRamp {
		t.Fatalf("after hs closed: %s", got)
	}

	// Source confirmed in manual mode (set during start): ramp begins.
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateRamping {
		t.Fatalf("after manual confirmed: %s", got)
	}
	if len(r.cs.RampUps) != 1 || r.cs.RampUps[0] != 9.44 {
		t.Errorf("ramp up targets: %v", r.cs.RampUps)
	}

	// Current reaches soak level.
	r.cs.SetCurrent(9.44)
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateSoaking {
		t.Fatalf("at soak current: %s", got)
	}

	// Soak dwell elapses (collapse it to zero).
	r.fs.Set(interlock.SoakTimeKey, "0")
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateStartingDeramp {
		t.Fatalf("after soak expired: %s", got)
	}
	if r.hs.Opens != 1 {
		t.Errorf("heat switch opens = %d, want 1", r.hs.Opens)
	}

	// Switch confirmed open: deramp to zero begins.
	r.hs.SetPosition("opened")
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateCooling {
		t.Fatalf("after hs opened: %s", got)
	}
	if len(r.cs.RampDowns) != 1 || r.cs.RampDowns[0] != 0 {
		t.Errorf("ramp down targets: %v", r.cs.RampDowns)
	}

	// Device stage reaches 1.5x the 0.1 K setpoint.
	r.tb.SetTemperature(0.12)
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StatePrepRegulating {
		t.Fatalf("device cold: %s", got)
	}

	// First prep tick commands closed loop; the next confirms it.
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StatePrepRegulating {
		t.Fatalf("prep before closed loop confirmed: %s", got)
	}
	if r.tb.Enables == 0 {
		t.Error("closed loop output never commanded")
	}
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateRegulating {
		t.Fatalf("after closed loop confirmed: %s", got)
	}

	// Temperature runaway with the upper limit enforced ends regulation.
	r.fs.Set(interlock.RegulationUpperLimitKey, "on")
	r.tb.SetTemperature(0.2)
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateDeramping {
		t.Fatalf("after runaway: %s", got)
	}

	// Current confirmed at the noise floor in manual mode: cycle is off.
	r.cs.SetCurrent(0.001)
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateOff {
		t.Fatalf("after deramp complete: %s", got)
	}
	if r.cs.KillCount() == 0 {
		t.Error("current never killed on off entry")
	}
}

func TestStartWhileCycleRunning(t *testing.T) {
	r := newRig(t, StateRamping)
	if err := r.ctrl.Start(context.Background()); !errors.Is(err, ErrCooldownInProgress) {
		t.Errorf("expected ErrCooldownInProgress, got %v", err)
	}
}

func TestStartFailsWhenPreparationFails(t *testing.T) {
	r := newRig(t, StateOff)
	r.hs.Err = errors.New("motor controller unreachable")

	if err := r.ctrl.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
	if got := r.ctrl.State(); got != StateOff {
		t.Errorf("failed start moved state to %s", got)
	}
}

func TestGuardIOFailureFailsClosed(t *testing.T) {
	ctx := context.Background()

	r := newRig(t, StateHSClosing)
	r.hs.SetPosition("closed")
	r.hs.Err = errors.New("position read timeout")

	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateHSClosing {
		t.Errorf("IO failure advanced state to %s", got)
	}
}

func TestEntryActionFailureRetriesNextTick(t *testing.T) {
	ctx := context.Background()

	r := newRig(t, StateDeramping)
	r.cs.SetCurrent(0.0)
	r.cs.Manual = true
	r.tb.Err = errors.New("bridge unreachable")

	// Guard holds but the entry action fails: no transition this tick.
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateDeramping {
		t.Fatalf("failed entry action committed: %s", got)
	}

	r.tb.Err = nil
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateOff {
		t.Errorf("retry after cleared fault: %s", got)
	}
}

func TestCurrentOffNoiseFloor(t *testing.T) {
	ctx := context.Background()

	r := newRig(t, StateDeramping)
	r.cs.Manual = true

	r.cs.SetCurrent(0.004) // just above 3 mA
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateDeramping {
		t.Fatalf("4 mA treated as off: %s", got)
	}

	r.cs.SetCurrent(-0.002) // magnitude below floor
	r.ctrl.Tick(ctx)
	if got := r.ctrl.State(); got != StateOff {
		t.Errorf("2 mA not treated as off: %s", got)
	}
}

func TestMinTimeUntilCool(t *testing.T) {
	r := newRig(t, StateOff)
	r.cs.SetCurrent(0)

	// (9.44-0)/0.005 + 3600 + 9.44/0.005 = 7376 s
	d, err := r.ctrl.MinTimeUntilCool(context.Background())
	if err != nil {
		t.Fatalf("min time: %v", err)
	}
	want := time.Duration(7376) * time.Second
	if diff := d - want; diff < -time.Millisecond || diff > time.Millisecond {
		t.Errorf("expected %s, got %s", want, d)
	}
}

func TestStatusString(t *testing.T) {
	ctx := context.Background()

	r := newRig(t, StateOff)
	if got := r.ctrl.Status(ctx); got != "off" {
		t.Errorf("off status = %q", got)
	}

	r = newRig(t, StateDeramping)
	r.cs.SetCurrent(1.0)
	got := r.ctrl.Status(ctx)
	if !strings.HasPrefix(got, "deramping, cold in ") {
		t.Errorf("deramping status = %q", got)
	}
}

func TestTickPublishesStateAndStatus(t *testing.T) {
	ctx := context.Background()

	r := newRig(t, StateRamping)
	r.hs.SetPosition("closed")
	r.cs.SetCurrent(9.44)
	r.ctrl.Tick(ctx)

	if v, _ := r.fs.Get(interlock.MagnetStateKey); v != "soaking" {
		t.Errorf("published state = %q", v)
	}
	if v, _ := r.fs.Get(interlock.MagnetStatusKey); !strings.HasPrefix(v, "soaking") {
		t.Errorf("published status = %q", v)
	}
}

func TestFinalDerampConfirmsZeroCurrent(t *testing.T) {
	ctx := context.Background()

	r := newRig(t, StateSoaking)
	r.cs.SetCurrent(0.001) // under the noise floor

	if err := r.ctrl.RunFinalDeramp(ctx); err != nil {
		t.Fatalf("final deramp: %v", err)
	}

	if got := r.ctrl.State(); got != StateDeramping {
		t.Errorf("expected deramping committed, got %s", got)
	}
	if _, persisted, err := LoadStatefile(r.path); err != nil || persisted != StateDeramping {
		t.Errorf("persisted state = %s, err = %v", persisted, err)
	}
	if len(r.cs.RampDowns) != 1 || r.cs.RampDowns[0] != 0 {
		t.Errorf("ramp downs = %v, want one ramp to 0", r.cs.RampDowns)
	}
}

func TestFinalDerampTimesOutWithCurrentFlowing(t *testing.T) {
	r := newRig(t, StateRegulating)
	r.cs.SetCurrent(5.0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := r.ctrl.RunFinalDeramp(ctx)
	if err == nil {
		t.Fatal("expected an error with current still flowing")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if len(r.cs.RampDowns) == 0 {
		t.Error("expected a ramp down to be commanded before giving up")
	}
}
