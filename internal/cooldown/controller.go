package cooldown

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/coldloop/magnetd/internal/device"
	"github.com/coldloop/magnetd/internal/interlock"
)

const (
	// TickInterval is the supervisory loop period.
	TickInterval = time.Second

	// SoakTolerance is the relative tolerance for "current at soak level".
	SoakTolerance = 0.03

	// RecoverySoakTolerance is the looser window used only when deciding
	// whether a persisted soak survived a restart.
	RecoverySoakTolerance = 0.04

	// NoiseFloorAmps is the supply's read noise; below it the current is off.
	NoiseFloorAmps = 0.003

	// RegulationMargin is the multiplicative headroom over the regulation
	// setpoint within which the device counts as regulatable.
	RegulationMargin = 1.5

	// recentWindow is how many current samples the progress checks keep.
	recentWindow = 5
)

// ErrCooldownInProgress is returned when a start or schedule arrives while a
// cycle is already past deramping/off.
var ErrCooldownInProgress = errors.New("cooldown already in progress")

// CycleLog receives lifecycle notifications for telemetry. Implementations
// must not call back into the Controller.
type CycleLog interface {
	CycleStarted(trigger string, p CycleParams)
	Transition(from, to State)
	CycleFinished(final State)
}

// Config assembles a Controller.
type Config struct {
	Store      interlock.Store
	HeatSwitch device.HeatSwitch
	Source     device.CurrentSource
	Bridge     device.TemperatureBridge
	Statefile  string
	Interval   time.Duration // defaults to TickInterval
	Initial    State         // from ComputeInitialState
	Log        CycleLog      // optional
}

// Controller is the cooldown state machine. A single mutex serializes the
// tick loop against externally arriving triggers (start/abort/quench) and the
// scheduler's deferred fire, so at most one transition commits per tick.
type Controller struct {
	mu        sync.Mutex
	state     State
	entryTime map[State]time.Time
	recent    []float64 // recent current samples, newest last

	st        interlock.Store
	hs        device.HeatSwitch
	cs        device.CurrentSource
	tb        device.TemperatureBridge
	statefile string
	interval  time.Duration

	cycleLog  CycleLog
	cycleOpen bool

	sched       gocron.Scheduler
	schedJob    gocron.Job
	schedTarget time.Time
}

// New builds a Controller in cfg.Initial and publishes that state. The
// embedded scheduler is started; callers must Close the controller to stop it.
func New(cfg Config) (*Controller, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = TickInterval
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	c := &Controller{
		state:     cfg.Initial,
		entryTime: map[State]time.Time{cfg.Initial: time.Now()},
		st:        cfg.Store,
		hs:        cfg.HeatSwitch,
		cs:        cfg.Source,
		tb:        cfg.Bridge,
		statefile: cfg.Statefile,
		interval:  cfg.Interval,
		cycleLog:  cfg.Log,
		sched:     sched,
	}
	c.sched.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.st.Write(ctx, map[string]string{interlock.MagnetStateKey: c.state.String()}); err != nil {
		log.Printf("cooldown: publish initial state: %v", err)
	}
	if c.statefile != "" {
		if err := WriteStatefile(c.statefile, c.state); err != nil {
			log.Printf("cooldown: %v", err)
		}
	}
	return c, nil
}

// Close stops the embedded scheduler.
func (c *Controller) Close() error {
	return c.sched.Shutdown()
}

// State returns the active cooldown state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run executes the tick loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick evaluates the active state's transition rules once and applies at most
// one transition. Safe to call with no transition available.
func (c *Controller) Tick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, err := c.cs.CurrentNow(ctx); err == nil {
		c.recent = append(c.recent, cur)
		if len(c.recent) > recentWindow {
			c.recent = c.recent[len(c.recent)-recentWindow:]
		}
	}

	c.stepLocked(ctx)
	c.publishStatusLocked(ctx)
}

// stepLocked is the transition table. Guards are evaluated top to bottom; the
// first satisfied guard wins; every guard converts IO failure to false. An
// entry action that fails aborts the transition for this tick; the same
// guard re-evaluates on the next one.
func (c *Controller) stepLocked(ctx context.Context) {
	switch c.state {
	case StateOff:
		// Stay put. Current appearing while off means the supply itself
		// is broken; there is nothing this loop could do about it.

	case StateHSClosing:
		if c.heatswitchClosed(ctx) && c.bridgeOutputOff(ctx) {
			c.commitLocked(ctx, StateStartingRamp)
			return
		}
		// Keep commanding the close until the motor reports closed.
		if err := c.hs.Close(ctx); err != nil {
			log.Printf("cooldown: re-issue heat switch close: %v", err)
		}

	case StateStartingRamp:
		if c.heatswitchClosed(ctx) && c.sourceManual(ctx) {
			p, err := readParams(ctx, c.st)
			if err != nil {
				log.Printf("cooldown: read cycle params: %v", err)
				return
			}
			if err := c.cs.StartRampUp(ctx, p.SoakCurrent); err != nil {
				log.Printf("cooldown: start ramp up: %v", err)
				return
			}
			c.commitLocked(ctx, StateRamping)
		}

	case StateRamping:
		switch {
		case c.currentReadyToSoak(ctx):
			c.commitLocked(ctx, StateSoaking)
		case c.rampProgressingLocked():
			// still climbing
		default:
			c.commitLocked(ctx, StateDeramping)
		}

	case StateSoaking:
		atSoak := c.currentReadyToSoak(ctx)
		switch {
		case atSoak && c.soakTimeExpired(ctx):
			if err := c.hs.Open(ctx); err != nil {
				log.Printf("cooldown: open heat switch: %v", err)
				return
			}
			c.commitLocked(ctx, StateStartingDeramp)
		case atSoak:
			// dwell
		default:
			// Current fell away from the soak level mid-soak:
			// something is quite wrong, drive it to zero.
			c.commitLocked(ctx, StateDeramping)
		}

	case StateStartingDeramp:
		if c.heatswitchOpened(ctx) {
			if err := c.cs.StartRampDown(ctx, 0); err != nil {
				log.Printf("cooldown: start deramp: %v", err)
				return
			}
			c.commitLocked(ctx, StateCooling)
			return
		}
		if err := c.hs.Open(ctx); err != nil {
			log.Printf("cooldown: re-issue heat switch open: %v", err)
		}

	case StateCooling:
		switch {
		case c.heatswitchOpened(ctx) && c.deviceReadyForRegulate(ctx):
			c.commitLocked(ctx, StatePrepRegulating)
		case c.heatswitchClosed(ctx):
			// The switch closing mid-cool defeats the demagnetization.
			c.commitLocked(ctx, StateDeramping)
		}

	case StatePrepRegulating:
		if c.heatswitchOpened(ctx) && c.deviceReadyForRegulate(ctx) && c.bridgeClosedLoop(ctx) {
			c.commitLocked(ctx, StateRegulating)
			return
		}
		if err := c.tb.EnableClosedLoopOutput(ctx); err != nil {
			log.Printf("cooldown: enable closed loop output: %v", err)
		}

	case StateRegulating:
		if !(c.deviceRegulatable(ctx) && c.bridgeClosedLoop(ctx)) {
			c.commitLocked(ctx, StateDeramping)
		}

	case StateDeramping:
		if c.currentOff(ctx) && c.sourceManual(ctx) {
			if err := c.tb.DisableOutput(ctx); err != nil {
				log.Printf("cooldown: disable bridge output: %v", err)
				return
			}
			if err := c.cs.KillCurrent(ctx); err != nil {
				log.Printf("cooldown: kill current: %v", err)
				return
			}
			c.commitLocked(ctx, StateOff)
			return
		}
		if err := c.cs.StartRampDown(ctx, 0); err != nil {
			log.Printf("cooldown: re-issue deramp: %v", err)
		}
	}
}

// commitLocked records entry time, publishes and persists the new state, and
// notifies the cycle log. Publication failures are logged, not rolled back:
// the decision stands and status heals on a later tick.
func (c *Controller) commitLocked(ctx context.Context, to State) {
	from := c.state
	c.state = to
	c.entryTime[to] = time.Now()
	log.Printf("cooldown: %s -> %s", from, to)

	if c.statefile != "" {
		if err := WriteStatefile(c.statefile, to); err != nil {
			log.Printf("cooldown: %v", err)
		}
	}
	if err := c.st.Write(ctx, map[string]string{interlock.MagnetStateKey: to.String()}); err != nil {
		log.Printf("cooldown: publish state: %v", err)
	}

	if c.cycleLog != nil {
		c.cycleLog.Transition(from, to)
		if c.cycleOpen && (to == StateOff || to == StateRegulating) {
			c.cycleLog.CycleFinished(to)
			c.cycleOpen = false
		}
	}
}

// Start begins a cooldown from off or deramping: close the heat switch, drop
// the bridge output, and put the supply under manual control. Any preparation
// failure fails the start.
func (c *Controller) Start(ctx context.Context) error {
	return c.startWithTrigger(ctx, "get-cold")
}

func (c *Controller) startWithTrigger(ctx context.Context, trigger string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOff && c.state != StateDeramping {
		return ErrCooldownInProgress
	}
	if err := c.hs.Close(ctx); err != nil {
		return fmt.Errorf("close heat switch: %w", err)
	}
	if err := c.tb.DisableOutput(ctx); err != nil {
		return fmt.Errorf("disable bridge output: %w", err)
	}
	if err := c.cs.SetManualMode(ctx); err != nil {
		return fmt.Errorf("set manual mode: %w", err)
	}

	if c.cycleLog != nil {
		p, err := readParams(ctx, c.st)
		if err != nil {
			log.Printf("cooldown: read cycle params for log: %v", err)
		}
		c.cycleLog.CycleStarted(trigger, p)
		c.cycleOpen = true
	}
	c.commitLocked(ctx, StateHSClosing)
	return nil
}

// Abort cancels any scheduled cooldown and drives the cycle to deramping.
// It always succeeds, from any state.
func (c *Controller) Abort(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelScheduleLocked(ctx)
	c.commitLocked(ctx, StateDeramping)
}

// Quench is the emergency stop: kill the current and force off, bypassing
// every guard. Current safety trumps clean shutdown, so a failed kill is
// logged but does not block the state change.
func (c *Controller) Quench(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.cs.KillCurrent(ctx); err != nil {
		log.Printf("cooldown: quench kill current: %v", err)
	}
	c.cancelScheduleLocked(ctx)
	c.commitLocked(ctx, StateOff)
}

// Status is the operator-facing one-liner: state, estimated time to cold when
// a cycle is underway, and the scheduled-cooldown target when one is pending.
func (c *Controller) Status(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(ctx)
}

func (c *Controller) statusLocked(ctx context.Context) string {
	s := c.state.String()
	if c.state != StateOff && c.state != StateRegulating {
		if d, err := c.minTimeLocked(ctx); err == nil {
			s += fmt.Sprintf(", cold in %s", d.Round(time.Second))
		}
	}
	if !c.schedTarget.IsZero() {
		s += fmt.Sprintf(", cooldown scheduled for %s", c.schedTarget.Format(time.RFC3339))
	}
	return s
}

func (c *Controller) publishStatusLocked(ctx context.Context) {
	if err := c.st.Write(ctx, map[string]string{interlock.MagnetStatusKey: c.statusLocked(ctx)}); err != nil {
		log.Printf("cooldown: publish status: %v", err)
	}
}

// MinTimeUntilCool estimates the remaining time to reach cold from the
// active state: remaining ramp time, plus soak time, plus deramp time,
// computed piecewise for whichever phase is active.
func (c *Controller) MinTimeUntilCool(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minTimeLocked(ctx)
}

func (c *Controller) minTimeLocked(ctx context.Context) (time.Duration, error) {
	p, err := readParams(ctx, c.st)
	if err != nil {
		return 0, err
	}
	cur := c.latestCurrentLocked(ctx)

	var secs float64
	switch c.state {
	case StateOff, StateHSClosing, StateStartingRamp, StateRamping:
		secs = (p.SoakCurrent-cur)/p.RampRate + p.SoakTime + p.SoakCurrent/p.DerampRate
	case StateSoaking, StateStartingDeramp:
		remaining := p.SoakTime - time.Since(c.entryTime[StateSoaking]).Seconds()
		if remaining < 0 {
			remaining = 0
		}
		secs = remaining + p.SoakCurrent/p.DerampRate
	case StateCooling, StateDeramping:
		secs = math.Abs(cur) / p.DerampRate
	case StatePrepRegulating, StateRegulating:
		secs = 0
	}
	if secs < 0 {
		secs = 0
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (c *Controller) latestCurrentLocked(ctx context.Context) float64 {
	if len(c.recent) > 0 {
		return c.recent[len(c.recent)-1]
	}
	cur, err := c.cs.CurrentNow(ctx)
	if err != nil {
		return 0
	}
	return cur
}

// ---------------------------------------------------------------------------
// Guards. Every guard converts IO failure to false: never assume success.
// ---------------------------------------------------------------------------

func (c *Controller) heatswitchClosed(ctx context.Context) bool {
	closed, err := c.hs.IsClosed(ctx)
	return err == nil && closed
}

func (c *Controller) heatswitchOpened(ctx context.Context) bool {
	opened, err := c.hs.IsOpened(ctx)
	return err == nil && opened
}

func (c *Controller) sourceManual(ctx context.Context) bool {
	manual, err := c.cs.IsInManualMode(ctx)
	return err == nil && manual
}

func (c *Controller) bridgeClosedLoop(ctx context.Context) bool {
	cl, err := c.tb.IsInClosedLoopOutput(ctx)
	return err == nil && cl
}

func (c *Controller) bridgeOutputOff(ctx context.Context) bool {
	cl, err := c.tb.IsInClosedLoopOutput(ctx)
	return err == nil && !cl
}

// currentReadyToSoak is true when the measured current is within
// SoakTolerance of the configured soak current, or already past it.
func (c *Controller) currentReadyToSoak(ctx context.Context) bool {
	cur, err := c.cs.CurrentNow(ctx)
	if err != nil {
		return false
	}
	soakStr, err := c.st.Read(ctx, interlock.SoakCurrentKey)
	if err != nil {
		return false
	}
	soak, err := parseFloat(soakStr)
	if err != nil || soak <= 0 {
		return false
	}
	diff := (cur - soak) / soak
	return math.Abs(diff) <= SoakTolerance || cur >= soak
}

func (c *Controller) soakTimeExpired(ctx context.Context) bool {
	entered, ok := c.entryTime[StateSoaking]
	if !ok {
		return false
	}
	soakStr, err := c.st.Read(ctx, interlock.SoakTimeKey)
	if err != nil {
		return false
	}
	soakTime, err := parseFloat(soakStr)
	if err != nil {
		return false
	}
	return time.Since(entered).Seconds() >= soakTime
}

// currentOff requires the supply to read at or below the noise floor.
func (c *Controller) currentOff(ctx context.Context) bool {
	cur, err := c.cs.CurrentNow(ctx)
	return err == nil && math.Abs(cur) <= NoiseFloorAmps
}

func (c *Controller) deviceReadyForRegulate(ctx context.Context) bool {
	temp, err := c.tb.DeviceTemperature(ctx)
	if err != nil {
		return false
	}
	regStr, err := c.st.Read(ctx, interlock.RegulationTempKey)
	if err != nil {
		return false
	}
	reg, err := parseFloat(regStr)
	if err != nil {
		return false
	}
	return temp <= RegulationMargin*reg
}

// deviceRegulatable enforces the regulation upper limit only when the
// engineering flag is on; the flag is read directly from the store and is
// deliberately not commandable.
func (c *Controller) deviceRegulatable(ctx context.Context) bool {
	flag, err := c.st.Read(ctx, interlock.RegulationUpperLimitKey)
	if err != nil || flag != "on" {
		return true
	}
	return c.deviceReadyForRegulate(ctx)
}

// rampProgressingLocked checks the recent current samples for upward motion.
// With fewer than two samples there is nothing to condemn yet.
func (c *Controller) rampProgressingLocked() bool {
	r := c.recent
	if len(r) < 2 {
		return true
	}
	rising := 0
	for i := 1; i < len(r); i++ {
		if r[i] > r[i-1] {
			rising++
		}
	}
	if rising >= 3 {
		return true
	}
	return r[len(r)-1] >= r[len(r)-2]
}

// RunFinalDeramp is the last-ditch shutdown used when the interlock store is
// permanently lost: force deramping, keep commanding the ramp down, and poll
// until the current is confirmed at the noise floor or ctx expires.
func (c *Controller) RunFinalDeramp(ctx context.Context) error {
	c.mu.Lock()
	c.cancelScheduleLocked(ctx)
	c.commitLocked(ctx, StateDeramping)
	c.mu.Unlock()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		if err := c.cs.StartRampDown(ctx, 0); err != nil {
			log.Printf("cooldown: final deramp command: %v", err)
		}
		if cur, err := c.cs.CurrentNow(ctx); err == nil {
			if math.Abs(cur) <= NoiseFloorAmps {
				return nil
			}
			log.Printf("cooldown: waiting for magnet to deramp from %.3f A before exiting", cur)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("final deramp not confirmed: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
