package device

import (
	"context"
	"sync"
)

// FakeHeatSwitch implements HeatSwitch for tests. Position mirrors the
// interlock position values; Err makes every call fail.
type FakeHeatSwitch struct {
	mu       sync.Mutex
	Position string
	Err      error
	Closes   int
	Opens    int
}

func (f *FakeHeatSwitch) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Closes++
	return nil
}

func (f *FakeHeatSwitch) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Opens++
	return nil
}

func (f *FakeHeatSwitch) IsOpened(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	return f.Position != "closed", nil
}

func (f *FakeHeatSwitch) IsClosed(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	return f.Position == "closed", nil
}

// SetPosition updates the reported position.
func (f *FakeHeatSwitch) SetPosition(pos string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Position = pos
}

// FakeCurrentSource implements CurrentSource for tests.
type FakeCurrentSource struct {
	mu        sync.Mutex
	Current   float64
	Manual    bool
	Err       error
	RampUps   []float64
	RampDowns []float64
	Kills     int
	ManualSet int
}

func (f *FakeCurrentSource) CurrentNow(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	return f.Current, nil
}

func (f *FakeCurrentSource) StartRampUp(ctx context.Context, target float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.RampUps = append(f.RampUps, target)
	return nil
}

func (f *FakeCurrentSource) StartRampDown(ctx context.Context, target float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.RampDowns = append(f.RampDowns, target)
	return nil
}

func (f *FakeCurrentSource) KillCurrent(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Kills++
	return nil
}

func (f *FakeCurrentSource) IsInManualMode(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	return f.Manual, nil
}

func (f *FakeCurrentSource) SetManualMode(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Manual = true
	f.ManualSet++
	return nil
}

// SetCurrent updates the reported magnet current.
func (f *FakeCurrentSource) SetCurrent(i float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Current = i
}

// KillCount returns how many times KillCurrent was called.
func (f *FakeCurrentSource) KillCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Kills
}

// FakeTemperatureBridge implements TemperatureBridge for tests.
type FakeTemperatureBridge struct {
	mu         sync.Mutex
	ClosedLoop bool
	Temp       float64
	Err        error
	Enables    int
	Disables   int
}

func (f *FakeTemperatureBridge) IsInClosedLoopOutput(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	return f.ClosedLoop, nil
}

func (f *FakeTemperatureBridge) EnableClosedLoopOutput(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.ClosedLoop = true
	f.Enables++
	return nil
}

func (f *FakeTemperatureBridge) DisableOutput(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.ClosedLoop = false
	f.Disables++
	return nil
}

func (f *FakeTemperatureBridge) DeviceTemperature(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	return f.Temp, nil
}

// SetTemperature updates the reported device-stage temperature.
func (f *FakeTemperatureBridge) SetTemperature(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Temp = t
}
