package telemetry

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coldloop/magnetd/internal/cooldown"
	"github.com/coldloop/magnetd/internal/interlock"
)

// DefaultSampleInterval is how often the recorder samples magnet current and
// device temperature while a cycle is open.
const DefaultSampleInterval = 10 * time.Second

// Recorder archives controller lifecycle events and periodic samples. It
// implements the controller's cycle log; archive failures are logged and never
// propagate back into the control loop.
type Recorder struct {
	mu      sync.Mutex
	cycleID string
	state   string

	db       *Store
	st       interlock.Store
	interval time.Duration
}

// NewRecorder builds a recorder archiving to db and sampling from st.
func NewRecorder(db *Store, st interlock.Store, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Recorder{db: db, st: st, interval: interval}
}

// activeCycleID returns the open cycle's ID, or "" when no cycle is open.
func (r *Recorder) activeCycleID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycleID
}

func (r *Recorder) CycleStarted(trigger string, p cooldown.CycleParams) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cycleID = uuid.NewString()
	if err := r.db.BeginCycle(r.cycleID, trigger,
		p.SoakCurrent, p.SoakTime, p.RampRate, p.DerampRate, p.RegulationTemp); err != nil {
		log.Printf("telemetry: begin cycle: %v", err)
	}
	log.Printf("telemetry: recording cycle %s (%s)", r.cycleID, trigger)
}

func (r *Recorder) Transition(from, to cooldown.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = to.String()
	if r.cycleID == "" {
		return
	}
	if err := r.db.RecordTransition(r.cycleID, from.String(), to.String()); err != nil {
		log.Printf("telemetry: record transition: %v", err)
	}
}

func (r *Recorder) CycleFinished(final cooldown.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cycleID == "" {
		return
	}
	if err := r.db.FinishCycle(r.cycleID, final.String()); err != nil {
		log.Printf("telemetry: finish cycle: %v", err)
	}
	log.Printf("telemetry: cycle %s finished in %s", r.cycleID, final)
	r.cycleID = ""
}

// Run samples magnet current and device temperature on the recorder's interval
// until ctx is cancelled. Samples are only archived while a cycle is open.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sample(ctx)
		}
	}
}

func (r *Recorder) sample(ctx context.Context) {
	r.mu.Lock()
	cycleID, state := r.cycleID, r.state
	r.mu.Unlock()
	if cycleID == "" {
		return
	}

	cur := r.readFloat(ctx, interlock.MagnetCurrentKey)
	field := r.readFloat(ctx, interlock.MagnetFieldKey)
	volts := r.readFloat(ctx, interlock.SourceOutputVoltageKey)
	temp := r.readFloat(ctx, interlock.DeviceTempKey)
	if err := r.db.RecordSample(cycleID, state, cur, field, volts, temp); err != nil {
		log.Printf("telemetry: record sample: %v", err)
	}
}

// readFloat returns 0 for absent or unparseable values: a sample with a hole
// beats no sample.
func (r *Recorder) readFloat(ctx context.Context, key string) float64 {
	v, err := r.st.Read(ctx, key)
	if err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
