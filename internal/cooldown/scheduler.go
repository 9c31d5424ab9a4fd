package cooldown

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/coldloop/magnetd/internal/interlock"
)

// InvalidScheduleError is returned when a requested cold-by time is closer
// than the estimated lead time.
type InvalidScheduleError struct {
	Target time.Time
	Lead   time.Duration
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("cannot be cold by %s: need at least %s of lead time",
		e.Target.Format(time.RFC3339), e.Lead.Round(time.Second))
}

// ScheduleCooldown arms a deferred start so the magnet is cold by target.
// The lead time comes from MinTimeUntilCool; the start fires unattended at
// target minus lead. At most one schedule is pending: a new one replaces any
// existing one. Scheduling is rejected while a cycle is in progress and when
// the target is not reachable (time travel).
func (c *Controller) ScheduleCooldown(ctx context.Context, target time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOff && c.state != StateDeramping {
		return ErrCooldownInProgress
	}
	lead, err := c.minTimeLocked(ctx)
	if err != nil {
		return fmt.Errorf("estimate time to cool: %w", err)
	}
	if target.Before(time.Now().Add(lead)) {
		return &InvalidScheduleError{Target: target, Lead: lead}
	}

	c.cancelScheduleLocked(ctx)

	fireAt := target.Add(-lead)
	job, err := c.sched.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(fireAt)),
		gocron.NewTask(c.deferredStart),
		gocron.WithName("deferred-start"),
	)
	if err != nil {
		return fmt.Errorf("arm deferred start: %w", err)
	}
	c.schedJob = job
	c.schedTarget = target

	if err := c.st.Write(ctx, map[string]string{
		interlock.CooldownScheduledKey:  "yes",
		interlock.ScheduledTimestampKey: fmt.Sprintf("%d", target.Unix()),
	}); err != nil {
		log.Printf("cooldown: publish schedule: %v", err)
	}
	log.Printf("cooldown: start scheduled for %s (cold by %s)",
		fireAt.Format(time.RFC3339), target.Format(time.RFC3339))
	return nil
}

// deferredStart runs on the scheduler's goroutine when the lead time elapses.
// It goes through the same Start path operators use; a cancel arriving after
// the fire has no effect on the started cycle.
func (c *Controller) deferredStart() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c.mu.Lock()
	c.schedJob = nil
	c.schedTarget = time.Time{}
	if err := c.st.Write(ctx, map[string]string{
		interlock.CooldownScheduledKey:  "no",
		interlock.ScheduledTimestampKey: "",
	}); err != nil {
		log.Printf("cooldown: clear schedule: %v", err)
	}
	c.mu.Unlock()

	if err := c.startWithTrigger(ctx, "scheduled"); err != nil {
		log.Printf("cooldown: scheduled start failed: %v", err)
	}
}

// CancelScheduledCooldown removes any pending schedule. Canceling with
// nothing pending, or after the schedule already fired, is a no-op.
func (c *Controller) CancelScheduledCooldown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelScheduleLocked(ctx)
}

func (c *Controller) cancelScheduleLocked(ctx context.Context) {
	if c.schedJob == nil {
		return
	}
	if err := c.sched.RemoveJob(c.schedJob.ID()); err != nil {
		log.Printf("cooldown: remove deferred start: %v", err)
	}
	log.Printf("cooldown: cancelled cooldown scheduled for %s", c.schedTarget.Format(time.RFC3339))
	c.schedJob = nil
	c.schedTarget = time.Time{}

	if err := c.st.Write(ctx, map[string]string{
		interlock.CooldownScheduledKey:  "no",
		interlock.ScheduledTimestampKey: "",
	}); err != nil {
		log.Printf("cooldown: clear schedule: %v", err)
	}
}

// ScheduledFor reports the pending cold-by target, if any.
func (c *Controller) ScheduledFor() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schedTarget, c.schedJob != nil
}
