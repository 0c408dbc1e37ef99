/*
Package deadline converts nominal durations into calendar-aware deadlines.

PURPOSE:
  A Timer counts only active (non-suspended) time. Dead time - nights,
  weekends, holidays per the business calendar - freezes the countdown and
  resumes it later with the exact remaining duration.

SOURCE OF TRUTH:
  The durable fields are the nominal duration and the elapsed active time
  accumulated so far, not the absolute deadline. The deadline is a derived
  convenience recomputed on every resume, so a calendar reload mid-flight
  can stretch or shrink the remaining wall-clock wait but never rewrites
  time that has already been counted.

EVALUATION:
  Evaluate is pure: it replays the stored fields against the calendar at
  the requested instant and never mutates the timer. OnSuspensionEdge is
  the mutating half - a sweep (or a lazy read path) calls it to checkpoint
  the timer across pause/resume boundaries.

EDGE CASES:
  - Started exactly on a closing boundary: paused (the boundary instant
    belongs to dead time).
  - Zero nominal duration: expired immediately, calendar notwithstanding.

SEE ALSO:
  - calendar package: IsSuspended / NextBoundary
  - lifecycle package: owns one timer per waiting entity
*/
package deadline

import (
	"time"

	"github.com/warp/deal-engine/calendar"
)

// =============================================================================
// TIMER
// =============================================================================

// Timer is the persisted countdown state. A timer is owned by exactly one
// entity and destroyed when that entity leaves the state that required it.
type Timer struct {
	// Nominal is the total active duration the timer must accumulate.
	Nominal time.Duration

	// StartedAt is when the timer was created.
	StartedAt time.Time

	// ElapsedActive is the active time accumulated up to CheckpointAt.
	// Invariant: 0 <= ElapsedActive <= Nominal.
	ElapsedActive time.Duration

	// CheckpointAt is the instant ElapsedActive was last brought current:
	// start, the last pause, or the last resume.
	CheckpointAt time.Time

	// SuspendedAt is set while the timer is paused.
	SuspendedAt *time.Time

	// Deadline is the derived absolute expiry. Nil while paused.
	Deadline *time.Time

	// CalendarVersion records which calendar generation started the timer.
	CalendarVersion int
}

// Paused reports whether the timer is currently checkpointed as paused.
func (t *Timer) Paused() bool { return t.SuspendedAt != nil }

// Remaining returns the nominal time not yet accumulated as of the last
// checkpoint. Use Clock.Evaluate for a live value.
func (t *Timer) Remaining() time.Duration {
	if r := t.Nominal - t.ElapsedActive; r > 0 {
		return r
	}
	return 0
}

// Evaluation is the result of replaying a timer at an instant.
type Evaluation struct {
	Remaining time.Duration
	Expired   bool
	Paused    bool
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock performs all timer arithmetic against the current business calendar.
// NowFn is injectable for deterministic tests.
type Clock struct {
	Calendars *calendar.Provider
	NowFn     func() time.Time
}

// NewClock builds a Clock over the given calendar provider using wall time.
func NewClock(p *calendar.Provider) *Clock {
	return &Clock{Calendars: p, NowFn: func() time.Time { return time.Now().UTC() }}
}

// Now returns the clock's current instant in UTC.
func (c *Clock) Now() time.Time { return c.NowFn().UTC() }

// Start creates a timer of the given nominal duration at instant at.
// Inside dead time the timer starts paused with no absolute deadline;
// otherwise the deadline is computed by walking suspension boundaries.
func (c *Clock) Start(nominal time.Duration, at time.Time) *Timer {
	cal := c.Calendars.Current()
	at = at.UTC()
	t := &Timer{
		Nominal:         nominal,
		StartedAt:       at,
		CheckpointAt:    at,
		CalendarVersion: cal.Version(),
	}
	if cal.IsSuspended(at) {
		s := at
		t.SuspendedAt = &s
		return t
	}
	d := c.addActive(cal, at, nominal)
	t.Deadline = &d
	return t
}

// Evaluate replays the timer at instant at without mutating it.
func (c *Clock) Evaluate(t *Timer, at time.Time) Evaluation {
	cal := c.Calendars.Current()
	at = at.UTC()

	// Replay always credits the active time since the last checkpoint,
	// whatever the checkpointed pause state says: a timer checkpointed as
	// paused keeps counting once the calendar resumes, with or without an
	// edge call. activeBetween contributes zero across dead time.
	elapsed := t.ElapsedActive
	if at.After(t.CheckpointAt) {
		elapsed += c.activeBetween(cal, t.CheckpointAt, at)
	}
	if elapsed > t.Nominal {
		elapsed = t.Nominal
	}
	remaining := t.Nominal - elapsed
	expired := remaining <= 0
	paused := !expired && cal.IsSuspended(at)
	return Evaluation{Remaining: remaining, Expired: expired, Paused: paused}
}

// OnSuspensionEdge checkpoints the timer across a pause/resume boundary at
// instant at. Pausing freezes the accumulated active time; resuming credits
// the active time already elapsed since the calendar boundary and recomputes
// the absolute deadline from what remains. Calling it when no edge was
// crossed is a no-op.
func (c *Clock) OnSuspensionEdge(t *Timer, at time.Time) {
	cal := c.Calendars.Current()
	at = at.UTC()

	switch {
	case cal.IsSuspended(at) && !t.Paused():
		elapsed := t.ElapsedActive + c.activeBetween(cal, t.CheckpointAt, at)
		if elapsed > t.Nominal {
			elapsed = t.Nominal
		}
		t.ElapsedActive = elapsed
		t.CheckpointAt = at
		s := at
		t.SuspendedAt = &s
		t.Deadline = nil
	case !cal.IsSuspended(at) && t.Paused():
		// The edge may be observed late: credit the active time between
		// the true calendar resume boundary and now before deriving the
		// new deadline, or expiry would drift by the observation lag.
		elapsed := t.ElapsedActive + c.activeBetween(cal, t.CheckpointAt, at)
		if elapsed > t.Nominal {
			elapsed = t.Nominal
		}
		t.ElapsedActive = elapsed
		t.SuspendedAt = nil
		t.CheckpointAt = at
		d := c.addActive(cal, at, t.Remaining())
		t.Deadline = &d
	}
}

// =============================================================================
// CALENDAR WALKING
// =============================================================================

// addActive returns the instant at which d of active time has elapsed after
// from, skipping suspended intervals block by block.
func (c *Clock) addActive(cal *calendar.Calendar, from time.Time, d time.Duration) time.Time {
	cur := from
	remaining := d
	for remaining > 0 {
		if cal.IsSuspended(cur) {
			cur = cal.NextBoundary(cur)
			continue
		}
		blockEnd := cal.NextBoundary(cur)
		span := blockEnd.Sub(cur)
		if span <= 0 {
			cur = blockEnd
			continue
		}
		if span >= remaining {
			return cur.Add(remaining)
		}
		cur = blockEnd
		remaining -= span
	}
	return cur
}

// activeBetween accumulates the active time inside [from, to).
func (c *Clock) activeBetween(cal *calendar.Calendar, from, to time.Time) time.Duration {
	if !to.After(from) {
		return 0
	}
	var total time.Duration
	cur := from
	for cur.Before(to) {
		if cal.IsSuspended(cur) {
			cur = cal.NextBoundary(cur)
			continue
		}
		blockEnd := cal.NextBoundary(cur)
		if blockEnd.After(to) {
			blockEnd = to
		}
		total += blockEnd.Sub(cur)
		cur = blockEnd
	}
	return total
}
