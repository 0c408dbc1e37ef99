/*
Package calendar decides whether an instant falls inside "dead time":
the off-hours, weekends, and holidays during which every deadline timer
in the system is paused.

PURPOSE:
  A Calendar is a pure function over instants. Given a weekly working
  window, a weekend policy, and a holiday set, it answers two questions:

    IsSuspended(t)  -> is t inside dead time?
    NextBoundary(t) -> when does the suspension state next flip?

  NextBoundary lets callers step through the week in whole blocks
  instead of scanning minute by minute.

IMMUTABILITY:
  A Calendar is immutable once built. Reloading configuration produces a
  NEW Calendar behind a Provider (see provider.go); in-flight timer
  computations keep the version they started with and are never shown a
  half-updated schedule.

CONVENTIONS:
  - All inputs and outputs are UTC instants; the working window is
    interpreted in the configured IANA timezone.
  - The working window is [start, end): the instant the window opens is
    active, the instant it closes is suspended. A timer started exactly
    on a closing boundary is therefore paused.

SEE ALSO:
  - provider.go: versioned atomic reload
  - deadline package: walks NextBoundary to compute deadlines
*/
package calendar

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// CONFIG
// =============================================================================

// Config is the serializable calendar definition.
type Config struct {
	// Timezone is the IANA zone the working window is expressed in.
	Timezone string `yaml:"timezone"`

	// WorkdayStart/WorkdayEnd bound the active window on working days,
	// as "HH:MM" clock times. Everything outside [start, end) is dead time.
	WorkdayStart string `yaml:"workday_start"`
	WorkdayEnd   string `yaml:"workday_end"`

	// PauseWeekends suspends Saturday and Sunday entirely.
	PauseWeekends bool `yaml:"pause_weekends"`

	// Holidays are full-day suspensions regardless of weekday, "YYYY-MM-DD"
	// in the calendar timezone.
	Holidays []string `yaml:"holidays"`
}

// DefaultConfig mirrors the production schedule: KST business hours
// 09:00-18:00, weekends and holidays fully suspended.
func DefaultConfig() Config {
	return Config{
		Timezone:      "Asia/Seoul",
		WorkdayStart:  "09:00",
		WorkdayEnd:    "18:00",
		PauseWeekends: true,
	}
}

// =============================================================================
// CALENDAR
// =============================================================================

type civilDate struct {
	year  int
	month time.Month
	day   int
}

// Calendar answers suspension queries. Immutable; safe for concurrent use.
type Calendar struct {
	loc           *time.Location
	startMin      int // minutes after local midnight
	endMin        int
	pauseWeekends bool
	holidays      map[civilDate]struct{}
	version       int
}

// New builds a Calendar from config. The version tags which generation of
// configuration produced it; the Provider assigns monotonically increasing
// versions on reload.
func New(cfg Config, version int) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("calendar: unknown timezone %q: %w", cfg.Timezone, err)
	}
	start, err := parseClock(cfg.WorkdayStart)
	if err != nil {
		return nil, fmt.Errorf("calendar: workday_start: %w", err)
	}
	end, err := parseClock(cfg.WorkdayEnd)
	if err != nil {
		return nil, fmt.Errorf("calendar: workday_end: %w", err)
	}
	if start >= end {
		return nil, fmt.Errorf("calendar: workday_start %q must precede workday_end %q", cfg.WorkdayStart, cfg.WorkdayEnd)
	}

	holidays := make(map[civilDate]struct{}, len(cfg.Holidays))
	for _, h := range cfg.Holidays {
		d, err := time.ParseInLocation("2006-01-02", h, loc)
		if err != nil {
			return nil, fmt.Errorf("calendar: holiday %q: %w", h, err)
		}
		holidays[civilDate{d.Year(), d.Month(), d.Day()}] = struct{}{}
	}

	return &Calendar{
		loc:           loc,
		startMin:      start,
		endMin:        end,
		pauseWeekends: cfg.PauseWeekends,
		holidays:      holidays,
		version:       version,
	}, nil
}

// MustNew panics on invalid config. Test helper.
func MustNew(cfg Config, version int) *Calendar {
	c, err := New(cfg, version)
	if err != nil {
		panic(err)
	}
	return c
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Version identifies the configuration generation this Calendar was built from.
func (c *Calendar) Version() int { return c.version }

// Location returns the calendar timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// Holidays returns the configured holiday dates as "YYYY-MM-DD", sorted.
func (c *Calendar) Holidays() []string {
	out := make([]string, 0, len(c.holidays))
	for d := range c.holidays {
		out = append(out, fmt.Sprintf("%04d-%02d-%02d", d.year, d.month, d.day))
	}
	sort.Strings(out)
	return out
}

// IsSuspended reports whether t falls inside dead time.
func (c *Calendar) IsSuspended(t time.Time) bool {
	local := t.In(c.loc)
	if c.isDaySuspended(local) {
		return true
	}
	m := local.Hour()*60 + local.Minute()
	if m < c.startMin || m >= c.endMin {
		return true
	}
	// Sub-minute precision: the closing boundary itself is suspended,
	// anything strictly before it is not.
	return false
}

// isDaySuspended reports whether the whole local day is dead time.
func (c *Calendar) isDaySuspended(local time.Time) bool {
	if c.pauseWeekends {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return true
		}
	}
	_, holiday := c.holidays[civilDate{local.Year(), local.Month(), local.Day()}]
	return holiday
}

// NextBoundary returns the next instant strictly after t at which the
// suspension state flips. For an active t that is the close of the current
// working block; for a suspended t it is the next working-day opening.
func (c *Calendar) NextBoundary(t time.Time) time.Time {
	local := t.In(c.loc)
	if !c.IsSuspended(t) {
		return c.atMinutes(local, c.endMin)
	}
	return c.nextResume(local)
}

// nextResume walks forward to the next working-day opening.
func (c *Calendar) nextResume(local time.Time) time.Time {
	cur := local
	for {
		if c.isDaySuspended(cur) {
			cur = c.startOfNextDay(cur)
			continue
		}
		m := cur.Hour()*60 + cur.Minute()
		switch {
		case m >= c.endMin:
			cur = c.startOfNextDay(cur)
		case m < c.startMin:
			return c.atMinutes(cur, c.startMin)
		default:
			// Seconds past a whole minute inside the window mean we were
			// called with an active instant; the opening already happened.
			return cur.UTC()
		}
	}
}

func (c *Calendar) startOfNextDay(local time.Time) time.Time {
	next := local.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, c.loc)
}

func (c *Calendar) atMinutes(local time.Time, minutes int) time.Time {
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	return day.Add(time.Duration(minutes) * time.Minute).UTC()
}
