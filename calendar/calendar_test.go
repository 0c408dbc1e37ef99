package calendar_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/deal-engine/calendar"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

var seoul = mustLoadSeoul()

func mustLoadSeoul() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		panic(err)
	}
	return loc
}

// kst builds a UTC instant from a KST wall-clock time.
func kst(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, seoul).UTC()
}

func defaultCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	cal, err := calendar.New(calendar.DefaultConfig(), 1)
	require.NoError(t, err)
	return cal
}

// =============================================================================
// SUSPENSION QUERIES
// =============================================================================

func TestIsSuspended_WorkingWindowBoundaries(t *testing.T) {
	// GIVEN: the default KST 09:00-18:00 weekday window
	// THEN: the opening instant is active, the closing instant is suspended
	cal := defaultCalendar(t)

	// Monday 2025-03-10
	assert.True(t, cal.IsSuspended(kst(2025, time.March, 10, 8, 59)), "before opening is dead time")
	assert.False(t, cal.IsSuspended(kst(2025, time.March, 10, 9, 0)), "opening instant is active")
	assert.False(t, cal.IsSuspended(kst(2025, time.March, 10, 12, 0)), "midday is active")
	assert.False(t, cal.IsSuspended(kst(2025, time.March, 10, 17, 59)), "last working minute is active")
	assert.True(t, cal.IsSuspended(kst(2025, time.March, 10, 18, 0)), "closing instant is suspended")
	assert.True(t, cal.IsSuspended(kst(2025, time.March, 10, 22, 30)), "evening is dead time")
}

func TestIsSuspended_SubMinutePrecision(t *testing.T) {
	// Seconds inside the last working minute stay active; the window
	// comparison is at minute granularity.
	cal := defaultCalendar(t)

	lastSecond := time.Date(2025, time.March, 10, 17, 59, 59, 0, seoul).UTC()
	assert.False(t, cal.IsSuspended(lastSecond))

	firstDeadSecond := time.Date(2025, time.March, 10, 18, 0, 0, 0, seoul).UTC()
	assert.True(t, cal.IsSuspended(firstDeadSecond))
}

func TestIsSuspended_Weekends(t *testing.T) {
	cal := defaultCalendar(t)

	// Saturday and Sunday 2025-03-08/09, even inside the working window
	assert.True(t, cal.IsSuspended(kst(2025, time.March, 8, 12, 0)))
	assert.True(t, cal.IsSuspended(kst(2025, time.March, 9, 10, 0)))
}

func TestIsSuspended_Holidays(t *testing.T) {
	// GIVEN: 2025-03-12 (a Wednesday) marked as a holiday
	cfg := calendar.DefaultConfig()
	cfg.Holidays = []string{"2025-03-12"}
	cal, err := calendar.New(cfg, 1)
	require.NoError(t, err)

	assert.True(t, cal.IsSuspended(kst(2025, time.March, 12, 11, 0)), "holiday midday is dead time")
	assert.False(t, cal.IsSuspended(kst(2025, time.March, 13, 11, 0)), "next day works normally")
}

func TestIsSuspended_WeekendsKeptActiveWhenDisabled(t *testing.T) {
	cfg := calendar.DefaultConfig()
	cfg.PauseWeekends = false
	cal, err := calendar.New(cfg, 1)
	require.NoError(t, err)

	assert.False(t, cal.IsSuspended(kst(2025, time.March, 8, 12, 0)), "Saturday noon active without weekend pause")
	assert.True(t, cal.IsSuspended(kst(2025, time.March, 8, 20, 0)), "off-hours still dead time")
}

// =============================================================================
// BOUNDARY WALKING
// =============================================================================

func TestNextBoundary_ActiveInstantClosesSameDay(t *testing.T) {
	cal := defaultCalendar(t)

	got := cal.NextBoundary(kst(2025, time.March, 10, 10, 0))
	assert.Equal(t, kst(2025, time.March, 10, 18, 0), got)
}

func TestNextBoundary_EveningResumesNextMorning(t *testing.T) {
	cal := defaultCalendar(t)

	got := cal.NextBoundary(kst(2025, time.March, 10, 19, 0))
	assert.Equal(t, kst(2025, time.March, 11, 9, 0), got)
}

func TestNextBoundary_FridayEveningResumesMonday(t *testing.T) {
	cal := defaultCalendar(t)

	got := cal.NextBoundary(kst(2025, time.March, 7, 18, 0))
	assert.Equal(t, kst(2025, time.March, 10, 9, 0), got)
}

func TestNextBoundary_SaturdayResumesMonday(t *testing.T) {
	cal := defaultCalendar(t)

	got := cal.NextBoundary(kst(2025, time.March, 8, 12, 0))
	assert.Equal(t, kst(2025, time.March, 10, 9, 0), got)
}

func TestNextBoundary_HolidaySkipped(t *testing.T) {
	// GIVEN: Tuesday 2025-03-11 is a holiday
	// WHEN: asking for the resume point from Monday evening
	// THEN: it lands on Wednesday's opening
	cfg := calendar.DefaultConfig()
	cfg.Holidays = []string{"2025-03-11"}
	cal, err := calendar.New(cfg, 1)
	require.NoError(t, err)

	got := cal.NextBoundary(kst(2025, time.March, 10, 18, 0))
	assert.Equal(t, kst(2025, time.March, 12, 9, 0), got)
}

// =============================================================================
// CONFIG VALIDATION
// =============================================================================

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*calendar.Config)
	}{
		{"unknown timezone", func(c *calendar.Config) { c.Timezone = "Mars/Olympus" }},
		{"bad clock format", func(c *calendar.Config) { c.WorkdayStart = "9am" }},
		{"inverted window", func(c *calendar.Config) { c.WorkdayStart, c.WorkdayEnd = "18:00", "09:00" }},
		{"bad holiday", func(c *calendar.Config) { c.Holidays = []string{"March 12"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := calendar.DefaultConfig()
			tc.mutate(&cfg)
			_, err := calendar.New(cfg, 1)
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// PROVIDER RELOAD
// =============================================================================

func TestProvider_ReloadBumpsVersionAtomically(t *testing.T) {
	p, err := calendar.NewProvider(calendar.DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, 1, p.Current().Version())

	cfg := calendar.DefaultConfig()
	cfg.Holidays = []string{"2025-03-12"}
	require.NoError(t, p.Reload(cfg))

	cal := p.Current()
	assert.Equal(t, 2, cal.Version())
	assert.True(t, cal.IsSuspended(kst(2025, time.March, 12, 11, 0)))
}

func TestProvider_FailedReloadKeepsCurrentCalendar(t *testing.T) {
	p, err := calendar.NewProvider(calendar.DefaultConfig())
	require.NoError(t, err)

	bad := calendar.DefaultConfig()
	bad.Timezone = "Nowhere/Nothing"
	assert.Error(t, p.Reload(bad))

	cal := p.Current()
	assert.Equal(t, 1, cal.Version(), "failed reload must not advance the version")
	assert.False(t, cal.IsSuspended(kst(2025, time.March, 10, 12, 0)))
}
