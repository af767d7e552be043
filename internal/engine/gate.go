package engine

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/store"
)

// Gate deferral reasons.
const (
	DeferHourlyCap    = "hourly_cap"
	DeferDailyCap     = "daily_cap"
	DeferOutsideHours = "outside_working_hours"
)

// GateResult reports whether a send was admitted. When deferred, RetryAt
// is the earliest time the same send could be admitted. Sends are never
// dropped by the gate, only pushed later.
type GateResult struct {
	Admitted bool
	Reason   string
	RetryAt  time.Time
}

// Gate enforces per-workflow hourly and daily send caps plus working
// hours windows. Caps count against fixed clock windows in the
// workflow's timezone, so the hourly window for 10:17 is 10:00 to 11:00,
// not a sliding 60 minutes. Counters are persisted through the store so
// caps hold across restarts within the same window.
type Gate struct {
	mu    sync.Mutex
	store store.Store
}

// NewGate creates a gate backed by the given store.
func NewGate(st store.Store) *Gate {
	return &Gate{store: st}
}

// Admit decides whether one send for the workflow may proceed now. On
// admission the window counters are incremented and persisted before
// returning, so concurrent callers cannot both take the last slot.
func (g *Gate) Admit(def *models.WorkflowDefinition, now time.Time) (GateResult, error) {
	loc, err := def.Location()
	if err != nil {
		return GateResult{}, fmt.Errorf("workflow %s has invalid timezone: %w", def.WorkflowID, err)
	}
	local := now.In(loc)

	// The working hours check is independent of the caps. A send deferred
	// to the next window does not consume a rate slot.
	if open, next := windowOpen(def.Settings.WorkingHours, local); !open {
		return GateResult{Reason: DeferOutsideHours, RetryAt: next}, nil
	}

	limit := def.Settings.RateLimit
	if limit.EmailsPerHour <= 0 && limit.EmailsPerDay <= 0 {
		return GateResult{Admitted: true}, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.store.GetRateWindow(def.WorkflowID)
	if err != nil {
		return GateResult{}, fmt.Errorf("failed to load rate window: %w", err)
	}
	if state == nil {
		state = &models.RateWindowState{WorkflowID: def.WorkflowID}
	}

	hourStart := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	if !state.HourStart.Equal(hourStart) {
		state.HourStart = hourStart
		state.HourCount = 0
	}
	if !state.DayStart.Equal(dayStart) {
		state.DayStart = dayStart
		state.DayCount = 0
	}

	if limit.EmailsPerHour > 0 && state.HourCount >= limit.EmailsPerHour {
		slog.Debug("Gate deferring on hourly cap", "workflowID", def.WorkflowID, "count", state.HourCount)
		return GateResult{Reason: DeferHourlyCap, RetryAt: hourStart.Add(time.Hour)}, nil
	}
	if limit.EmailsPerDay > 0 && state.DayCount >= limit.EmailsPerDay {
		slog.Debug("Gate deferring on daily cap", "workflowID", def.WorkflowID, "count", state.DayCount)
		return GateResult{Reason: DeferDailyCap, RetryAt: dayStart.Add(24 * time.Hour)}, nil
	}

	state.HourCount++
	state.DayCount++
	if err := g.store.SaveRateWindow(*state); err != nil {
		return GateResult{}, fmt.Errorf("failed to persist rate window: %w", err)
	}
	return GateResult{Admitted: true}, nil
}

// windowOpen reports whether local falls inside the working hours
// window. When closed it also returns the start of the next open window.
// An empty window means sends are allowed around the clock.
func windowOpen(wh models.WorkingHours, local time.Time) (bool, time.Time) {
	if wh.Start == "" && wh.End == "" && len(wh.Days) == 0 {
		return true, time.Time{}
	}

	startMin, endMin := 0, 24*60
	if wh.Start != "" {
		startMin = clockMinutes(wh.Start)
	}
	if wh.End != "" {
		endMin = clockMinutes(wh.End)
	}

	allowed := allowedDays(wh.Days)
	minuteOfDay := local.Hour()*60 + local.Minute()

	if allowed[local.Weekday()] && minuteOfDay >= startMin && minuteOfDay < endMin {
		return true, time.Time{}
	}

	// Find the next allowed day whose window start is still ahead. Eight
	// iterations cover the case where today's window already closed.
	for offset := 0; offset < 8; offset++ {
		day := local.AddDate(0, 0, offset)
		if !allowed[day.Weekday()] {
			continue
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), startMin/60, startMin%60, 0, 0, local.Location())
		if start.After(local) {
			return false, start
		}
	}
	// Unreachable for any validated definition; validation requires at
	// least one parsable day.
	return false, local.AddDate(0, 0, 1)
}

// allowedDays expands the day abbreviations into a weekday set. An empty
// list allows every day.
func allowedDays(days []string) map[time.Weekday]bool {
	out := make(map[time.Weekday]bool, 7)
	if len(days) == 0 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			out[d] = true
		}
		return out
	}
	for _, name := range days {
		if wd, err := models.ParseWeekday(name); err == nil {
			out[wd] = true
		}
	}
	return out
}

// clockMinutes converts an "HH:MM" string to minutes since midnight.
// Definitions are validated before they reach the gate, so malformed
// values degrade to midnight rather than erroring.
func clockMinutes(s string) int {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0
	}
	hours, err1 := strconv.Atoi(h)
	mins, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil {
		return 0
	}
	return hours*60 + mins
}
