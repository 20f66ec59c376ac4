// Package schedule evaluates user-configured time periods.
//
// Every function here is pure: no I/O, no clocks. Malformed periods never cause an
// error to propagate into the scheduler; they are treated as inactive.
//
// Periods whose end precedes their start span midnight. Such a period's weekday set
// names the day the window starts, so a Friday 22:00-02:00 period is active from
// Friday 22:00 until Saturday 02:00.
package schedule

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/LifePipe/internal/models"
)

// DayLayout is the layout used for period-instance days.
const DayLayout = "2006-01-02"

// lookahead bounds NextStart's search.
const lookahead = 8

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: clock %q is not HH:MM", models.ErrInvalidPeriod, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: hour in %q", models.ErrInvalidPeriod, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: minute in %q", models.ErrInvalidPeriod, s)
	}
	return h*60 + m, nil
}

// Validate reports why a period can never be active, or nil.
func Validate(p models.SchedulePeriod) error {
	start, err := ParseClock(p.Start)
	if err != nil {
		return err
	}
	end, err := ParseClock(p.End)
	if err != nil {
		return err
	}
	if start == end {
		return fmt.Errorf("%w: period %q has equal start and end", models.ErrInvalidPeriod, p.Name)
	}
	if len(p.Days) == 0 {
		return fmt.Errorf("%w: period %q has no active days", models.ErrInvalidPeriod, p.Name)
	}
	for _, d := range p.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: period %q has weekday %d", models.ErrInvalidPeriod, p.Name, d)
		}
	}
	return nil
}

// IsActive reports whether p is active at now. The window is [start, end).
// Malformed or disabled periods are inactive.
func IsActive(p models.SchedulePeriod, now time.Time) bool {
	_, ok := instanceStart(p, now)
	return ok
}

// PeriodDay returns the calendar day (in now's location) on which the active
// instance of p started. ok is false when p is not active at now.
func PeriodDay(p models.SchedulePeriod, now time.Time) (string, bool) {
	day, ok := instanceStart(p, now)
	if !ok {
		return "", false
	}
	return day.Format(DayLayout), true
}

// instanceStart returns midnight of the day the active instance started.
func instanceStart(p models.SchedulePeriod, now time.Time) (time.Time, bool) {
	if !p.Active || Validate(p) != nil {
		return time.Time{}, false
	}
	start, _ := ParseClock(p.Start)
	end, _ := ParseClock(p.End)
	minute := now.Hour()*60 + now.Minute()
	today := midnight(now)

	if start < end {
		if hasDay(p.Days, now.Weekday()) && minute >= start && minute < end {
			return today, true
		}
		return time.Time{}, false
	}

	// Wraps midnight: evening part belongs to today, morning part to yesterday.
	if minute >= start && hasDay(p.Days, now.Weekday()) {
		return today, true
	}
	yesterday := today.AddDate(0, 0, -1)
	if minute < end && hasDay(p.Days, yesterday.Weekday()) {
		return yesterday, true
	}
	return time.Time{}, false
}

// ActivePeriods returns every period, across all categories, active at now, sorted
// by category then period name. Malformed periods are skipped; the config
// loader reports them once, so here they are only logged at debug.
func ActivePeriods(us models.UserSchedule, now time.Time) []models.ActivePeriod {
	var active []models.ActivePeriod
	for category, periods := range us.Periods {
		for _, p := range periods {
			if err := Validate(p); err != nil {
				slog.Debug("schedule.ActivePeriods: ignoring malformed period", "userID", us.UserID, "category", category, "period", p.Name, "error", err)
				continue
			}
			day, ok := PeriodDay(p, now)
			if !ok {
				continue
			}
			active = append(active, models.ActivePeriod{Category: category, Period: p.Name, Day: day})
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Category != active[j].Category {
			return active[i].Category < active[j].Category
		}
		return active[i].Period < active[j].Period
	})
	return active
}

// NextStart returns the earliest period start strictly after now across all
// enabled, well-formed periods. ok is false when nothing starts within eight days.
func NextStart(us models.UserSchedule, now time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	today := midnight(now)
	for _, periods := range us.Periods {
		for _, p := range periods {
			if !p.Active || Validate(p) != nil {
				continue
			}
			start, _ := ParseClock(p.Start)
			for offset := 0; offset < lookahead; offset++ {
				day := today.AddDate(0, 0, offset)
				if !hasDay(p.Days, day.Weekday()) {
					continue
				}
				at := time.Date(day.Year(), day.Month(), day.Day(), start/60, start%60, 0, 0, now.Location())
				if !at.After(now) {
					continue
				}
				if !found || at.Before(best) {
					best = at
					found = true
				}
				break
			}
		}
	}
	return best, found
}

// ParseWeekday accepts full or three-letter English names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", models.ErrInvalidPeriod, s)
}

func hasDay(days []time.Weekday, d time.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
