// Package scheduler drives agent runs: a periodic tick that reconciles
// stale tasks, runs housekeeping jobs and fans out eligible agents, plus
// immediate dispatch of out-of-band triggers.
package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CronExpr represents a parsed 5-field cron expression.
// Fields: minute, hour, day-of-month, month, day-of-week.
type CronExpr struct {
	Minute     []int
	Hour       []int
	DayOfMonth []int
	Month      []int
	DayOfWeek  []int

	expr string
	// A restricted day-of-month and day-of-week match when either matches.
	domAny bool
	dowAny bool
}

var cronMacros = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// ParseCron parses a standard 5-field cron expression or one of the
// @hourly style macros. Supports *, */N, N, N-M, N-M/S and lists.
// Day-of-week accepts 0-7; 7 is Sunday.
func ParseCron(expr string) (*CronExpr, error) {
	src := strings.TrimSpace(expr)
	if m, ok := cronMacros[strings.ToLower(src)]; ok {
		src = m
	}
	fields := strings.Fields(src)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("cron: minute: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("cron: hour: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-month: %w", err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("cron: month: %w", err)
	}
	dow, err := parseField(fields[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-week: %w", err)
	}
	if slices.Contains(dow, 7) {
		dow = slices.DeleteFunc(dow, func(v int) bool { return v == 7 })
		if !slices.Contains(dow, 0) {
			dow = append([]int{0}, dow...)
		}
	}

	return &CronExpr{
		Minute:     minute,
		Hour:       hour,
		DayOfMonth: dom,
		Month:      month,
		DayOfWeek:  dow,
		expr:       strings.TrimSpace(expr),
		domAny:     fields[2] == "*",
		dowAny:     fields[4] == "*",
	}, nil
}

// String returns the expression as given.
func (c *CronExpr) String() string { return c.expr }

// Matches returns true if t falls within the cron expression.
func (c *CronExpr) Matches(t time.Time) bool {
	return slices.Contains(c.Minute, t.Minute()) &&
		slices.Contains(c.Hour, t.Hour()) &&
		slices.Contains(c.Month, int(t.Month())) &&
		c.dayMatches(t)
}

func (c *CronExpr) dayMatches(t time.Time) bool {
	dom := slices.Contains(c.DayOfMonth, t.Day())
	dow := slices.Contains(c.DayOfWeek, int(t.Weekday()))
	if c.domAny || c.dowAny {
		return dom && dow
	}
	return dom || dow
}

// Next returns the next time after t that matches the cron expression.
// Searches up to 2 years ahead; returns zero time if not found.
func (c *CronExpr) Next(t time.Time) time.Time {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(2 * 365 * 24 * time.Hour)

	for candidate.Before(limit) {
		if !slices.Contains(c.Month, int(candidate.Month())) {
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, candidate.Location())
			continue
		}
		if !c.dayMatches(candidate) {
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, 0, 0, 0, 0, candidate.Location())
			continue
		}
		if !slices.Contains(c.Hour, candidate.Hour()) {
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), candidate.Hour()+1, 0, 0, 0, candidate.Location())
			continue
		}
		if !slices.Contains(c.Minute, candidate.Minute()) {
			candidate = candidate.Add(time.Minute)
			continue
		}
		return candidate
	}
	return time.Time{}
}

// Due reports whether the expression fired in the window (prev, now].
// Ticks are minutes apart, so matching only now would miss most slots.
func (c *CronExpr) Due(prev, now time.Time) bool {
	if !prev.Before(now) {
		return c.Matches(now)
	}
	next := c.Next(prev)
	return !next.IsZero() && !next.After(now)
}

// parseField parses a single cron field into a sorted list of integers.
func parseField(field string, min, max int) ([]int, error) {
	if field == "*" {
		return stepSlice(min, max, 1), nil
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		vals, err := parsePart(part, min, max)
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			seen[v] = true
		}
	}

	result := make([]int, 0, len(seen))
	for v := range seen {
		result = append(result, v)
	}
	slices.Sort(result)
	return result, nil
}

// parsePart parses a single part: *, */N, N, N/S, N-M, N-M/S.
func parsePart(part string, min, max int) ([]int, error) {
	base, stepText, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		var err error
		step, err = strconv.Atoi(stepText)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step %q", part)
		}
	}

	switch {
	case base == "*":
		return stepSlice(min, max, step), nil

	case strings.Contains(base, "-"):
		loText, hiText, _ := strings.Cut(base, "-")
		lo, err := strconv.Atoi(loText)
		if err != nil {
			return nil, fmt.Errorf("invalid range start %q", loText)
		}
		hi, err := strconv.Atoi(hiText)
		if err != nil {
			return nil, fmt.Errorf("invalid range end %q", hiText)
		}
		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("range %d-%d out of bounds [%d,%d]", lo, hi, min, max)
		}
		return stepSlice(lo, hi, step), nil
	}

	val, err := strconv.Atoi(base)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", part)
	}
	if val < min || val > max {
		return nil, fmt.Errorf("value %d out of bounds [%d,%d]", val, min, max)
	}
	if hasStep {
		// "5/15" means every 15 starting at 5.
		return stepSlice(val, max, step), nil
	}
	return []int{val}, nil
}

func stepSlice(min, max, step int) []int {
	out := make([]int, 0, (max-min)/step+1)
	for i := min; i <= max; i += step {
		out = append(out, i)
	}
	return out
}
