package scheduler

import (
	"testing"
	"time"
)

func TestParseCronValid(t *testing.T) {
	tests := []struct {
		expr string
	}{
		{"* * * * *"},
		{"*/5 * * * *"},
		{"0 0 * * *"},
		{"30 4 1,15 * *"},
		{"0 0 1 1 0"},
		{"0-30/5 9-17 * * 1-5"},
		{"5/15 * * * *"},
		{"0 9 * * 7"},
		{"@hourly"},
		{"@Daily"},
	}
	for _, tc := range tests {
		if _, err := ParseCron(tc.expr); err != nil {
			t.Errorf("ParseCron(%q) returned error: %v", tc.expr, err)
		}
	}
}

func TestParseCronInvalid(t *testing.T) {
	tests := []struct {
		expr string
	}{
		{""},
		{"* * *"},
		{"60 * * * *"},
		{"* 25 * * *"},
		{"* * 32 * *"},
		{"* * * 13 *"},
		{"* * * * 8"},
		{"5-1 * * * *"},
		{"@fortnightly"},
		{"*/0 * * * *"},
		{"abc * * * *"},
	}
	for _, tc := range tests {
		if _, err := ParseCron(tc.expr); err == nil {
			t.Errorf("ParseCron(%q) should have returned error", tc.expr)
		}
	}
}

func TestMatchesEveryMinute(t *testing.T) {
	c, _ := ParseCron("* * * * *")
	now := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	if !c.Matches(now) {
		t.Error("* * * * * should match any time")
	}
}

func TestMatchesEvery5Minutes(t *testing.T) {
	c, _ := ParseCron("*/5 * * * *")

	match := time.Date(2026, 2, 15, 10, 15, 0, 0, time.UTC)
	if !c.Matches(match) {
		t.Error("*/5 should match minute 15")
	}

	noMatch := time.Date(2026, 2, 15, 10, 13, 0, 0, time.UTC)
	if c.Matches(noMatch) {
		t.Error("*/5 should not match minute 13")
	}
}

func TestMatchesRange(t *testing.T) {
	c, _ := ParseCron("0-30/5 9-17 * * 1-5")

	// Monday 10:15 → should match
	match := time.Date(2026, 2, 16, 10, 15, 0, 0, time.UTC) // Monday
	if !c.Matches(match) {
		t.Errorf("should match Monday 10:15, weekday=%d", match.Weekday())
	}

	// Saturday 10:15 → should not match (weekday 6)
	noMatch := time.Date(2026, 2, 14, 10, 15, 0, 0, time.UTC) // Saturday
	if c.Matches(noMatch) {
		t.Errorf("should not match Saturday, weekday=%d", noMatch.Weekday())
	}
}

func TestMatchesSpecificValues(t *testing.T) {
	c, _ := ParseCron("30 4 1,15 * *")

	match := time.Date(2026, 3, 1, 4, 30, 0, 0, time.UTC)
	if !c.Matches(match) {
		t.Error("should match 4:30 on the 1st")
	}

	match2 := time.Date(2026, 3, 15, 4, 30, 0, 0, time.UTC)
	if !c.Matches(match2) {
		t.Error("should match 4:30 on the 15th")
	}

	noMatch := time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC)
	if c.Matches(noMatch) {
		t.Error("should not match 4:30 on the 2nd")
	}
}

func TestNextEveryMinute(t *testing.T) {
	c, _ := ParseCron("* * * * *")
	now := time.Date(2026, 2, 15, 10, 30, 45, 0, time.UTC)
	next := c.Next(now)
	expected := time.Date(2026, 2, 15, 10, 31, 0, 0, time.UTC)
	if !next.Equal(expected) {
		t.Errorf("Next = %v, want %v", next, expected)
	}
}

func TestNextEvery5Minutes(t *testing.T) {
	c, _ := ParseCron("*/5 * * * *")
	now := time.Date(2026, 2, 15, 10, 12, 0, 0, time.UTC)
	next := c.Next(now)
	expected := time.Date(2026, 2, 15, 10, 15, 0, 0, time.UTC)
	if !next.Equal(expected) {
		t.Errorf("Next = %v, want %v", next, expected)
	}
}

func TestNextMidnight(t *testing.T) {
	c, _ := ParseCron("0 0 * * *")
	now := time.Date(2026, 2, 15, 23, 59, 0, 0, time.UTC)
	next := c.Next(now)
	expected := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	if !next.Equal(expected) {
		t.Errorf("Next = %v, want %v", next, expected)
	}
}

func TestSundayAsSeven(t *testing.T) {
	c, err := ParseCron("0 9 * * 7")
	if err != nil {
		t.Fatal(err)
	}
	sunday := time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)
	if !c.Matches(sunday) {
		t.Errorf("7 should mean Sunday, weekday=%d", sunday.Weekday())
	}
}

func TestMacros(t *testing.T) {
	tests := []struct {
		expr string
		at   time.Time
		want bool
	}{
		{"@hourly", time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC), true},
		{"@hourly", time.Date(2026, 2, 15, 10, 1, 0, 0, time.UTC), false},
		{"@daily", time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC), true},
		{"@weekly", time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), true},
		{"@weekly", time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC), false},
		{"@monthly", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		c, err := ParseCron(tt.expr)
		if err != nil {
			t.Fatalf("ParseCron(%q): %v", tt.expr, err)
		}
		if got := c.Matches(tt.at); got != tt.want {
			t.Errorf("%s at %v = %v, want %v", tt.expr, tt.at, got, tt.want)
		}
	}
}

func TestDayOfMonthOrDayOfWeek(t *testing.T) {
	// Both restricted: either field matching is enough.
	c, _ := ParseCron("0 12 1 * 1")
	first := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)  // Wednesday the 1st
	monday := time.Date(2026, 4, 6, 12, 0, 0, 0, time.UTC) // Monday the 6th
	other := time.Date(2026, 4, 7, 12, 0, 0, 0, time.UTC)
	if !c.Matches(first) || !c.Matches(monday) {
		t.Error("expected the 1st and Mondays to match")
	}
	if c.Matches(other) {
		t.Error("Tuesday the 7th should not match")
	}
}

func TestDueWindow(t *testing.T) {
	c, _ := ParseCron("30 9 * * *")
	prev := time.Date(2026, 2, 15, 9, 27, 0, 0, time.UTC)

	if !c.Due(prev, prev.Add(5*time.Minute)) {
		t.Error("09:30 lies in (09:27, 09:32] and should be due")
	}
	if c.Due(prev.Add(5*time.Minute), prev.Add(10*time.Minute)) {
		t.Error("(09:32, 09:37] should not be due")
	}
	if !c.Due(prev.Add(3*time.Minute), prev.Add(3*time.Minute)) {
		t.Error("an empty window falls back to Matches")
	}
}

func TestNextSkipsToMatchingMonth(t *testing.T) {
	c, _ := ParseCron("0 0 1 6 *")
	next := c.Next(time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC))
	want := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}
