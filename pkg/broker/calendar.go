package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Calendar is an equity trading session window in a named timezone. Weekends
// are always closed.
type Calendar struct {
	startHour, startMin int
	endHour, endMin     int
	loc                 *time.Location
}

// NewCalendar builds a calendar from HH:MM session bounds and a timezone
// name. An unknown timezone falls back to UTC.
func NewCalendar(startTime, endTime, timezone string) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}

	sh, sm, err := parseClock(startTime)
	if err != nil {
		return nil, fmt.Errorf("invalid session start: %w", err)
	}
	eh, em, err := parseClock(endTime)
	if err != nil {
		return nil, fmt.Errorf("invalid session end: %w", err)
	}
	if eh < sh || (eh == sh && em <= sm) {
		return nil, fmt.Errorf("session end %s not after start %s", endTime, startTime)
	}

	return &Calendar{startHour: sh, startMin: sm, endHour: eh, endMin: em, loc: loc}, nil
}

// IsOpen reports whether t falls inside the session window on a weekday.
func (c *Calendar) IsOpen(t time.Time) bool {
	t = t.In(c.loc)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(t.Year(), t.Month(), t.Day(), c.startHour, c.startMin, 0, 0, c.loc)
	close := time.Date(t.Year(), t.Month(), t.Day(), c.endHour, c.endMin, 0, 0, c.loc)
	return !t.Before(open) && t.Before(close)
}

// NextOpen returns the next session start at or after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	t = t.In(c.loc)
	for i := 0; i < 8; i++ {
		day := t.AddDate(0, 0, i)
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(), c.startHour, c.startMin, 0, 0, c.loc)
		if !open.Before(t) {
			return open
		}
	}
	// Unreachable: any 8-day span contains a weekday open.
	return t
}

func parseClock(s string) (hour, min int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	min, err = strconv.Atoi(parts[1])
	if err != nil || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return hour, min, nil
}
