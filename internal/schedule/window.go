package schedule

import (
	"fmt"
	"time"
)

// Window computes the next valid settlement instant for a treasury profile:
// a local cutoff time, the timezone it lives in, and a settlement delay in
// days. Requests landing before today's cutoff settle at today's cutoff
// plus the delay; later requests roll to tomorrow's cutoff.
type Window struct {
	CutoffHour   int
	CutoffMinute int
	Location     *time.Location
	DelayDays    int
}

// NewWindow parses a cutoff like "15:30" in the named timezone
func NewWindow(cutoff, timezone string, delayDays int) (Window, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Window{}, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}

	t, err := time.Parse("15:04", cutoff)
	if err != nil {
		return Window{}, fmt.Errorf("failed to parse cutoff %q: %w", cutoff, err)
	}

	return Window{
		CutoffHour:   t.Hour(),
		CutoffMinute: t.Minute(),
		Location:     loc,
		DelayDays:    delayDays,
	}, nil
}

// NextSettlement returns the next settlement instant after now, in UTC.
// Deterministic for a given now.
func (w Window) NextSettlement(now time.Time) time.Time {
	local := now.In(w.Location)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(),
		w.CutoffHour, w.CutoffMinute, 0, 0, w.Location)

	if !local.Before(cutoff) {
		cutoff = cutoff.AddDate(0, 0, 1)
	}
	return cutoff.AddDate(0, 0, w.DelayDays).UTC()
}
