package models

import "fmt"

// UserAvailabilityWindow is the daily span during which a participant can be
// prompted. Bed may be earlier in the day than Wake for overnight windows.
type UserAvailabilityWindow struct {
	Wake LocalTime `json:"wake"`
	Bed  LocalTime `json:"bed"`
}

func (w UserAvailabilityWindow) IsEmpty() bool {
	return w.Wake == w.Bed
}

// AvailabilityInMinutes returns the minutes between wake and bed, measured
// across midnight when needed.
func (w UserAvailabilityWindow) AvailabilityInMinutes() int {
	return w.Wake.MinutesUntil(w.Bed)
}

// CanRepeatDaily reports whether count windows of the given duration fit in
// one day.
func CanRepeatDaily(count int, duration Period) bool {
	return duration.TotalMinutes()*count <= minutesPerDay
}

// RepeatTimeWindow describes a uniformly spaced daily group of sessions.
type RepeatTimeWindow struct {
	AvailabilityWindow UserAvailabilityWindow `json:"availabilityWindow"`
	Expiration         Period                 `json:"expiration"`
	Count              int                    `json:"count"`
}

func (r RepeatTimeWindow) IsValid() bool {
	return r.Count > 0 &&
		r.Expiration.TotalMinutes() > 0 &&
		!r.AvailabilityWindow.IsEmpty() &&
		CanRepeatDaily(r.Count, r.Expiration)
}

// UserAvailabilityConfig bounds the availability window a participant may
// choose.
type UserAvailabilityConfig struct {
	MinimumDuration Period `json:"minimumDuration"`
	MaximumDuration Period `json:"maximumDuration"`
}

// Check returns an error when w is shorter or longer than the configured
// bounds. A zero bound is not enforced.
func (c UserAvailabilityConfig) Check(w UserAvailabilityWindow) error {
	total := w.AvailabilityInMinutes()
	if lo := c.MinimumDuration.TotalMinutes(); lo > 0 && total < lo {
		return fmt.Errorf("availability of %d minutes is shorter than the minimum %s", total, c.MinimumDuration)
	}
	if hi := c.MaximumDuration.TotalMinutes(); hi > 0 && total > hi {
		return fmt.Errorf("availability of %d minutes is longer than the maximum %s", total, c.MaximumDuration)
	}
	return nil
}
