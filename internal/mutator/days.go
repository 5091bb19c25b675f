package mutator

import (
	"slices"

	"github.com/kalambet/studysync/internal/models"
)

// DayGroup holds the instances of one session on one calendar day, sorted by
// start time, and the repeat window inferred from them.
type DayGroup struct {
	StartDate    models.LocalDate
	Sessions     []*models.ScheduledSession
	RepeatWindow models.RepeatTimeWindow
}

// MapByDay groups instances by start date in order of first appearance.
//
// The inferred window needs a common expiration and a common gap between
// consecutive instances. It spans from the first start to the last start
// plus that gap; a day with a single instance uses the expiration as its gap.
// Any other layout yields an invalid window.
func MapByDay(instances []*models.ScheduledSession) []DayGroup {
	var order []models.LocalDate
	byDay := make(map[models.LocalDate][]*models.ScheduledSession)
	for _, s := range instances {
		if _, ok := byDay[s.StartDate]; !ok {
			order = append(order, s.StartDate)
		}
		byDay[s.StartDate] = append(byDay[s.StartDate], s)
	}

	groups := make([]DayGroup, 0, len(order))
	for _, date := range order {
		sorted := slices.Clone(byDay[date])
		slices.SortStableFunc(sorted, func(a, b *models.ScheduledSession) int {
			return int(a.StartTime) - int(b.StartTime)
		})

		expirations := make([]models.Period, len(sorted))
		for i, s := range sorted {
			expirations[i] = s.Expiration
		}
		expiration, _ := same(expirations)

		gaps := make([]int, 0, len(sorted))
		for i := 1; i < len(sorted); i++ {
			gaps = append(gaps, sorted[i-1].StartTime.MinutesUntil(sorted[i].StartTime))
		}
		spacing := expiration.TotalMinutes()
		if len(gaps) > 0 {
			spacing, _ = same(gaps)
		}

		var window models.UserAvailabilityWindow
		if spacing > 0 {
			window = models.UserAvailabilityWindow{
				Wake: sorted[0].StartTime,
				Bed:  sorted[len(sorted)-1].StartTime.PlusMinutes(spacing),
			}
		}
		groups = append(groups, DayGroup{
			StartDate: date,
			Sessions:  sorted,
			RepeatWindow: models.RepeatTimeWindow{
				AvailabilityWindow: window,
				Expiration:         expiration,
				Count:              len(sorted),
			},
		})
	}
	return groups
}

// commonRepeatWindow returns the window every day agrees on, or the zero
// window.
func commonRepeatWindow(days []DayGroup) models.RepeatTimeWindow {
	windows := make([]models.RepeatTimeWindow, len(days))
	for i, d := range days {
		windows[i] = d.RepeatWindow
	}
	w, _ := same(windows)
	return w
}

// same returns the single distinct value of vs. It returns the zero value
// and false when vs is empty or holds more than one value.
func same[T comparable](vs []T) (T, bool) {
	var zero T
	if len(vs) == 0 {
		return zero, false
	}
	for _, v := range vs[1:] {
		if v != vs[0] {
			return zero, false
		}
	}
	return vs[0], true
}
