// Package randomizer computes evenly spaced and randomized session start
// times within a participant's availability window. Everything here is pure;
// randomness comes from a caller-supplied Source.
package randomizer

import (
	"errors"
	"math/rand/v2"
	"slices"

	"github.com/kalambet/studysync/internal/models"
)

// ErrCannotPack is returned when the requested windows do not fit in a day.
var ErrCannotPack = errors.New("session windows exceed 24 hours")

// Source draws uniform integers in [0, n). *rand.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// DefaultSource draws from the process-wide generator.
var DefaultSource Source = globalSource{}

// NewSeeded returns a deterministic source for tests and replays.
func NewSeeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// CanPack reports whether n windows of duration d fit in one day.
func CanPack(n int, d models.Period) bool {
	return models.CanRepeatDaily(n, d)
}

// Windows is a set of candidate slots. Slot i spans
// [StartTimes[i], StartTimes[i]+Spacing].
type Windows struct {
	Spacing    int
	StartTimes []models.LocalTime
}

// EvenSpaced divides the availability window into n slots. Each slot is
// max(availability/n, d) minutes long and its start may drift by up to the
// slack beyond d.
func EvenSpaced(window models.UserAvailabilityWindow, n int, d models.Period) (Windows, error) {
	if n <= 0 || !CanPack(n, d) {
		return Windows{}, ErrCannotPack
	}
	minimum := d.TotalMinutes()
	actual := max(window.AvailabilityInMinutes()/n, minimum)

	starts := make([]models.LocalTime, n)
	for i := range starts {
		starts[i] = window.Wake.PlusMinutes(actual * i)
	}
	return Windows{Spacing: actual - minimum, StartTimes: starts}, nil
}

// Randomize draws one time per slot and returns them sorted by time of day,
// so days whose slots wrap past midnight still read in order.
func (w Windows) Randomize(src Source) []models.LocalTime {
	times := make([]models.LocalTime, len(w.StartTimes))
	for i, start := range w.StartTimes {
		offset := 0
		if w.Spacing > 0 {
			offset = src.IntN(w.Spacing)
		}
		times[i] = start.PlusMinutes(offset)
	}
	slices.Sort(times)
	return times
}

// Validate reports whether previous assigns exactly one time to every slot.
// The check is a bipartite matching, so overlapping slots cannot be claimed
// twice.
func (w Windows) Validate(previous []models.LocalTime) bool {
	n := len(w.StartTimes)
	if len(previous) != n {
		return false
	}
	if n == 0 {
		return true
	}

	fits := make([][]int, n)
	for i, t := range previous {
		for j, start := range w.StartTimes {
			if contains(start, start.PlusMinutes(w.Spacing), t) {
				fits[i] = append(fits[i], j)
			}
		}
		if len(fits[i]) == 0 {
			return false
		}
	}

	owner := make([]int, n)
	for j := range owner {
		owner[j] = -1
	}
	for i := range previous {
		seen := make([]bool, n)
		if !augment(i, fits, owner, seen) {
			return false
		}
	}
	return true
}

func augment(i int, fits [][]int, owner []int, seen []bool) bool {
	for _, j := range fits[i] {
		if seen[j] {
			continue
		}
		seen[j] = true
		if owner[j] < 0 || augment(owner[j], fits, owner, seen) {
			owner[j] = i
			return true
		}
	}
	return false
}

// IfValidElseRandomize keeps previous when it still fits the slots.
func (w Windows) IfValidElseRandomize(src Source, previous []models.LocalTime) []models.LocalTime {
	if w.Validate(previous) {
		return previous
	}
	return w.Randomize(src)
}

// RandomTimes returns n sorted random start times for windows of duration d
// spread across the availability window.
func RandomTimes(src Source, window models.UserAvailabilityWindow, n int, d models.Period) ([]models.LocalTime, error) {
	w, err := EvenSpaced(window, n, d)
	if err != nil {
		return nil, err
	}
	return w.Randomize(src), nil
}

// contains is inclusive on both ends. When end is earlier than start the
// range wraps past midnight.
func contains(start, end, t models.LocalTime) bool {
	if start <= end {
		return t >= start && t <= end
	}
	return t >= start || t <= end
}
