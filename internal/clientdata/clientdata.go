// Package clientdata merges the schedule data embedded in a participant's
// client data with the app-owned keys stored alongside it.
package clientdata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/kalambet/studysync/internal/models"
)

// ErrNotObject is returned when schedule data has to be written into client
// data that is not a JSON object.
var ErrNotObject = errors.New("client data is not a JSON object")

// Keys owned by UserScheduleData inside a client data object.
const (
	KeyAvailability           = "availability"
	KeySessionStartTimes      = "sessionStartLocalTimes"
	KeyAvailabilityUpdatedOn  = "availabilityUpdatedOn"
	KeyStartTimesCalculatedOn = "startTimesCalculatedOn"
)

// ReservedKeys lists the client data keys written by Merge.
var ReservedKeys = []string{KeyAvailability, KeySessionStartTimes, KeyAvailabilityUpdatedOn, KeyStartTimesCalculatedOn}

// TimestampedValue pairs a value with the time it was last set. A nil
// Timestamp means the time is unknown.
type TimestampedValue[T any] struct {
	Value     T
	Timestamp *time.Time
}

// MostRecent returns whichever of v and other was set later. A known
// timestamp beats an unknown one; when both are unknown or equal, v wins.
func (v TimestampedValue[T]) MostRecent(other TimestampedValue[T]) TimestampedValue[T] {
	if compareTimestamps(v.Timestamp, other.Timestamp) >= 0 {
		return v
	}
	return other
}

func compareTimestamps(a, b *time.Time) int {
	switch {
	case b == nil:
		return 1
	case a == nil:
		return -1
	default:
		return a.Compare(*b)
	}
}

// UserScheduleData is the participant's availability and randomized session
// start times, stored inside client data.
type UserScheduleData struct {
	Availability           *models.UserAvailabilityWindow `json:"availability,omitempty"`
	SessionStartTimes      []models.ScheduledSessionStart `json:"sessionStartLocalTimes,omitempty"`
	AvailabilityUpdatedOn  *time.Time                     `json:"availabilityUpdatedOn,omitempty"`
	StartTimesCalculatedOn *time.Time                     `json:"startTimesCalculatedOn,omitempty"`
}

// IsEmpty reports whether d carries neither availability nor start times.
// A nil d is empty.
func (d *UserScheduleData) IsEmpty() bool {
	return d == nil || (d.Availability == nil && len(d.SessionStartTimes) == 0)
}

func (d *UserScheduleData) SetAvailability(w *models.UserAvailabilityWindow, now time.Time) {
	d.Availability = w
	d.AvailabilityUpdatedOn = &now
}

func (d *UserScheduleData) SetSessionStartTimes(starts []models.ScheduledSessionStart, now time.Time) {
	d.SessionStartTimes = starts
	d.StartTimesCalculatedOn = &now
}

// SetTimestampsIfNeeded stamps now on every field that holds a value. It is
// used for schedule data written by clients that predate the timestamps.
func (d *UserScheduleData) SetTimestampsIfNeeded(now time.Time) {
	if d.Availability != nil {
		d.AvailabilityUpdatedOn = &now
	}
	if d.SessionStartTimes != nil {
		d.StartTimesCalculatedOn = &now
	}
}

func (d *UserScheduleData) TimestampedAvailability() TimestampedValue[*models.UserAvailabilityWindow] {
	return TimestampedValue[*models.UserAvailabilityWindow]{Value: d.Availability, Timestamp: d.AvailabilityUpdatedOn}
}

func (d *UserScheduleData) TimestampedSessionStartTimes() TimestampedValue[[]models.ScheduledSessionStart] {
	return TimestampedValue[[]models.ScheduledSessionStart]{Value: d.SessionStartTimes, Timestamp: d.StartTimesCalculatedOn}
}

// Clone returns a deep copy of d.
func (d *UserScheduleData) Clone() *UserScheduleData {
	if d == nil {
		return nil
	}
	out := &UserScheduleData{SessionStartTimes: slices.Clone(d.SessionStartTimes)}
	if d.Availability != nil {
		w := *d.Availability
		out.Availability = &w
	}
	if d.AvailabilityUpdatedOn != nil {
		t := *d.AvailabilityUpdatedOn
		out.AvailabilityUpdatedOn = &t
	}
	if d.StartTimesCalculatedOn != nil {
		t := *d.StartTimesCalculatedOn
		out.StartTimesCalculatedOn = &t
	}
	return out
}

// Union merges two copies of schedule data field by field, keeping the most
// recently set value of each. An empty side yields the other side.
//
// Union commutes when timestamps differ and associates as long as no
// intermediate union is empty. Two non-empty sides whose newer fields are
// both cleared produce an empty result, which the next Union discards.
func Union(left, right *UserScheduleData) *UserScheduleData {
	if left.IsEmpty() {
		return right
	}
	if right.IsEmpty() {
		return left
	}
	avail := left.TimestampedAvailability().MostRecent(right.TimestampedAvailability())
	starts := left.TimestampedSessionStartTimes().MostRecent(right.TimestampedSessionStartTimes())
	return &UserScheduleData{
		Availability:           avail.Value,
		AvailabilityUpdatedOn:  avail.Timestamp,
		SessionStartTimes:      starts.Value,
		StartTimesCalculatedOn: starts.Timestamp,
	}
}

// Decode reads schedule data out of a client data document. Documents that
// are absent or fail to decode yield nil; decode failures are logged.
func Decode(raw json.RawMessage) *UserScheduleData {
	if isNull(raw) {
		return nil
	}
	var d UserScheduleData
	if err := json.Unmarshal(raw, &d); err != nil {
		slog.Warn("failed to decode schedule data", "error", err)
		return nil
	}
	return &d
}

// Merge writes the union of left and right into a copy of the app-owned
// client data object. Keys other than ReservedKeys are left untouched. The
// result is nil when there is nothing to store.
func Merge(appOwned json.RawMessage, left, right *UserScheduleData) (json.RawMessage, error) {
	u := Union(left, right)
	if u.IsEmpty() {
		if isNull(appOwned) || isEmptyObject(appOwned) {
			return nil, nil
		}
		return bytes.Clone(appOwned), nil
	}

	obj := make(map[string]json.RawMessage)
	if !isNull(appOwned) {
		if err := json.Unmarshal(appOwned, &obj); err != nil || obj == nil {
			return nil, ErrNotObject
		}
	}

	encoded, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encoding schedule data: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, fmt.Errorf("re-reading schedule data: %w", err)
	}
	maps.Copy(obj, fields)

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding client data: %w", err)
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isEmptyObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil && len(obj) == 0
}
