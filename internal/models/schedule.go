package models

import (
	"encoding/json"
	"time"
)

// SessionScheduleType selects whether a session keeps the server's start
// times or gets randomized ones.
type SessionScheduleType string

const (
	ScheduleFixed  SessionScheduleType = "fixed"
	ScheduleRandom SessionScheduleType = "random"
)

// ScheduledSessionStart records the start time assigned to one scheduled
// session instance.
type ScheduledSessionStart struct {
	Guid  string    `json:"guid"`
	Start LocalTime `json:"start"`
}

type ScheduledAssessment struct {
	RefKey       string `json:"refKey"`
	InstanceGuid string `json:"instanceGuid"`
	Type         string `json:"type,omitempty"`
}

// ScheduledSession is one instance of a session on a given day. Keys Bridge
// sends that are not modeled here are kept in Extra and written back by
// MarshalJSON.
type ScheduledSession struct {
	RefGuid        string                `json:"refGuid"`
	InstanceGuid   string                `json:"instanceGuid"`
	StartDate      LocalDate             `json:"startDate"`
	StartTime      LocalTime             `json:"startTime"`
	EndDate        *LocalDate            `json:"endDate,omitempty"`
	EndTime        *LocalTime            `json:"endTime,omitempty"`
	DelayTime      *Period               `json:"delayTime,omitempty"`
	Expiration     Period                `json:"expiration"`
	Persistent     bool                  `json:"persistent,omitempty"`
	TimeWindowGuid string                `json:"timeWindowGuid,omitempty"`
	Assessments    []ScheduledAssessment `json:"assessments,omitempty"`
	Type           string                `json:"type,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var scheduledSessionKeys = []string{
	"refGuid", "instanceGuid", "startDate", "startTime", "endDate", "endTime",
	"delayTime", "expiration", "persistent", "timeWindowGuid", "assessments", "type",
}

func (s *ScheduledSession) UnmarshalJSON(data []byte) error {
	type plain ScheduledSession
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, k := range scheduledSessionKeys {
		delete(fields, k)
	}
	p.Extra = nil
	if len(fields) > 0 {
		p.Extra = fields
	}
	*s = ScheduledSession(p)
	return nil
}

func (s ScheduledSession) MarshalJSON() ([]byte, error) {
	type plain ScheduledSession
	data, err := json.Marshal(plain(s))
	if err != nil || len(s.Extra) == 0 {
		return data, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}

// SessionInfo describes a session definition. RepeatTimeWindow is local
// state: the window resolved the first time the session was randomized.
type SessionInfo struct {
	Guid              string            `json:"guid"`
	Label             string            `json:"label"`
	Symbol            string            `json:"symbol,omitempty"`
	PerformanceOrder  string            `json:"performanceOrder,omitempty"`
	TimeWindowGuids   []string          `json:"timeWindowGuids,omitempty"`
	MinutesToComplete int               `json:"minutesToComplete,omitempty"`
	Type              string            `json:"type,omitempty"`
	RepeatTimeWindow  *RepeatTimeWindow `json:"repeatTimeWindow,omitempty"`
}

type DateRange struct {
	StartDate LocalDate `json:"startDate"`
	EndDate   LocalDate `json:"endDate"`
}

// ParticipantSchedule is the per-participant schedule returned by Bridge.
// Collections this module does not interpret are kept as raw JSON.
type ParticipantSchedule struct {
	CreatedOn       string               `json:"createdOn"`
	DateRange       *DateRange           `json:"dateRange,omitempty"`
	Schedule        []ScheduledSession   `json:"schedule,omitempty"`
	Assessments     json.RawMessage      `json:"assessments,omitempty"`
	Sessions        []SessionInfo        `json:"sessions,omitempty"`
	StudyBursts     json.RawMessage      `json:"studyBursts,omitempty"`
	EventTimestamps map[string]time.Time `json:"eventTimestamps,omitempty"`
	Type            string               `json:"type,omitempty"`
}
