package models

import (
	"encoding/json"
	"log/slog"
)

// ScheduleConfig controls randomization of session start times and
// assessment order. It is read from the "scheduleConfig" key of either the
// app config's or the study's client data.
type ScheduleConfig interface {
	SessionScheduleType(refGuid string) SessionScheduleType
	// RandomizedAssessments returns the assessment identifiers to shuffle for
	// a session. Nil means all of them.
	RandomizedAssessments(refGuid string) []string
	AvailabilityConfig() *UserAvailabilityConfig
	DefaultAvailabilityWindow() *UserAvailabilityWindow
	AlwaysRandomizedAssessments() bool
}

const scheduleConfigKey = "scheduleConfig"

// AppScheduleConfig applies one schedule type to every session in the app.
type AppScheduleConfig struct {
	Availability         *UserAvailabilityConfig `json:"availabilityConfig,omitempty"`
	AlwaysRandomized     bool                    `json:"alwaysRandomizedAssessments,omitempty"`
	DefaultWindow        *UserAvailabilityWindow `json:"defaultAvailabilityWindow,omitempty"`
	RandomizedAssessList []string                `json:"randomizedAssessments,omitempty"`
	ScheduleType         SessionScheduleType     `json:"scheduleType,omitempty"`
}

func (c *AppScheduleConfig) SessionScheduleType(string) SessionScheduleType {
	if c.ScheduleType == "" {
		return ScheduleFixed
	}
	return c.ScheduleType
}

func (c *AppScheduleConfig) RandomizedAssessments(string) []string { return c.RandomizedAssessList }
func (c *AppScheduleConfig) AvailabilityConfig() *UserAvailabilityConfig { return c.Availability }
func (c *AppScheduleConfig) DefaultAvailabilityWindow() *UserAvailabilityWindow { return c.DefaultWindow }
func (c *AppScheduleConfig) AlwaysRandomizedAssessments() bool { return c.AlwaysRandomized }

// StudyScheduleConfig sets the schedule type per session guid. Sessions not in
// the map are fixed.
type StudyScheduleConfig struct {
	Availability             *UserAvailabilityConfig        `json:"availabilityConfig,omitempty"`
	DefaultWindow            *UserAvailabilityWindow        `json:"defaultAvailabilityWindow,omitempty"`
	ScheduleTypeMap          map[string]SessionScheduleType `json:"scheduleTypeMap,omitempty"`
	RandomizedAssessmentsMap map[string][]string            `json:"randomizedAssessmentsMap,omitempty"`
}

func (c *StudyScheduleConfig) SessionScheduleType(refGuid string) SessionScheduleType {
	if t, ok := c.ScheduleTypeMap[refGuid]; ok && t != "" {
		return t
	}
	return ScheduleFixed
}

func (c *StudyScheduleConfig) RandomizedAssessments(refGuid string) []string {
	return c.RandomizedAssessmentsMap[refGuid]
}

func (c *StudyScheduleConfig) AvailabilityConfig() *UserAvailabilityConfig { return c.Availability }
func (c *StudyScheduleConfig) DefaultAvailabilityWindow() *UserAvailabilityWindow { return c.DefaultWindow }
func (c *StudyScheduleConfig) AlwaysRandomizedAssessments() bool { return false }

// AppConfig is the app-wide configuration document served by Bridge.
type AppConfig struct {
	Label      string          `json:"label"`
	Guid       string          `json:"guid,omitempty"`
	Version    int             `json:"version,omitempty"`
	CreatedOn  string          `json:"createdOn,omitempty"`
	ModifiedOn string          `json:"modifiedOn,omitempty"`
	ClientData json.RawMessage `json:"clientData,omitempty"`
	Type       string          `json:"type,omitempty"`
}

// ScheduleConfig returns the app-level schedule config, or nil when the
// client data has none or it cannot be decoded.
func (a AppConfig) ScheduleConfig() *AppScheduleConfig {
	var cfg AppScheduleConfig
	if !decodeClientDataKey(a.ClientData, scheduleConfigKey, &cfg) {
		return nil
	}
	return &cfg
}

// Study is the subset of the Bridge study document used for scheduling.
type Study struct {
	Identifier string          `json:"identifier"`
	Name       string          `json:"name"`
	Phase      string          `json:"phase,omitempty"`
	Version    int             `json:"version,omitempty"`
	ClientData json.RawMessage `json:"clientData,omitempty"`
	Type       string          `json:"type,omitempty"`
}

func (s Study) ScheduleConfig() *StudyScheduleConfig {
	var cfg StudyScheduleConfig
	if !decodeClientDataKey(s.ClientData, scheduleConfigKey, &cfg) {
		return nil
	}
	return &cfg
}

func decodeClientDataKey(clientData json.RawMessage, key string, v any) bool {
	if len(clientData) == 0 {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(clientData, &obj); err != nil {
		slog.Warn("client data is not a JSON object", "key", key, "error", err)
		return false
	}
	raw, ok := obj[key]
	if !ok || string(raw) == "null" {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		slog.Error("failed to decode client data value", "key", key, "error", err)
		return false
	}
	return true
}
