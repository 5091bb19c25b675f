package models

import (
	"encoding/json"
	"time"
)

// AdherenceRecord is evidence that a participant started, finished or
// declined a scheduled session instance. Records are keyed by
// (InstanceGuid, StartedOn).
type AdherenceRecord struct {
	InstanceGuid   string          `json:"instanceGuid"`
	EventTimestamp string          `json:"eventTimestamp"`
	StartedOn      time.Time       `json:"startedOn"`
	FinishedOn     *time.Time      `json:"finishedOn,omitempty"`
	Declined       *bool           `json:"declined,omitempty"`
	ClientTimeZone string          `json:"clientTimeZone,omitempty"`
	ClientData     json.RawMessage `json:"clientData,omitempty"`
	UploadedOn     *time.Time      `json:"uploadedOn,omitempty"`
	Type           string          `json:"type,omitempty"`
}

// StartedOnKey is the canonical text form of StartedOn used in storage keys.
func (r AdherenceRecord) StartedOnKey() string {
	return r.StartedOn.UTC().Format(time.RFC3339Nano)
}

// IsCompleted reports whether the session instance was finished or declined.
func (r AdherenceRecord) IsCompleted() bool {
	return r.FinishedOn != nil || (r.Declined != nil && *r.Declined)
}

type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// AdherenceRecordsSearch is the body of an adherence search request.
type AdherenceRecordsSearch struct {
	InstanceGuids         []string  `json:"instanceGuids,omitempty"`
	IncludeRepeats        bool      `json:"includeRepeats"`
	CurrentTimestampsOnly bool      `json:"currentTimestampsOnly"`
	OffsetBy              int       `json:"offsetBy"`
	PageSize              int       `json:"pageSize"`
	SortOrder             SortOrder `json:"sortOrder,omitempty"`
}

// AdherenceRecordList is one page of adherence search results.
type AdherenceRecordList struct {
	Items []AdherenceRecord `json:"items"`
	Total int               `json:"total"`
}

// AdherenceRecordUpdates is the body of a batch adherence upload.
type AdherenceRecordUpdates struct {
	Records []AdherenceRecord `json:"records"`
}

// UploadRequestMetadata is attached to uploaded result archives so the server
// can link them to the adherence record. Absent fields are omitted.
type UploadRequestMetadata struct {
	InstanceGuid   string          `json:"instanceGuid,omitempty"`
	EventTimestamp string          `json:"eventTimestamp,omitempty"`
	StartedOn      string          `json:"startedOn,omitempty"`
	FinishedOn     string          `json:"finishedOn,omitempty"`
	Declined       *bool           `json:"declined,omitempty"`
	ClientTimeZone string          `json:"clientTimeZone,omitempty"`
	ClientData     json.RawMessage `json:"clientData,omitempty"`
}

func NewUploadRequestMetadata(r AdherenceRecord) UploadRequestMetadata {
	m := UploadRequestMetadata{
		InstanceGuid:   r.InstanceGuid,
		EventTimestamp: r.EventTimestamp,
		Declined:       r.Declined,
		ClientTimeZone: r.ClientTimeZone,
		ClientData:     r.ClientData,
	}
	if !r.StartedOn.IsZero() {
		m.StartedOn = r.StartedOn.UTC().Format(time.RFC3339Nano)
	}
	if r.FinishedOn != nil {
		m.FinishedOn = r.FinishedOn.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// JSONMap returns the metadata as a flat JSON object map.
func (m UploadRequestMetadata) JSONMap() (map[string]json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
