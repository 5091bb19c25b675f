package storage

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ResourceType names a kind of cached server resource.
type ResourceType string

const (
	ResourceAssessmentConfig    ResourceType = "ASSESSMENT_CONFIG"
	ResourceAppConfig           ResourceType = "APP_CONFIG"
	ResourceUploadSession       ResourceType = "UPLOAD_SESSION"
	ResourceFileUpload          ResourceType = "FILE_UPLOAD"
	ResourceUserSessionInfo     ResourceType = "USER_SESSION_INFO"
	ResourceTimeline            ResourceType = "TIMELINE"
	ResourceParticipantSchedule ResourceType = "PARTICIPANT_SCHEDULE"
	ResourceActivityEventsList  ResourceType = "ACTIVITY_EVENTS_LIST"
	ResourceAdherenceRecord     ResourceType = "ADHERENCE_RECORD"
	ResourceStudy               ResourceType = "STUDY"
	ResourceStudyInfo           ResourceType = "STUDY_INFO"
	ResourceParticipantReport   ResourceType = "PARTICIPANT_REPORT"
	ResourceUploadedFileRecord  ResourceType = "UPLOADED_FILE_RECORD"
)

// ResourceTypes lists every known resource type.
var ResourceTypes = []ResourceType{
	ResourceAssessmentConfig, ResourceAppConfig, ResourceUploadSession, ResourceFileUpload,
	ResourceUserSessionInfo, ResourceTimeline, ResourceParticipantSchedule, ResourceActivityEventsList,
	ResourceAdherenceRecord, ResourceStudy, ResourceStudyInfo, ResourceParticipantReport,
	ResourceUploadedFileRecord,
}

// ParseResourceType returns the type named s, accepting either case.
func ParseResourceType(s string) (ResourceType, bool) {
	for _, t := range ResourceTypes {
		if strings.EqualFold(string(t), s) {
			return t, true
		}
	}
	return "", false
}

// ResourceStatus is the result of the last sync attempt. It is independent
// of whether the row still has local changes to push.
type ResourceStatus string

const (
	StatusSuccess ResourceStatus = "success"
	StatusPending ResourceStatus = "pending"
	StatusRetry   ResourceStatus = "retry"
	StatusFailed  ResourceStatus = "failed"
)

// ResourceKey identifies a cached resource.
type ResourceKey struct {
	Type        ResourceType
	StudyID     string
	Identifier  string
	SecondaryID string
}

// Resource is one cached server document.
type Resource struct {
	ResourceKey
	JSON       string
	Status     ResourceStatus
	NeedSave   bool
	LastUpdate time.Time
}

// AdherenceRow is one adherence record, keyed by (StudyID, InstanceGuid, StartedOn).
type AdherenceRow struct {
	StudyID        string
	InstanceGuid   string
	StartedOn      string // UTC RFC3339Nano
	EventTimestamp string
	Finished       bool
	JSON           string
	Status         ResourceStatus
	NeedSave       bool
	LastUpdate     time.Time
}

// Job is a queued sync task. At most one pending job exists per (Type, Scope).
type Job struct {
	ID          string
	Type        string
	Scope       string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string

	// NextAttemptAt is zero for a job that may run now.
	NextAttemptAt time.Time
}
