package models

import "encoding/json"

type Phone struct {
	Number     string `json:"number"`
	RegionCode string `json:"regionCode"`
}

// UserSessionInfo is the signed-in participant's session as returned by
// Bridge on sign-in. ClientData carries both app-owned keys and the embedded
// schedule data.
type UserSessionInfo struct {
	ID            string          `json:"id"`
	FirstName     string          `json:"firstName,omitempty"`
	LastName      string          `json:"lastName,omitempty"`
	Email         string          `json:"email,omitempty"`
	Phone         *Phone          `json:"phone,omitempty"`
	SharingScope  string          `json:"sharingScope,omitempty"`
	DataGroups    []string        `json:"dataGroups,omitempty"`
	StudyIDs      []string        `json:"studyIds,omitempty"`
	ClientData    json.RawMessage `json:"clientData,omitempty"`
	SessionToken  string          `json:"sessionToken,omitempty"`
	ReauthToken   string          `json:"reauthToken,omitempty"`
	Authenticated bool            `json:"authenticated"`
	Type          string          `json:"type,omitempty"`
}

// PrimaryStudyID returns the first study the participant is enrolled in.
func (s UserSessionInfo) PrimaryStudyID() string {
	if len(s.StudyIDs) == 0 {
		return ""
	}
	return s.StudyIDs[0]
}

// StudyParticipant is the editable participant record sent to Bridge.
type StudyParticipant struct {
	ID           string          `json:"id"`
	FirstName    string          `json:"firstName,omitempty"`
	LastName     string          `json:"lastName,omitempty"`
	Email        string          `json:"email,omitempty"`
	Phone        *Phone          `json:"phone,omitempty"`
	SharingScope string          `json:"sharingScope,omitempty"`
	DataGroups   []string        `json:"dataGroups,omitempty"`
	ClientData   json.RawMessage `json:"clientData,omitempty"`
}

// ParticipantFromSession copies the editable fields of s.
func ParticipantFromSession(s UserSessionInfo) StudyParticipant {
	return StudyParticipant{
		ID:           s.ID,
		FirstName:    s.FirstName,
		LastName:     s.LastName,
		Email:        s.Email,
		Phone:        s.Phone,
		SharingScope: s.SharingScope,
		DataGroups:   append([]string(nil), s.DataGroups...),
		ClientData:   s.ClientData,
	}
}
