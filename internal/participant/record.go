package participant

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/kalambet/studysync/internal/clientdata"
	"github.com/kalambet/studysync/internal/models"
)

// UpdateRecord holds the editable fields of a participant. Schedule data is
// kept apart from the app-owned client data and merged back on save.
type UpdateRecord struct {
	ID           string
	FirstName    string
	LastName     string
	Email        string
	Phone        *models.Phone
	SharingScope string
	DataGroups   []string

	ScheduleData  *clientdata.UserScheduleData
	AppClientData json.RawMessage
}

// RecordFromSession returns an UpdateRecord holding the current values of s.
func RecordFromSession(s models.UserSessionInfo) UpdateRecord {
	return UpdateRecord{
		ID:            s.ID,
		FirstName:     s.FirstName,
		LastName:      s.LastName,
		Email:         s.Email,
		Phone:         s.Phone,
		SharingScope:  s.SharingScope,
		DataGroups:    slices.Clone(s.DataGroups),
		ScheduleData:  clientdata.Decode(s.ClientData),
		AppClientData: s.ClientData,
	}
}

// SetClientData replaces the app-owned client data. Older clients wrote
// schedule data straight into it; such data is picked up and stamped so it
// can be merged with newer copies.
func (r *UpdateRecord) SetClientData(raw json.RawMessage, now time.Time) {
	if d := clientdata.Decode(raw); !d.IsEmpty() {
		d.SetTimestampsIfNeeded(now)
		r.ScheduleData = d
	}
	r.AppClientData = raw
}

func (r *UpdateRecord) SetAvailability(w *models.UserAvailabilityWindow, now time.Time) {
	r.scheduleData().SetAvailability(w, now)
}

func (r *UpdateRecord) SetSessionStartTimes(starts []models.ScheduledSessionStart, now time.Time) {
	r.scheduleData().SetSessionStartTimes(starts, now)
}

func (r *UpdateRecord) scheduleData() *clientdata.UserScheduleData {
	if r.ScheduleData == nil {
		r.ScheduleData = &clientdata.UserScheduleData{}
	} else {
		r.ScheduleData = r.ScheduleData.Clone()
	}
	return r.ScheduleData
}
