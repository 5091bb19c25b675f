// Package mutator replaces the start times of randomized sessions in a
// participant schedule with times drawn inside the participant's
// availability window, and keeps them stable across passes.
package mutator

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/kalambet/studysync/internal/clientdata"
	"github.com/kalambet/studysync/internal/models"
	"github.com/kalambet/studysync/internal/randomizer"
)

// Input is everything one mutation pass reads. It is not modified.
type Input struct {
	Sessions []models.SessionInfo
	Schedule []models.ScheduledSession
	Initial  *clientdata.UserScheduleData
	Config   models.ScheduleConfig
	Now      time.Time
}

// Output is the result of a pass. Sessions carry the repeat window resolved
// for each randomized session. StartTimes keeps the order of the initial
// list with new instances appended; Changed reports whether it differs from
// the initial list.
type Output struct {
	Sessions   []models.SessionInfo
	Schedule   []models.ScheduledSession
	StartTimes []models.ScheduledSessionStart
	Changed    bool
}

// MutateAll runs one pass over every session definition.
func MutateAll(in Input, src randomizer.Source, logger *slog.Logger) Output {
	if logger == nil {
		logger = slog.Default()
	}
	out := Output{
		Sessions: slices.Clone(in.Sessions),
		Schedule: slices.Clone(in.Schedule),
	}

	var initial []models.ScheduledSessionStart
	var availability *models.UserAvailabilityWindow
	if in.Initial != nil {
		initial = in.Initial.SessionStartTimes
		availability = in.Initial.Availability
	}
	if availability == nil && in.Config != nil {
		availability = in.Config.DefaultAvailabilityWindow()
	}
	times := newStartTimes(initial)

	if in.Config == nil {
		logger.Warn("mutating a participant schedule without a schedule config")
		out.StartTimes = times.list()
		return out
	}

	byRef := make(map[string][]*models.ScheduledSession)
	for i := range out.Schedule {
		s := &out.Schedule[i]
		byRef[s.RefGuid] = append(byRef[s.RefGuid], s)
	}

	today := models.DateOf(in.Now)
	for i := range out.Sessions {
		session := &out.Sessions[i]
		if in.Config.SessionScheduleType(session.Guid) == models.ScheduleFixed {
			continue
		}
		instances := byRef[session.Guid]
		if len(instances) == 0 {
			continue
		}
		days := MapByDay(instances)

		var repeat models.RepeatTimeWindow
		if session.RepeatTimeWindow != nil && session.RepeatTimeWindow.IsValid() {
			repeat = *session.RepeatTimeWindow
		} else {
			repeat = commonRepeatWindow(days)
		}
		if !repeat.IsValid() {
			logger.Error("cannot calculate repeat time window", "session", session.Guid)
			continue
		}
		resolved := repeat
		session.RepeatTimeWindow = &resolved

		window := repeat.AvailabilityWindow
		if availability != nil {
			window = *availability
		}
		slots, err := randomizer.EvenSpaced(window, repeat.Count, repeat.Expiration)
		if err != nil {
			logger.Error("cannot lay out session windows", "session", session.Guid, "error", err)
			continue
		}
		for _, day := range days {
			mutateDay(slots, day, times, today, src, logger)
		}
	}

	out.StartTimes = times.list()
	out.Changed = !slices.Equal(initial, out.StartTimes)
	return out
}

// mutateDay assigns start times to one day's instances. Days up to today
// only take back times already recorded for them. Later days keep their
// recorded times while those still fit slots; otherwise the whole day is
// redrawn.
func mutateDay(slots randomizer.Windows, day DayGroup, times *startTimes, today models.LocalDate, src randomizer.Source, logger *slog.Logger) {
	frozen := day.StartDate.Compare(today) <= 0
	if !frozen && len(day.Sessions) != len(slots.StartTimes) {
		logger.Warn("day does not match the session's repeat window",
			"date", day.StartDate, "instances", len(day.Sessions), "slots", len(slots.StartTimes))
		frozen = true
	}
	if frozen {
		for _, s := range day.Sessions {
			if t, ok := times.get(s.InstanceGuid); ok {
				s.StartTime = t
			}
		}
		return
	}

	var previous []models.LocalTime
	for _, s := range day.Sessions {
		if t, ok := times.get(s.InstanceGuid); ok {
			previous = append(previous, t)
		}
	}
	next := slots.IfValidElseRandomize(src, previous)
	for i, s := range day.Sessions {
		s.StartTime = next[i]
		times.set(s.InstanceGuid, next[i])
	}
}

// startTimes is an insertion-ordered map of instance guid to start time.
type startTimes struct {
	order  []string
	byGuid map[string]models.LocalTime
}

func newStartTimes(initial []models.ScheduledSessionStart) *startTimes {
	st := &startTimes{byGuid: make(map[string]models.LocalTime, len(initial))}
	for _, s := range initial {
		st.set(s.Guid, s.Start)
	}
	return st
}

func (st *startTimes) get(guid string) (models.LocalTime, bool) {
	t, ok := st.byGuid[guid]
	return t, ok
}

func (st *startTimes) set(guid string, t models.LocalTime) {
	if _, ok := st.byGuid[guid]; !ok {
		st.order = append(st.order, guid)
	}
	st.byGuid[guid] = t
}

func (st *startTimes) list() []models.ScheduledSessionStart {
	if len(st.order) == 0 {
		return nil
	}
	out := make([]models.ScheduledSessionStart, len(st.order))
	for i, guid := range st.order {
		out[i] = models.ScheduledSessionStart{Guid: guid, Start: st.byGuid[guid]}
	}
	return out
}

// SessionStore reads the participant session and saves new start times.
type SessionStore interface {
	Session(ctx context.Context) (models.UserSessionInfo, error)
	SetSessionStartTimes(ctx context.Context, starts []models.ScheduledSessionStart) error
}

// ConfigSource resolves the schedule config for a study.
type ConfigSource interface {
	ScheduleConfig(ctx context.Context, studyID string) models.ScheduleConfig
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type localClock struct{}

func (localClock) Now() time.Time { return time.Now() }

// Mutator applies MutateAll to schedules of the signed-in participant and
// saves changed start times to the participant record.
type Mutator struct {
	sessions SessionStore
	configs  ConfigSource
	src      randomizer.Source
	clock    Clock
	logger   *slog.Logger
}

func New(sessions SessionStore, configs ConfigSource) *Mutator {
	return NewWithClock(sessions, configs, randomizer.DefaultSource, localClock{})
}

// NewWithClock creates a Mutator with a custom source and clock (for testing).
func NewWithClock(sessions SessionStore, configs ConfigSource, src randomizer.Source, clock Clock) *Mutator {
	return &Mutator{sessions: sessions, configs: configs, src: src, clock: clock, logger: slog.Default()}
}

// MutateParticipantSchedule returns schedule with randomized start times
// applied. studyID may be empty to use the participant's first study. Every
// failure is logged and yields the schedule unchanged.
func (m *Mutator) MutateParticipantSchedule(ctx context.Context, studyID string, schedule models.ParticipantSchedule) models.ParticipantSchedule {
	session, err := m.sessions.Session(ctx)
	if err != nil {
		m.logger.Error("participant schedule set before user is authenticated", "error", err)
		return schedule
	}
	if studyID == "" {
		studyID = session.PrimaryStudyID()
	}
	if studyID == "" {
		m.logger.Error("participant schedule set without a study id")
		return schedule
	}
	cfg := m.configs.ScheduleConfig(ctx, studyID)
	if cfg == nil {
		m.logger.Warn("mutating a participant schedule without a schedule config", "study", studyID)
		return schedule
	}
	if len(schedule.Sessions) == 0 || len(schedule.Schedule) == 0 {
		m.logger.Error("mutating a participant schedule with no sessions", "study", studyID)
		return schedule
	}

	out := MutateAll(Input{
		Sessions: schedule.Sessions,
		Schedule: schedule.Schedule,
		Initial:  clientdata.Decode(session.ClientData),
		Config:   cfg,
		Now:      m.clock.Now(),
	}, m.src, m.logger)

	if out.Changed {
		if err := m.sessions.SetSessionStartTimes(ctx, out.StartTimes); err != nil {
			m.logger.Error("saving session start times", "study", studyID, "error", err)
		}
	}
	schedule.Sessions = out.Sessions
	schedule.Schedule = out.Schedule
	return schedule
}
