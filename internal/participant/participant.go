// Package participant manages the cached session of the signed-in
// participant and pushes local edits of the participant record to Bridge.
package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/studysync/internal/bridge"
	"github.com/kalambet/studysync/internal/cache"
	"github.com/kalambet/studysync/internal/clientdata"
	"github.com/kalambet/studysync/internal/models"
	"github.com/kalambet/studysync/internal/storage"
)

var (
	// ErrSignedOut is returned when no participant session is cached.
	ErrSignedOut = errors.New("participant is signed out")
	// ErrInvalidAvailability is returned for an availability window the
	// study does not accept.
	ErrInvalidAvailability = errors.New("invalid availability window")
)

// SessionIdentifier is the identifier of the cached session row. The row is
// app-wide, so its study scope is empty.
const SessionIdentifier = "UserSessionId"

// SessionKey is the cache key of the participant's session.
func SessionKey() storage.ResourceKey {
	return storage.ResourceKey{Type: storage.ResourceUserSessionInfo, Identifier: SessionIdentifier}
}

// Remote saves a participant record on the server.
type Remote interface {
	UpdateParticipant(ctx context.Context, p models.StudyParticipant) error
}

// Launcher runs fn in the background and tracks it until shutdown.
type Launcher interface {
	Go(fn func(ctx context.Context))
}

// PushOutcome describes one attempt to push the cached session.
type PushOutcome struct {
	Pushed bool                   `json:"pushed"`
	Status storage.ResourceStatus `json:"status,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Repo reads and edits the participant session through the resource cache.
type Repo struct {
	cache  *cache.Cache
	remote Remote
	bg     Launcher
	clock  cache.Clock
	logger *slog.Logger

	pushMu  sync.Mutex
	mu      sync.Mutex
	pushing bool
	rerun   bool
}

func NewRepo(c *cache.Cache, remote Remote, bg Launcher) *Repo {
	return NewRepoWithClock(c, remote, bg, systemClock{})
}

// NewRepoWithClock creates a Repo with a custom clock (for testing).
func NewRepoWithClock(c *cache.Cache, remote Remote, bg Launcher, clock cache.Clock) *Repo {
	return &Repo{
		cache:  c,
		remote: remote,
		bg:     bg,
		clock:  clock,
		logger: slog.Default(),
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Session returns the cached session, or ErrSignedOut.
func (r *Repo) Session(ctx context.Context) (models.UserSessionInfo, error) {
	res, err := r.cache.Get(ctx, SessionKey())
	if errors.Is(err, storage.ErrNotFound) {
		return models.UserSessionInfo{}, ErrSignedOut
	}
	if err != nil {
		return models.UserSessionInfo{}, err
	}
	var s models.UserSessionInfo
	if err := json.Unmarshal([]byte(res.JSON), &s); err != nil {
		return models.UserSessionInfo{}, fmt.Errorf("decoding cached session: %w", err)
	}
	return s, nil
}

// SessionToken returns the current session token, or "" when signed out.
func (r *Repo) SessionToken() string {
	s, err := r.Session(context.Background())
	if err != nil {
		return ""
	}
	return s.SessionToken
}

// StoreSession caches a session obtained at sign-in, replacing any cached
// session including unsent local edits.
func (r *Repo) StoreSession(ctx context.Context, s models.UserSessionInfo) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	_, err = r.cache.Upsert(ctx, storage.Resource{
		ResourceKey: SessionKey(),
		JSON:        string(data),
		Status:      storage.StatusSuccess,
	}, true)
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	r.logger.Info("participant session stored", "participant", s.ID, "studies", len(s.StudyIDs))
	return nil
}

// SignOut drops every cached resource.
func (r *Repo) SignOut(ctx context.Context) error {
	return r.cache.Clear(ctx)
}

// StudyIDs returns the studies the participant is enrolled in. It is empty
// when signed out.
func (r *Repo) StudyIDs(ctx context.Context) ([]string, error) {
	s, err := r.Session(ctx)
	if errors.Is(err, ErrSignedOut) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.StudyIDs, nil
}

// ScheduleData returns the schedule data embedded in the session's client
// data. It is nil when there is none.
func (r *Repo) ScheduleData(ctx context.Context) (*clientdata.UserScheduleData, error) {
	s, err := r.Session(ctx)
	if err != nil {
		return nil, err
	}
	return clientdata.Decode(s.ClientData), nil
}

// Availability returns the participant's availability window, or nil.
func (r *Repo) Availability(ctx context.Context) (*models.UserAvailabilityWindow, error) {
	d, err := r.ScheduleData(ctx)
	if err != nil || d == nil {
		return nil, err
	}
	return d.Availability, nil
}

// SetAvailability validates w against bounds (when given) and saves it.
func (r *Repo) SetAvailability(ctx context.Context, w models.UserAvailabilityWindow, bounds *models.UserAvailabilityConfig) error {
	if w.IsEmpty() {
		return fmt.Errorf("%w: window is empty", ErrInvalidAvailability)
	}
	if bounds != nil {
		if err := bounds.Check(w); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAvailability, err)
		}
	}
	s, err := r.Session(ctx)
	if err != nil {
		return err
	}
	rec := RecordFromSession(s)
	rec.SetAvailability(&w, r.clock.Now())
	return r.UpdateParticipant(ctx, rec)
}

// SetSessionStartTimes saves newly calculated session start times.
func (r *Repo) SetSessionStartTimes(ctx context.Context, starts []models.ScheduledSessionStart) error {
	s, err := r.Session(ctx)
	if err != nil {
		return err
	}
	rec := RecordFromSession(s)
	rec.SetSessionStartTimes(starts, r.clock.Now())
	return r.UpdateParticipant(ctx, rec)
}

// UpdateParticipant applies rec to the cached session, marks it for upload,
// and starts a background push. It returns once the session is saved.
func (r *Repo) UpdateParticipant(ctx context.Context, rec UpdateRecord) error {
	prev, err := r.Session(ctx)
	if errors.Is(err, ErrSignedOut) {
		r.logger.Error("updating participant record for a signed-out user")
		return err
	}
	if err != nil {
		return err
	}

	merged, err := MergeClientData(prev, rec)
	if err != nil {
		r.logger.Error("failed to merge schedule data into client data", "error", err)
		merged = rec.AppClientData
	}

	next := prev
	next.FirstName = rec.FirstName
	next.LastName = rec.LastName
	next.Email = rec.Email
	next.Phone = rec.Phone
	next.SharingScope = rec.SharingScope
	next.DataGroups = slices.Clone(rec.DataGroups)
	next.ClientData = merged

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	_, err = r.cache.Upsert(ctx, storage.Resource{
		ResourceKey: SessionKey(),
		JSON:        string(data),
		Status:      storage.StatusSuccess,
		NeedSave:    true,
	}, true)
	if err != nil {
		return fmt.Errorf("saving participant update: %w", err)
	}
	r.TriggerPush()
	return nil
}

// MergeClientData combines the app-owned client data of rec with the most
// recent schedule data from rec and the previous session.
func MergeClientData(prev models.UserSessionInfo, rec UpdateRecord) (json.RawMessage, error) {
	return clientdata.Merge(rec.AppClientData, rec.ScheduleData, clientdata.Decode(prev.ClientData))
}

// TriggerPush starts a background push of the session. A trigger arriving
// while a push is running schedules one more push after it.
func (r *Repo) TriggerPush() {
	if r.bg == nil {
		return
	}
	r.mu.Lock()
	if r.pushing {
		r.rerun = true
		r.mu.Unlock()
		return
	}
	r.pushing = true
	r.mu.Unlock()

	r.bg.Go(func(ctx context.Context) {
		for {
			if _, err := r.ProcessLocalUpdates(ctx); err != nil {
				r.logger.Warn("background participant push", "error", err)
			}
			r.mu.Lock()
			if r.rerun && ctx.Err() == nil {
				r.rerun = false
				r.mu.Unlock()
				continue
			}
			r.rerun = false
			r.pushing = false
			r.mu.Unlock()
			return
		}
	})
}

// ProcessLocalUpdates uploads the cached session when it carries unsent
// edits. Upload failures are recorded on the row and reported in the
// outcome; only local store failures are returned as errors.
func (r *Repo) ProcessLocalUpdates(ctx context.Context) (PushOutcome, error) {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()

	res, err := r.cache.Get(ctx, SessionKey())
	if errors.Is(err, storage.ErrNotFound) {
		return PushOutcome{}, nil
	}
	if err != nil {
		return PushOutcome{}, err
	}
	if !res.NeedSave {
		return PushOutcome{Status: res.Status}, nil
	}

	var s models.UserSessionInfo
	if err := json.Unmarshal([]byte(res.JSON), &s); err != nil {
		return PushOutcome{}, fmt.Errorf("decoding cached session: %w", err)
	}

	detached := context.WithoutCancel(ctx)
	uploadErr := r.remote.UpdateParticipant(detached, models.ParticipantFromSession(s))
	out := PushOutcome{Pushed: uploadErr == nil, Status: bridge.Classify(uploadErr)}
	if uploadErr != nil {
		out.Error = uploadErr.Error()
		r.logger.Warn("updating participant failed", "status", out.Status, "error", uploadErr)
	}
	if _, err := r.cache.MarkSynced(detached, res.ResourceKey, res.JSON, out.Status, uploadErr != nil); err != nil {
		return out, err
	}
	return out, nil
}
