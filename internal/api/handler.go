package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/studysync/internal/adherence"
	"github.com/kalambet/studysync/internal/models"
	"github.com/kalambet/studysync/internal/participant"
	"github.com/kalambet/studysync/internal/storage"
)

// AdherenceService reads and records adherence for a study.
type AdherenceService interface {
	Sync(ctx context.Context, studyID string) (adherence.SyncResult, error)
	CreateUpdate(ctx context.Context, studyID string, rec models.AdherenceRecord) error
	AllCached(ctx context.Context, studyID string) (map[string][]models.AdherenceRecord, error)
	ForInstance(ctx context.Context, studyID, instanceGuid string) ([]models.AdherenceRecord, error)
	Cached(ctx context.Context, studyID, instanceGuid string, startedOn time.Time) (models.AdherenceRecord, error)
	Pending(ctx context.Context, studyID string) ([]storage.AdherenceRow, error)
	CompletedCount(ctx context.Context, studyID string) (int, error)
	Observe(ctx context.Context, studyID string) (<-chan adherence.Snapshot, func())
}

// ParticipantService manages the signed-in participant.
type ParticipantService interface {
	Session(ctx context.Context) (models.UserSessionInfo, error)
	StoreSession(ctx context.Context, s models.UserSessionInfo) error
	SignOut(ctx context.Context) error
	Availability(ctx context.Context) (*models.UserAvailabilityWindow, error)
	ProcessLocalUpdates(ctx context.Context) (participant.PushOutcome, error)
}

// StudyService resolves the study a request targets and applies
// study-scoped participant changes.
type StudyService interface {
	ResolveStudy(ctx context.Context, studyID string) (string, error)
	SetAvailability(ctx context.Context, studyID string, w models.UserAvailabilityWindow) error
}

// ScheduleSource serves the participant schedule of a study.
type ScheduleSource interface {
	Schedule(ctx context.Context, studyID string) (models.ParticipantSchedule, error)
}

// ResourceSource exposes the resource cache.
type ResourceSource interface {
	GetDirty(ctx context.Context, t storage.ResourceType, studyID string) ([]storage.Resource, error)
	Observe(ctx context.Context, key storage.ResourceKey) (<-chan storage.Resource, func())
}

type Deps struct {
	Adherence   AdherenceService
	Participant ParticipantService
	Studies     StudyService
	Schedules   ScheduleSource
	Resources   ResourceSource
	Token       string
}

// NewHandler returns the local control API. Everything except /health
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))

		r.Get("/adherence", handleListAdherence(deps))
		r.Post("/adherence", handleRecordAdherence(deps))
		r.Get("/adherence/events", handleAdherenceEvents(deps))
		r.Get("/adherence/{instanceGuid}", handleGetAdherence(deps))
		r.Get("/adherence/{instanceGuid}/metadata", handleUploadMetadata(deps))
		r.Post("/sync/adherence", handleSyncAdherence(deps))

		r.Get("/participant", handleGetParticipant(deps))
		r.Put("/participant/session", handleStoreSession(deps))
		r.Delete("/participant/session", handleSignOut(deps))
		r.Get("/participant/availability", handleGetAvailability(deps))
		r.Put("/participant/availability", handleSetAvailability(deps))
		r.Post("/participant/push", handlePushParticipant(deps))

		r.Get("/schedule", handleSchedule(deps))

		r.Get("/resources/dirty", handleListDirty(deps))
		r.Get("/resources/{type}/{identifier}/events", handleResourceEvents(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse summarizes the local sync state.
type StatusResponse struct {
	SignedIn           bool     `json:"signedIn"`
	Participant        string   `json:"participant,omitempty"`
	Studies            []string `json:"studies,omitempty"`
	Study              string   `json:"study,omitempty"`
	PendingAdherence   int      `json:"pendingAdherence"`
	CompletedAdherence int      `json:"completedAdherence"`
	DirtyResources     int      `json:"dirtyResources"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var resp StatusResponse

		s, err := deps.Participant.Session(ctx)
		switch {
		case errors.Is(err, participant.ErrSignedOut):
		case err != nil:
			failWith(w, "failed to read session", err)
			return
		default:
			resp.SignedIn = true
			resp.Participant = s.ID
			resp.Studies = s.StudyIDs
		}

		dirty, err := deps.Resources.GetDirty(ctx, "", "")
		if err != nil {
			failWith(w, "failed to list dirty resources", err)
			return
		}
		resp.DirtyResources = len(dirty)

		if studyID, err := deps.Studies.ResolveStudy(ctx, r.URL.Query().Get("study")); err == nil {
			resp.Study = studyID
			pending, err := deps.Adherence.Pending(ctx, studyID)
			if err != nil {
				failWith(w, "failed to list pending adherence", err)
				return
			}
			resp.PendingAdherence = len(pending)
			if resp.CompletedAdherence, err = deps.Adherence.CompletedCount(ctx, studyID); err != nil {
				failWith(w, "failed to count adherence", err)
				return
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// resolveStudy reads the study query parameter, falling back to the
// participant's first study. It writes the error response on failure.
func resolveStudy(w http.ResponseWriter, r *http.Request, deps Deps) (string, bool) {
	studyID, err := deps.Studies.ResolveStudy(r.Context(), r.URL.Query().Get("study"))
	if err != nil {
		failWith(w, "failed to resolve study", err)
		return "", false
	}
	return studyID, true
}

func handleListAdherence(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studyID, ok := resolveStudy(w, r, deps)
		if !ok {
			return
		}
		recs, err := deps.Adherence.AllCached(r.Context(), studyID)
		if err != nil {
			failWith(w, "failed to list adherence", err)
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleGetAdherence(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studyID, ok := resolveStudy(w, r, deps)
		if !ok {
			return
		}
		recs, err := deps.Adherence.ForInstance(r.Context(), studyID, chi.URLParam(r, "instanceGuid"))
		if err != nil {
			failWith(w, "failed to get adherence", err)
			return
		}
		if recs == nil {
			recs = []models.AdherenceRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleUploadMetadata(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startedOn, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("startedOn"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "startedOn must be an RFC 3339 timestamp")
			return
		}
		studyID, ok := resolveStudy(w, r, deps)
		if !ok {
			return
		}
		rec, err := deps.Adherence.Cached(r.Context(), studyID, chi.URLParam(r, "instanceGuid"), startedOn)
		if err != nil {
			failWith(w, "adherence record not cached", err)
			return
		}
		meta, err := models.NewUploadRequestMetadata(rec).JSONMap()
		if err != nil {
			failWith(w, "failed to encode metadata", err)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	}
}

func handleRecordAdherence(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var rec models.AdherenceRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if rec.InstanceGuid == "" || rec.StartedOn.IsZero() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "instanceGuid and startedOn are required")
			return
		}
		studyID, ok := resolveStudy(w, r, deps)
		if !ok {
			return
		}
		if err := deps.Adherence.CreateUpdate(r.Context(), studyID, rec); err != nil {
			failWith(w, "failed to record adherence", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "study": studyID})
	}
}

func handleSyncAdherence(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studyID, ok := resolveStudy(w, r, deps)
		if !ok {
			return
		}
		res, err := deps.Adherence.Sync(r.Context(), studyID)
		if err != nil {
			failWith(w, "adherence sync failed", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGetParticipant(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Participant.Session(r.Context())
		if err != nil {
			failWith(w, "failed to read session", err)
			return
		}
		writeJSON(w, http.StatusOK, redactSession(s))
	}
}

// redactSession drops the tokens from s.
func redactSession(s models.UserSessionInfo) models.UserSessionInfo {
	s.SessionToken = ""
	s.ReauthToken = ""
	return s
}

func handleStoreSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var s models.UserSessionInfo
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if s.ID == "" || s.SessionToken == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id and sessionToken are required")
			return
		}
		if err := deps.Participant.StoreSession(r.Context(), s); err != nil {
			failWith(w, "failed to store session", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
	}
}

func handleSignOut(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Participant.SignOut(r.Context()); err != nil {
			failWith(w, "failed to sign out", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
	}
}

func handleGetAvailability(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Participant.Availability(r.Context())
		if err != nil {
			failWith(w, "failed to read availability", err)
			return
		}
		if a == nil {
			httpError(w, http.StatusNotFound, "not_found", "no availability window set")
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleSetAvailability(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var a models.UserAvailabilityWindow
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := deps.Studies.SetAvailability(r.Context(), r.URL.Query().Get("study"), a); err != nil {
			failWith(w, "failed to set availability", err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handlePushParticipant(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := deps.Participant.ProcessLocalUpdates(r.Context())
		if err != nil {
			failWith(w, "participant push failed", err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleSchedule(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studyID, ok := resolveStudy(w, r, deps)
		if !ok {
			return
		}
		s, err := deps.Schedules.Schedule(r.Context(), studyID)
		if err != nil {
			failWith(w, "failed to load schedule", err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

// ResourceView is the wire form of a cached resource.
type ResourceView struct {
	Type        storage.ResourceType   `json:"type"`
	StudyID     string                 `json:"studyId,omitempty"`
	Identifier  string                 `json:"identifier"`
	SecondaryID string                 `json:"secondaryId,omitempty"`
	Status      storage.ResourceStatus `json:"status"`
	NeedSave    bool                   `json:"needSave"`
	LastUpdate  time.Time              `json:"lastUpdate"`
	Data        json.RawMessage        `json:"data,omitempty"`
}

func viewResource(res storage.Resource) ResourceView {
	v := ResourceView{
		Type:        res.Type,
		StudyID:     res.StudyID,
		Identifier:  res.Identifier,
		SecondaryID: res.SecondaryID,
		Status:      res.Status,
		NeedSave:    res.NeedSave,
		LastUpdate:  res.LastUpdate,
	}
	if json.Valid([]byte(res.JSON)) {
		v.Data = json.RawMessage(res.JSON)
	}
	return v
}

// PendingAdherence is the wire form of an adherence row awaiting upload.
type PendingAdherence struct {
	InstanceGuid string                 `json:"instanceGuid"`
	StartedOn    string                 `json:"startedOn"`
	Finished     bool                   `json:"finished"`
	Status       storage.ResourceStatus `json:"status"`
	LastUpdate   time.Time              `json:"lastUpdate"`
}

func viewPending(row storage.AdherenceRow) PendingAdherence {
	return PendingAdherence{
		InstanceGuid: row.InstanceGuid,
		StartedOn:    row.StartedOn,
		Finished:     row.Finished,
		Status:       row.Status,
		LastUpdate:   row.LastUpdate,
	}
}

// DirtyResponse lists everything that still has local changes to push.
type DirtyResponse struct {
	Resources []ResourceView     `json:"resources"`
	Study     string             `json:"study,omitempty"`
	Adherence []PendingAdherence `json:"adherence"`
}

func handleListDirty(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		limit := parseIntParam(r, "limit", 100, 1000)

		var t storage.ResourceType
		if s := r.URL.Query().Get("type"); s != "" {
			var ok bool
			if t, ok = storage.ParseResourceType(s); !ok {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown resource type %q", s)
				return
			}
		}
		dirty, err := deps.Resources.GetDirty(ctx, t, r.URL.Query().Get("study"))
		if err != nil {
			failWith(w, "failed to list dirty resources", err)
			return
		}

		resp := DirtyResponse{Resources: []ResourceView{}, Adherence: []PendingAdherence{}}
		for i, res := range dirty {
			if i == limit {
				break
			}
			resp.Resources = append(resp.Resources, viewResource(res))
		}

		// Adherence is listed only when a study is known.
		if studyID, err := deps.Studies.ResolveStudy(ctx, r.URL.Query().Get("study")); err == nil {
			rows, err := deps.Adherence.Pending(ctx, studyID)
			if err != nil {
				failWith(w, "failed to list pending adherence", err)
				return
			}
			resp.Study = studyID
			for i, row := range rows {
				if i == limit {
					break
				}
				resp.Adherence = append(resp.Adherence, viewPending(row))
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
