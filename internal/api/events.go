package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/studysync/internal/adherence"
	"github.com/kalambet/studysync/internal/models"
	"github.com/kalambet/studysync/internal/storage"
)

const keepAliveInterval = 30 * time.Second

// handleResourceEvents streams one cached resource as server-sent events.
// The current value is sent first, then every write until the client goes
// away or the cache shuts down.
func handleResourceEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := storage.ParseResourceType(chi.URLParam(r, "type"))
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown resource type %q", chi.URLParam(r, "type"))
			return
		}
		key := storage.ResourceKey{
			Type:        t,
			StudyID:     r.URL.Query().Get("study"),
			Identifier:  chi.URLParam(r, "identifier"),
			SecondaryID: r.URL.Query().Get("secondary"),
		}

		subID := uuid.New().String()
		logger := slog.Default().With("subscriber", subID, "type", key.Type, "id", key.Identifier)
		updates, cancel := deps.Resources.Observe(r.Context(), key)
		defer cancel()

		streamEvents(w, r, subID, logger, "resource", updates, func(res storage.Resource) any {
			return viewResource(res)
		})
	}
}

// AdherenceEvent is one snapshot of a study's cached adherence.
type AdherenceEvent struct {
	Study     string                              `json:"study"`
	Adherence map[string][]models.AdherenceRecord `json:"adherence"`
}

// handleAdherenceEvents streams the cached adherence of a study. With
// completed=true only finished records are included.
func handleAdherenceEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studyID, ok := resolveStudy(w, r, deps)
		if !ok {
			return
		}
		completed := r.URL.Query().Get("completed") == "true"

		subID := uuid.New().String()
		logger := slog.Default().With("subscriber", subID, "study", studyID)
		updates, cancel := deps.Adherence.Observe(r.Context(), studyID)
		defer cancel()

		streamEvents(w, r, subID, logger, "adherence", updates, func(s adherence.Snapshot) any {
			if completed {
				s = finishedOnly(s)
			}
			return AdherenceEvent{Study: studyID, Adherence: s}
		})
	}
}

func finishedOnly(s adherence.Snapshot) adherence.Snapshot {
	out := make(adherence.Snapshot)
	for guid, recs := range s {
		for _, rec := range recs {
			if rec.FinishedOn != nil {
				out[guid] = append(out[guid], rec)
			}
		}
	}
	return out
}

// streamEvents writes each value from updates as a server-sent event until
// the channel closes or the client goes away.
func streamEvents[T any](w http.ResponseWriter, r *http.Request, subID string, logger *slog.Logger,
	event string, updates <-chan T, view func(T) any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Subscriber-Id", subID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	logger.Debug("observer attached", "event", event)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case v, open := <-updates:
			if !open {
				logger.Debug("observer closed", "event", event)
				return
			}
			data, err := json.Marshal(view(v))
			if err != nil {
				logger.Warn("encoding event", "event", event, "error", err)
				continue
			}
			seq++
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
