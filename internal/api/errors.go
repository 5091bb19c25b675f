package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kalambet/studysync/internal/bridge"
	"github.com/kalambet/studysync/internal/engine"
	"github.com/kalambet/studysync/internal/participant"
	"github.com/kalambet/studysync/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// failWith writes err with the status code its kind maps to.
func failWith(w http.ResponseWriter, action string, err error) {
	var se *bridge.StatusError
	switch {
	case errors.Is(err, participant.ErrSignedOut):
		httpError(w, http.StatusUnauthorized, "signed_out", "%s: %v", action, err)
	case errors.Is(err, engine.ErrNoStudy), errors.Is(err, participant.ErrInvalidAvailability):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", action, err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s: %v", action, err)
	case errors.As(err, &se):
		httpError(w, http.StatusBadGateway, "upstream_error", "%s: %v", action, err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", action, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
