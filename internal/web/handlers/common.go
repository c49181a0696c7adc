// Package handlers implements the REST and websocket endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/matcher"
	"github.com/rs/zerolog"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// errorResponse is the body of every error response.
type errorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
}

// respondError sends an error response without a kind.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// statusForKind maps an error kind to an HTTP status.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondAppError classifies err and writes the matching status and body.
// Server-side failures are logged and their details hidden from the client.
func respondAppError(w http.ResponseWriter, logger zerolog.Logger, op string, err error) {
	kind := apperr.Classify(err)
	status := statusForKind(kind)

	message := apperr.Message(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("op", op).Str("kind", string(kind)).Msg("request failed")
		if kind == apperr.KindStorageUnavailable {
			message = "storage temporarily unavailable"
		} else {
			message = op + " failed"
		}
	}
	if errors.Is(err, apperr.ErrStorageUnavailable) {
		w.Header().Set("Retry-After", "5")
	}
	respondJSON(w, status, errorResponse{Error: message, Kind: kind})
}

// parseMatchOptions reads threshold, top_k and per_person_k from form or
// query values. Absent values stay unset so the configured defaults apply.
func parseMatchOptions(get func(string) string) (matcher.Options, error) {
	var opts matcher.Options
	if s := get("threshold"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return opts, apperr.Validation("", "threshold must be a number")
		}
		opts.Threshold = matcher.Float(f)
	}
	if s := get("top_k"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n == 0 {
			return opts, apperr.Validation("", "top_k must be a positive integer")
		}
		opts.TopK = n
	}
	if s := get("per_person_k"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n == 0 {
			return opts, apperr.Validation("", "per_person_k must be a positive integer")
		}
		opts.PerPersonK = n
	}
	return opts, nil
}
