package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/Runplane/internal/domain"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// readOptionalJSON is readJSON for endpoints whose body may be omitted.
func readOptionalJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	if r.ContentLength == 0 {
		return v, true
	}
	return readJSON[T](w, r, bodyLimit)
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// queryInt parses an integer query parameter. Missing values yield def.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

// errorResponse carries a human message plus a stable code clients can
// branch on without parsing the message.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// retryAfterSeconds is advertised on 503s; the queue and store outages it
// covers are retried internally on a similar scale.
const retryAfterSeconds = "2"

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeCodedError(w http.ResponseWriter, status int, code, message string) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeDomainError maps the domain sentinels onto status codes. notFoundMsg
// names the resource the route looked up.
func writeDomainError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeCodedError(w, http.StatusNotFound, "not_found", notFoundMsg)
	case errors.Is(err, domain.ErrValidation):
		writeCodedError(w, http.StatusBadRequest, "invalid", trimSentinel(err, domain.ErrValidation))
	case errors.Is(err, domain.ErrNotRetryable):
		writeCodedError(w, http.StatusBadRequest, "not_retryable", trimSentinel(err, domain.ErrNotRetryable))
	case errors.Is(err, domain.ErrConflict):
		writeCodedError(w, http.StatusConflict, "conflict", "resource was modified by another request")
	case errors.Is(err, domain.ErrQueueUnavailable):
		writeCodedError(w, http.StatusServiceUnavailable, "queue_unavailable", "queue unavailable")
	case errors.Is(err, domain.ErrUnavailable):
		writeCodedError(w, http.StatusServiceUnavailable, "store_unavailable", "store unavailable")
	default:
		slog.Error("unhandled domain error", "error", err)
		writeCodedError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

// trimSentinel drops the trailing ": <sentinel>" wrap so clients see only
// the detail.
func trimSentinel(err, sentinel error) string {
	msg := err.Error()
	if msg == sentinel.Error() {
		return msg
	}
	msg = strings.TrimSuffix(msg, ": "+sentinel.Error())
	return strings.TrimPrefix(msg, sentinel.Error()+": ")
}
