package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"coursecast/internal/errdefs"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeKindError maps a classified error onto its HTTP status.
func writeKindError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err)
}

func statusForError(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.KindValidation, errdefs.KindChecksumMismatch:
		return http.StatusBadRequest
	case errdefs.KindForbidden:
		return http.StatusForbidden
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindInvalidState, errdefs.KindIncompleteUpload:
		return http.StatusConflict
	case errdefs.KindExpired:
		return http.StatusGone
	case errdefs.KindSizeMismatch:
		return http.StatusRequestEntityTooLarge
	case errdefs.KindLimitExceeded:
		return http.StatusTooManyRequests
	case errdefs.KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, errors.New("method "+r.Method+" not allowed"))
}
