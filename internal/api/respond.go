package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"enviador/internal/dispatch"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// requestStatus maps a decode or validation error to its HTTP status.
func requestStatus(err error) (int, bool) {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, true
	case errors.Is(err, errBadPayload), dispatch.IsRequestError(err):
		return http.StatusBadRequest, true
	}
	return 0, false
}
