package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/m-mizutani/goerr/v2"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/logging"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return goerr.Wrap(err, "decode request body")
	}
	return nil
}

// writeServiceError maps a service error onto a status code. Structural
// errors carry their message to the caller; store and unexpected failures
// are logged and reported generically.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "memory not found")
	case errors.Is(err, models.ErrDuplicateID):
		writeError(w, http.StatusConflict, "memory id already used")
	case errors.Is(err, models.ErrConflict):
		writeError(w, http.StatusConflict, "version conflict")
	case errors.Is(err, models.ErrAuthentication):
		logging.From(r.Context()).Error("store key rejected", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store cannot be decrypted with the configured key")
	case errors.Is(err, models.ErrCorruption):
		logging.From(r.Context()).Error("store corrupted", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store is corrupted")
	default:
		logging.From(r.Context()).Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
