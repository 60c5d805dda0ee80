package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message    string           `json:"message"`
	LockedBy   string           `json:"lockedBy,omitempty"`
	LockedByID shoplist.ActorID `json:"lockedById,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, shoplist.ErrLockConflict):
		return http.StatusLocked
	case errors.Is(err, shoplist.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shoplist.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, shoplist.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, shoplist.ErrInvalid), errors.Is(err, shoplist.ErrNotDraggable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(writer http.ResponseWriter, request *http.Request, err error) {
	code := statusFor(err)
	body := ErrorResponse{Message: err.Error()}
	var lc *shoplist.LockConflictError
	if errors.As(err, &lc) {
		s.metrics.LockConflicts.Inc()
		body.Message, _ = shoplist.ConflictMessage(err)
		body.LockedBy = lc.Holder()
		body.LockedByID = lc.HeldBy
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "method", request.Method, "url", request.URL, "err", err)
		body.Message = "internal error"
	}
	writeJSON(writer, code, body)
}

func writeJSON(writer http.ResponseWriter, code int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	if v == nil {
		return
	}
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func readJSON(request *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(request.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: failed to decode body: %v", shoplist.ErrInvalid, err)
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", shoplist.ErrInvalid, msg)
}
