package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/response"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/service"
)

// writeServiceError is the single place service errors become HTTP errors.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch service.ErrorKind(err) {
	case service.KindInvalidArgument:
		response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", publicMessage(err, service.ErrInvalidArgument), nil)
	case service.KindUnauthenticated:
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
	case service.KindAccessDenied:
		response.Error(w, r, http.StatusForbidden, "ACCESS_DENIED", publicMessage(err, service.ErrAccessDenied), nil)
	case service.KindNotFound:
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", publicMessage(err, service.ErrNotFound), nil)
	case service.KindUnavailable:
		slog.WarnContext(r.Context(), "dependency unavailable", "path", r.URL.Path, "error", err)
		response.Error(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "service temporarily unavailable", nil)
	default:
		slog.ErrorContext(r.Context(), "unhandled service error", "path", r.URL.Path, "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", message, nil)
}

func publicMessage(err error, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
	if msg == "" {
		return sentinel.Error()
	}
	return msg
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return v, nil
}
