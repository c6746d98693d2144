package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/middleware"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/response"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/repository"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/service"
)

type SessionHandler struct {
	sessions service.SessionServiceInterface
}

func NewSessionHandler(sessions service.SessionServiceInterface) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

type createSessionRequest struct {
	Context   map[string]any `json:"context"`
	ExpiresAt *time.Time     `json:"expires_at"`
}

type updateSessionRequest struct {
	Context map[string]any `json:"context"`
	Status  string         `json:"status"`
}

func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := response.DecodeJSON(r, &req); err != nil && !errors.Is(err, response.ErrEmptyBody) {
		writeBadRequest(w, r, "invalid request body")
		return
	}
	s, err := h.sessions.CreateSession(r.Context(), middleware.OwnerIDFromContext(r.Context()), req.Context, req.ExpiresAt)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "session.created", "session_id", s.ID, "owner_id", s.OwnerID)
	response.JSON(w, r, http.StatusCreated, s)
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	status := domain.SessionStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	result, err := h.sessions.ListSessions(r.Context(), middleware.OwnerIDFromContext(r.Context()), status, repository.PageRequest{Page: page, PageSize: pageSize})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownedLive(w, r)
	if !ok {
		return
	}
	response.JSON(w, r, http.StatusOK, s)
}

func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := response.DecodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "invalid request body")
		return
	}
	status := domain.SessionStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if req.Context == nil && status == "" {
		writeBadRequest(w, r, "context or status is required")
		return
	}
	if status != "" && status != domain.SessionStatusInactive {
		writeBadRequest(w, r, "status can only be set to INACTIVE")
		return
	}
	s, ok := h.ownedLive(w, r)
	if !ok {
		return
	}
	var err error
	if req.Context != nil {
		if s, err = h.sessions.UpdateContext(r.Context(), s.ID, req.Context); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}
	if status == domain.SessionStatusInactive {
		if s, err = h.sessions.Deactivate(r.Context(), s.ID); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}
	observability.Audit(r, "session.updated", "session_id", s.ID, "status", string(s.Status))
	response.JSON(w, r, http.StatusOK, s)
}

func (h *SessionHandler) Touch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownedLive(w, r)
	if !ok {
		return
	}
	s, err := h.sessions.TouchActivity(r.Context(), s.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, s)
}

func (h *SessionHandler) Expire(w http.ResponseWriter, r *http.Request) {
	s, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Expire(r.Context(), s.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "session.expired", "session_id", s.ID)
	response.JSON(w, r, http.StatusOK, map[string]any{"id": s.ID, "status": domain.SessionStatusExpired})
}

func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	s, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.sessions.DeleteSession(r.Context(), s.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "session.deleted", "session_id", s.ID)
	response.JSON(w, r, http.StatusOK, map[string]any{"id": s.ID, "deleted": true})
}

// ownedLive loads a live session and checks the caller owns it.
func (h *SessionHandler) ownedLive(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	s, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err == nil {
		err = service.AuthorizeOwner(s, middleware.OwnerIDFromContext(r.Context()))
	}
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	return s, true
}

// owned loads a session in any status and checks the caller owns it.
func (h *SessionHandler) owned(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	return authorizeSession(w, r, h.sessions, chi.URLParam(r, "id"))
}

func authorizeSession(w http.ResponseWriter, r *http.Request, sessions service.SessionServiceInterface, id string) (*domain.Session, bool) {
	s, err := sessions.LookupSession(r.Context(), id)
	if err == nil {
		err = service.AuthorizeOwner(s, middleware.OwnerIDFromContext(r.Context()))
	}
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	return s, true
}
