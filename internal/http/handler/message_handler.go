package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/response"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/service"
)

type MessageHandler struct {
	sessions      service.SessionServiceInterface
	conversations service.ConversationServiceInterface
}

func NewMessageHandler(sessions service.SessionServiceInterface, conversations service.ConversationServiceInterface) *MessageHandler {
	return &MessageHandler{sessions: sessions, conversations: conversations}
}

type appendMessageRequest struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type updateMessageRequest struct {
	Content  *string        `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

func (h *MessageHandler) Append(w http.ResponseWriter, r *http.Request) {
	var req appendMessageRequest
	if err := response.DecodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "invalid request body")
		return
	}
	role := domain.MessageRole(strings.ToUpper(strings.TrimSpace(req.Role)))
	if role == "" {
		role = domain.MessageRoleUser
	}
	s, ok := h.liveSession(w, r)
	if !ok {
		return
	}
	msg, err := h.conversations.AppendMessage(r.Context(), s.ID, role, req.Content, req.Metadata)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, msg)
}

func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
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
	s, ok := h.liveSession(w, r)
	if !ok {
		return
	}
	result, err := h.conversations.ListHistory(r.Context(), s.ID, page, pageSize, r.URL.Query().Get("order"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

func (h *MessageHandler) Count(w http.ResponseWriter, r *http.Request) {
	s, ok := authorizeSession(w, r, h.sessions, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	n, err := h.conversations.CountMessages(r.Context(), s.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"session_id": s.ID, "count": n})
}

func (h *MessageHandler) Clear(w http.ResponseWriter, r *http.Request) {
	s, ok := h.liveSession(w, r)
	if !ok {
		return
	}
	n, err := h.conversations.ClearConversation(r.Context(), s.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "conversation.cleared", "session_id", s.ID, "deleted", n)
	response.JSON(w, r, http.StatusOK, map[string]any{"session_id": s.ID, "deleted": n})
}

func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.ownedMessage(w, r)
	if !ok {
		return
	}
	response.JSON(w, r, http.StatusOK, msg)
}

func (h *MessageHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateMessageRequest
	if err := response.DecodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "invalid request body")
		return
	}
	msg, ok := h.ownedMessage(w, r)
	if !ok {
		return
	}
	updated, err := h.conversations.UpdateMessage(r.Context(), msg.ID, req.Content, req.Metadata)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "message.updated", "message_id", msg.ID, "session_id", msg.SessionID)
	response.JSON(w, r, http.StatusOK, updated)
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.ownedMessage(w, r)
	if !ok {
		return
	}
	if err := h.conversations.DeleteMessage(r.Context(), msg.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "message.deleted", "message_id", msg.ID, "session_id", msg.SessionID)
	response.JSON(w, r, http.StatusOK, map[string]any{"id": msg.ID, "deleted": true})
}

func (h *MessageHandler) liveSession(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	return (&SessionHandler{sessions: h.sessions}).ownedLive(w, r)
}

// ownedMessage loads a message and checks the caller owns its session.
func (h *MessageHandler) ownedMessage(w http.ResponseWriter, r *http.Request) (*domain.ConversationMessage, bool) {
	msg, err := h.conversations.GetMessage(r.Context(), chi.URLParam(r, "message_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	if _, ok := authorizeSession(w, r, h.sessions, msg.SessionID); !ok {
		return nil, false
	}
	return msg, true
}
