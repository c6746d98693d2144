package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/security"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/service"
)

type SessionService interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	TouchActivity(ctx context.Context, id string) (*domain.Session, error)
}

type ConversationService interface {
	AppendMessage(ctx context.Context, sessionID string, role domain.MessageRole, content string, metadata map[string]any) (*domain.ConversationMessage, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.ConversationMessage, error)
	CountMessages(ctx context.Context, sessionID string) (int64, error)
}

// RoomRelay forwards room broadcasts to other gateway instances.
type RoomRelay interface {
	Publish(ctx context.Context, sessionID string, payload []byte) error
}

type Options struct {
	AuthTimeout        time.Duration
	PingInterval       time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	OperationTimeout   time.Duration
	MaxMessageSize     int64
	SendBuffer         int
	RecentHistoryLimit int
	AllowedOrigins     []string
	Now                func() time.Time
}

func (o Options) withDefaults() Options {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.ReadTimeout {
		o.PingInterval = o.ReadTimeout * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 5 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.RecentHistoryLimit <= 0 {
		o.RecentHistoryLimit = 50
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Server upgrades HTTP requests to WebSocket connections and runs the
// per-connection event loop.
type Server struct {
	hub           *Hub
	verifier      security.TokenVerifier
	sessions      SessionService
	conversations ConversationService
	relay         RoomRelay
	opts          Options
	upgrader      websocket.Upgrader
	logger        *slog.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewServer(
	hub *Hub,
	verifier security.TokenVerifier,
	sessions SessionService,
	conversations ConversationService,
	relay RoomRelay,
	opts Options,
	logger *slog.Logger,
) *Server {
	if hub == nil {
		hub = NewHub()
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	s := &Server{
		hub:           hub,
		verifier:      verifier,
		sessions:      sessions,
		conversations: conversations,
		relay:         relay,
		opts:          opts,
		logger:        logger.With("component", "gateway"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

// Deliver fans a payload received from another instance out to local
// room members.
func (s *Server) Deliver(sessionID string, payload []byte) {
	s.hub.Broadcast(sessionID, payload, nil)
}

// Shutdown refuses new upgrades, disconnects every client and waits for
// their loops to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.hub.CloseAll("server shutting down")
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		observability.RecordGatewayEvent(r.Context(), "upgrade", "shutting_down")
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	raw, source := security.TokenFromRequest(r, true)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		observability.RecordGatewayEvent(r.Context(), "upgrade", "error")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := newClient(conn, s.opts.SendBuffer, s.opts.WriteTimeout, s.opts.Now())
	conn.SetReadLimit(s.opts.MaxMessageSize)

	ownerID, err := s.handshake(ctx, c, raw, source)
	if err != nil {
		s.logger.InfoContext(ctx, "websocket handshake rejected", "connection_id", c.ID, "error", err)
		s.rejectHandshake(c)
		return
	}
	c.authenticate(ownerID)

	s.hub.Register(c)
	if s.isClosing() {
		c.closeGoingAway("server shutting down")
	}
	observability.RecordGatewayConnection(ctx, 1)
	s.logger.InfoContext(ctx, "websocket connected", "connection_id", c.ID, "owner_id", ownerID, "token_source", string(source))

	go c.writePump(s.opts.PingInterval)
	s.sendEvent(c, TypeConnected, ConnectedEvent{OwnerID: ownerID, ConnectionID: c.ID})

	s.readLoop(ctx, c)
	s.disconnect(ctx, c)
}

// track counts a connection in the shutdown wait group unless Shutdown has
// already begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

var errHandshake = errors.New("handshake failed")

func (s *Server) handshake(ctx context.Context, c *Client, raw string, source security.TokenSource) (string, error) {
	if raw == "" {
		var err error
		raw, err = s.awaitAuthenticate(c)
		if err != nil {
			observability.RecordAccessTokenValidation(ctx, "missing", string(security.TokenSourceNone))
			return "", err
		}
		source = "message"
	}
	if s.verifier == nil {
		return "", errHandshake
	}
	claims, err := s.verifier.ParseAccessToken(raw)
	if err != nil {
		observability.RecordAccessTokenValidation(ctx, "invalid", string(source))
		return "", err
	}
	observability.RecordAccessTokenValidation(ctx, "valid", string(source))
	return claims.OwnerID(), nil
}

func (s *Server) awaitAuthenticate(c *Client) (string, error) {
	_ = c.conn.SetReadDeadline(s.opts.Now().Add(s.opts.AuthTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeAuthenticate {
		return "", errHandshake
	}
	var p AuthenticatePayload
	if err := json.Unmarshal(env.Data, &p); err != nil || strings.TrimSpace(p.Token) == "" {
		return "", errHandshake
	}
	return strings.TrimSpace(p.Token), nil
}

// rejectHandshake writes the error event and close frame directly; the
// write pump has not started yet.
func (s *Server) rejectHandshake(c *Client) {
	observability.RecordGatewayEvent(context.Background(), "handshake", "rejected")
	deadline := time.Now().Add(s.opts.WriteTimeout)
	_ = c.conn.SetWriteDeadline(deadline)
	if payload, err := encodeEvent(TypeError, ErrorEvent{Code: CodeUnauthenticated, Reason: ReasonUnauthenticated}, s.opts.Now()); err == nil {
		_ = c.conn.WriteMessage(websocket.TextMessage, payload)
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseUnauthenticated, "unauthenticated"), deadline)
	c.markDisconnected()
	c.close()
}

func (s *Server) readLoop(ctx context.Context, c *Client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.DebugContext(ctx, "websocket read ended", "connection_id", c.ID, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		s.dispatch(ctx, c, data)
	}
}

func (s *Server) dispatch(ctx context.Context, c *Client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		s.sendError(c, CodeInvalidArgument, "malformed event")
		return
	}

	ctx, span := observability.StartSpan(ctx, "gateway."+env.Type,
		attribute.String("connection.id", c.ID),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	var err error
	switch env.Type {
	case TypeJoinRoom:
		err = s.handleJoin(ctx, c, env.Data)
	case TypeLeaveRoom:
		err = s.handleLeave(ctx, c)
	case TypeSendMessage:
		err = s.handleSend(ctx, c, env.Data)
	case TypeTyping:
		err = s.handleTyping(ctx, c, env.Data)
	case TypeGetRoomInfo:
		err = s.handleRoomInfo(ctx, c)
	case TypePingActivity:
		err = s.handlePingActivity(ctx, c)
	case TypeAuthenticate:
		err = invalidEvent("already authenticated")
	default:
		err = invalidEvent("unknown event type: " + env.Type)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		code, reason := errorEvent(err)
		if code == CodeInternal || code == CodeUnavailable {
			s.logger.WarnContext(ctx, "websocket event failed", "type", env.Type, "connection_id", c.ID, "error", err)
		}
		s.sendError(c, code, reason)
	}
	observability.RecordGatewayEvent(ctx, env.Type, outcome)
}

func (s *Server) handleJoin(ctx context.Context, c *Client, data json.RawMessage) error {
	var p JoinRoomPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	sessionID := strings.TrimSpace(p.SessionID)
	if sessionID == "" {
		return invalidEvent("session_id is required")
	}

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	ownerID := c.OwnerID()
	if err := service.AuthorizeOwner(sess, ownerID); err != nil {
		return err
	}

	prev := s.hub.Join(c, sessionID)
	if prev != "" {
		s.broadcast(ctx, prev, TypeUserLeft, PresenceEvent{OwnerID: ownerID}, c)
		s.touch(ctx, prev)
	}
	s.touch(ctx, sessionID)

	recent, err := s.conversations.RecentMessages(ctx, sessionID, s.opts.RecentHistoryLimit)
	if err != nil {
		s.logger.WarnContext(ctx, "load recent history failed", "session_id", sessionID, "error", err)
		recent = nil
	}
	// RecentMessages is newest first; clients render oldest first.
	history := make([]MessageEvent, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		history = append(history, messageEvent(recent[i]))
	}

	s.sendEvent(c, TypeRoomJoined, RoomJoinedEvent{SessionID: sessionID, RecentMessages: history})
	s.broadcast(ctx, sessionID, TypeUserJoined, PresenceEvent{OwnerID: ownerID}, c)
	return nil
}

func (s *Server) handleLeave(ctx context.Context, c *Client) error {
	prev := s.hub.Leave(c)
	if prev == "" {
		return errNotInRoom
	}
	s.touch(ctx, prev)
	s.broadcast(ctx, prev, TypeUserLeft, PresenceEvent{OwnerID: c.OwnerID()}, c)
	s.sendEvent(c, TypeRoomLeft, RoomLeftEvent{SessionID: prev})
	return nil
}

func (s *Server) handleSend(ctx context.Context, c *Client, data json.RawMessage) error {
	sessionID := c.Room()
	if sessionID == "" {
		return errNotInRoom
	}
	var p SendMessagePayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	msg, err := s.conversations.AppendMessage(ctx, sessionID, domain.MessageRoleUser, p.Content, p.Metadata)
	if err != nil {
		return err
	}
	s.broadcast(ctx, sessionID, TypeMessageReceived, messageEvent(*msg), nil)
	return nil
}

func (s *Server) handleTyping(ctx context.Context, c *Client, data json.RawMessage) error {
	sessionID := c.Room()
	if sessionID == "" {
		return errNotInRoom
	}
	var p TypingPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	s.broadcast(ctx, sessionID, TypeTypingIndicator, TypingIndicatorEvent{OwnerID: c.OwnerID(), IsTyping: p.IsTyping}, c)
	return nil
}

func (s *Server) handleRoomInfo(ctx context.Context, c *Client) error {
	sessionID := c.Room()
	if sessionID == "" {
		s.sendEvent(c, TypeRoomInfo, RoomInfoEvent{Connected: false})
		return nil
	}
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	count, err := s.conversations.CountMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	s.sendEvent(c, TypeRoomInfo, RoomInfoEvent{
		Connected:    true,
		SessionID:    sessionID,
		Session:      sessionSnapshot(sess),
		MessageCount: &count,
	})
	return nil
}

func (s *Server) handlePingActivity(ctx context.Context, c *Client) error {
	sessionID := c.Room()
	if sessionID == "" {
		return errNotInRoom
	}
	sess, err := s.sessions.TouchActivity(ctx, sessionID)
	if err != nil {
		return err
	}
	s.sendEvent(c, TypeActivityUpdated, ActivityUpdatedEvent{SessionID: sessionID, ExpiresAt: sess.ExpiresAt})
	return nil
}

// disconnect runs after the read loop ends and needs nothing further from
// the connection.
func (s *Server) disconnect(ctx context.Context, c *Client) {
	prev := s.hub.Leave(c)
	c.markDisconnected()
	c.close()
	s.hub.Unregister(c)
	observability.RecordGatewayConnection(ctx, -1)

	if prev != "" {
		opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
		s.broadcast(opCtx, prev, TypeUserDisconnected, PresenceEvent{OwnerID: c.OwnerID()}, c)
		s.touch(opCtx, prev)
		cancel()
	}
	s.logger.InfoContext(ctx, "websocket disconnected", "connection_id", c.ID, "owner_id", c.OwnerID(), "room", prev)
}

func (s *Server) touch(ctx context.Context, sessionID string) {
	if _, err := s.sessions.TouchActivity(ctx, sessionID); err != nil {
		s.logger.DebugContext(ctx, "touch activity skipped", "session_id", sessionID, "error", err)
	}
}

func (s *Server) broadcast(ctx context.Context, sessionID, eventType string, data any, except *Client) {
	payload, err := encodeEvent(eventType, data, s.opts.Now())
	if err != nil {
		s.logger.ErrorContext(ctx, "encode broadcast failed", "type", eventType, "error", err)
		return
	}
	s.hub.Broadcast(sessionID, payload, except)
	if s.relay == nil {
		return
	}
	if err := s.relay.Publish(ctx, sessionID, payload); err != nil {
		s.logger.WarnContext(ctx, "relay publish failed", "session_id", sessionID, "type", eventType, "error", err)
	}
}

func (s *Server) sendEvent(c *Client, eventType string, data any) {
	payload, err := encodeEvent(eventType, data, s.opts.Now())
	if err != nil {
		s.logger.Error("encode event failed", "type", eventType, "error", err)
		return
	}
	if !c.enqueue(payload) {
		observability.RecordBroadcastDelivery(context.Background(), "dropped", 1)
		go c.closeSlow()
	}
}

func (s *Server) sendError(c *Client, code, reason string) {
	s.sendEvent(c, TypeError, ErrorEvent{Code: code, Reason: reason})
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return invalidEvent("missing event data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return invalidEvent("malformed event data")
	}
	return nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
