package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/security"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/service"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	touches  map[string]int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]*domain.Session{}, touches: map[string]int{}}
}

func (f *fakeSessions) add(owner string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	id := uuid.NewString()
	f.sessions[id] = &domain.Session{
		ID:           id,
		OwnerID:      owner,
		Status:       domain.SessionStatusActive,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(30 * time.Minute),
	}
	return id
}

func (f *fakeSessions) touchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touches[id]
}

func (f *fakeSessions) GetSession(_ context.Context, id string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session not found or expired", service.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) TouchActivity(_ context.Context, id string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session not found or expired", service.ErrNotFound)
	}
	now := time.Now().UTC()
	s.LastActivity = now
	s.ExpiresAt = now.Add(30 * time.Minute)
	f.touches[id]++
	cp := *s
	return &cp, nil
}

type fakeConversations struct {
	mu       sync.Mutex
	messages map[string][]domain.ConversationMessage
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{messages: map[string][]domain.ConversationMessage{}}
}

func (f *fakeConversations) AppendMessage(_ context.Context, sessionID string, role domain.MessageRole, content string, metadata map[string]any) (*domain.ConversationMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", service.ErrInvalidArgument)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := domain.ConversationMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	f.messages[sessionID] = append(f.messages[sessionID], m)
	return &m, nil
}

func (f *fakeConversations) RecentMessages(_ context.Context, sessionID string, limit int) ([]domain.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.messages[sessionID]
	out := make([]domain.ConversationMessage, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeConversations) CountMessages(_ context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.messages[sessionID])), nil
}

type gatewayFixture struct {
	server        *Server
	http          *httptest.Server
	jwt           *security.JWTManager
	sessions      *fakeSessions
	conversations *fakeConversations
}

func newGatewayFixture(t *testing.T, opts Options) *gatewayFixture {
	t.Helper()
	jwtMgr := security.NewJWTManager("iss", "aud", "abcdefghijklmnopqrstuvwxyz123456")
	sessions := newFakeSessions()
	conversations := newFakeConversations()
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = 2 * time.Second
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(NewHub(), jwtMgr, sessions, conversations, nil, opts, logger)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &gatewayFixture{server: srv, http: ts, jwt: jwtMgr, sessions: sessions, conversations: conversations}
}

func (f *gatewayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http")
}

func (f *gatewayFixture) token(t *testing.T, owner string) string {
	t.Helper()
	raw, err := f.jwt.SignAccessToken(owner, time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func (f *gatewayFixture) dialRaw(t *testing.T, header http.Header, query string) *websocket.Conn {
	t.Helper()
	url := f.wsURL()
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dial connects as owner and consumes the connected event.
func (f *gatewayFixture) dial(t *testing.T, owner string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(t, owner))
	conn := f.dialRaw(t, header, "")
	ev := readEvent(t, conn)
	if ev.Type != TypeConnected {
		t.Fatalf("expected connected event, got %s", ev.Type)
	}
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, data any) {
	t.Helper()
	env := map[string]any{"type": eventType}
	if data != nil {
		env["data"] = data
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode event %s: %v", data, err)
	}
	return env
}

// readUntil skips events until one of eventType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) Envelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		ev := readEvent(t, conn)
		if ev.Type == eventType {
			return ev
		}
	}
	t.Fatalf("no %s event received", eventType)
	return Envelope{}
}

func decodeData[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode %s data: %v", env.Type, err)
	}
	return v
}

// expectNoEvent asserts nothing arrives within the window.
func expectNoEvent(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(window))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no event, got %s", data)
	}
}
