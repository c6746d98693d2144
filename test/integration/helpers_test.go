package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/config"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/database"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/gateway"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/health"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/handler"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/router"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/pubsub"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/repository"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/security"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/service"
)

const (
	testSecret   = "abcdefghijklmnopqrstuvwxyz123456"
	relayChannel = "itest:rooms"
)

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// chatStack is the shared state behind one or more gateway instances: the
// durable store, the optional Redis cache and the services on top of them.
type chatStack struct {
	db            *gorm.DB
	redis         redis.UniversalClient
	sessions      *service.SessionLifecycleManager
	conversations *service.ConversationService
	jwt           *security.JWTManager
	logger        *slog.Logger
}

func newChatStack(t *testing.T, redisClient redis.UniversalClient) *chatStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{DatabaseDriver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "chat.db")}
	db, closeDB, err := database.Open(cfg, logger)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(closeDB)
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	var cache service.SessionCacheStore = service.NewNoopSessionCacheStore()
	var tombstones service.SessionTombstoneStore = service.NewInMemorySessionTombstoneStore()
	if redisClient != nil {
		cache = service.NewRedisSessionCacheStore(redisClient, "itest:session")
		tombstones = service.NewRedisSessionTombstoneStore(redisClient, "itest:session_tombstone")
	}
	sessions := service.NewSessionLifecycleManager(
		repository.NewSessionRepository(db), cache, tombstones,
		service.SessionLifecycleOptions{MaxActivePerOwner: 5}, logger,
	)
	conversations := service.NewConversationService(
		sessions, repository.NewMessageRepository(db), nil, service.ConversationOptions{}, logger,
	)
	t.Cleanup(conversations.Wait)

	return &chatStack{
		db:            db,
		redis:         redisClient,
		sessions:      sessions,
		conversations: conversations,
		jwt:           security.NewJWTManager("iss", "aud", testSecret),
		logger:        logger,
	}
}

// newInstance starts one HTTP + WebSocket node on top of the stack. With
// withRelay it joins the Redis room relay so broadcasts cross nodes.
func (s *chatStack) newInstance(t *testing.T, withRelay bool) (string, *http.Client) {
	t.Helper()
	var relay *pubsub.RedisRoomRelay
	var roomRelay gateway.RoomRelay
	if withRelay {
		relay = pubsub.NewRedisRoomRelay(s.redis, relayChannel, s.logger)
		roomRelay = relay
	}
	gw := gateway.NewServer(gateway.NewHub(), s.jwt, s.sessions, s.conversations, roomRelay,
		gateway.Options{AllowedOrigins: []string{"*"}}, s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	if relay != nil {
		go func() {
			defer close(relayDone)
			_ = relay.Run(ctx, gw.Deliver)
		}()
	} else {
		close(relayDone)
	}

	h := router.NewRouter(router.Dependencies{
		SessionHandler:   handler.NewSessionHandler(s.sessions),
		MessageHandler:   handler.NewMessageHandler(s.sessions, s.conversations),
		Gateway:          gw,
		TokenVerifier:    s.jwt,
		CORSOrigins:      []string{"*"},
		APIRateLimitRPM:  10000,
		WSConnectRateRPM: 10000,
		Readiness:        health.NewProbeRunner(time.Second, 0, health.DBChecker(s.db), health.RedisChecker(s.redis)),
		Logger:           s.logger,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = gw.Shutdown(shutdownCtx)
		srv.Close()
		cancel()
		<-relayDone
	})
	return srv.URL, srv.Client()
}

func (s *chatStack) token(t *testing.T, owner string) string {
	t.Helper()
	token, err := s.jwt.SignAccessToken(owner, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, apiEnvelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, env
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func createSession(t *testing.T, client *http.Client, baseURL, token string) string {
	t.Helper()
	resp, env := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/sessions", map[string]any{"context": map[string]any{"topic": "itest"}}, bearer(token))
	if resp.StatusCode != http.StatusCreated || !env.Success {
		t.Fatalf("create session failed: status=%d error=%+v", resp.StatusCode, env.Error)
	}
	var s struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return s.ID
}

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, baseURL, token string) *wsConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	c := &wsConn{t: t, conn: conn}
	c.expect(gateway.TypeConnected)
	return c
}

func (c *wsConn) send(eventType string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("marshal %s: %v", eventType, err)
	}
	if err := c.conn.WriteJSON(gateway.Envelope{Type: eventType, Data: raw}); err != nil {
		c.t.Fatalf("write %s: %v", eventType, err)
	}
}

// expect reads frames until one of eventType arrives, skipping presence
// and other unrelated events.
func (c *wsConn) expect(eventType string) gateway.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env gateway.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.t.Fatalf("waiting for %s: %v", eventType, err)
		}
		if env.Type == eventType {
			return env
		}
		if env.Type == gateway.TypeError && eventType != gateway.TypeError {
			c.t.Fatalf("waiting for %s, got error event %s", eventType, string(env.Data))
		}
	}
}

func decodeData[T any](t *testing.T, env gateway.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode %s data: %v", env.Type, err)
	}
	return v
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
