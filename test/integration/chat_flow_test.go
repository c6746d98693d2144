package integration

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/gateway"
)

func TestChatFlowOverWebSocketPersistsHistory(t *testing.T) {
	stack := newChatStack(t, nil)
	baseURL, client := stack.newInstance(t, false)
	token := stack.token(t, "alice")
	sessionID := createSession(t, client, baseURL, token)

	first := dialWS(t, baseURL, token)
	second := dialWS(t, baseURL, token)
	for _, c := range []*wsConn{first, second} {
		c.send(gateway.TypeJoinRoom, gateway.JoinRoomPayload{SessionID: sessionID})
		joined := decodeData[gateway.RoomJoinedEvent](t, c.expect(gateway.TypeRoomJoined))
		if joined.SessionID != sessionID {
			t.Fatalf("joined wrong room %q", joined.SessionID)
		}
	}

	first.send(gateway.TypeSendMessage, gateway.SendMessagePayload{Content: "hello from the first tab"})
	for _, c := range []*wsConn{first, second} {
		msg := decodeData[gateway.MessageEvent](t, c.expect(gateway.TypeMessageReceived))
		if msg.Content != "hello from the first tab" || msg.Role != "USER" || msg.SessionID != sessionID {
			t.Fatalf("unexpected message event %+v", msg)
		}
	}

	resp, env := doJSON(t, client, http.MethodGet, baseURL+"/api/v1/sessions/"+sessionID+"/messages", nil, bearer(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list history failed: status=%d", resp.StatusCode)
	}
	var page struct {
		Total int64 `json:"total"`
		Items []struct {
			Content string `json:"content"`
		} `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 1 || page.Items[0].Content != "hello from the first tab" {
		t.Fatalf("expected persisted message, got %+v", page)
	}

	late := dialWS(t, baseURL, token)
	late.send(gateway.TypeJoinRoom, gateway.JoinRoomPayload{SessionID: sessionID})
	joined := decodeData[gateway.RoomJoinedEvent](t, late.expect(gateway.TypeRoomJoined))
	if len(joined.RecentMessages) != 1 || joined.RecentMessages[0].Content != "hello from the first tab" {
		t.Fatalf("expected history replay on join, got %+v", joined.RecentMessages)
	}

	resp, _ = doJSON(t, client, http.MethodPost, baseURL+"/api/v1/sessions/"+sessionID+"/expire", nil, bearer(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expire failed: status=%d", resp.StatusCode)
	}
	first.send(gateway.TypeSendMessage, gateway.SendMessagePayload{Content: "too late"})
	errEvent := decodeData[gateway.ErrorEvent](t, first.expect(gateway.TypeError))
	if errEvent.Code != gateway.CodeNotFound || errEvent.Reason != gateway.ReasonSessionGone {
		t.Fatalf("expected session gone error, got %+v", errEvent)
	}
}

func TestChatFlowRejectsForeignOwner(t *testing.T) {
	stack := newChatStack(t, nil)
	baseURL, client := stack.newInstance(t, false)
	sessionID := createSession(t, client, baseURL, stack.token(t, "alice"))

	intruder := dialWS(t, baseURL, stack.token(t, "mallory"))
	intruder.send(gateway.TypeJoinRoom, gateway.JoinRoomPayload{SessionID: sessionID})
	errEvent := decodeData[gateway.ErrorEvent](t, intruder.expect(gateway.TypeError))
	if errEvent.Code != gateway.CodeAccessDenied || errEvent.Reason != gateway.ReasonAccessDenied {
		t.Fatalf("expected access denied, got %+v", errEvent)
	}

	resp, env := doJSON(t, client, http.MethodGet, baseURL+"/api/v1/sessions/"+sessionID, nil, bearer(stack.token(t, "mallory")))
	if resp.StatusCode != http.StatusForbidden || env.Error == nil || env.Error.Code != "ACCESS_DENIED" {
		t.Fatalf("expected 403 ACCESS_DENIED over REST, got status=%d error=%+v", resp.StatusCode, env.Error)
	}
}

func TestRoomRelayCrossesInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	stack := newChatStack(t, redisClient)
	nodeA, client := stack.newInstance(t, true)
	nodeB, _ := stack.newInstance(t, true)
	waitFor(t, 3*time.Second, "both relays subscribed", func() bool {
		return mr.PubSubNumSub(relayChannel)[relayChannel] == 2
	})

	token := stack.token(t, "alice")
	sessionID := createSession(t, client, nodeA, token)

	onA := dialWS(t, nodeA, token)
	onB := dialWS(t, nodeB, token)
	for _, c := range []*wsConn{onA, onB} {
		c.send(gateway.TypeJoinRoom, gateway.JoinRoomPayload{SessionID: sessionID})
		c.expect(gateway.TypeRoomJoined)
	}

	onA.send(gateway.TypeSendMessage, gateway.SendMessagePayload{Content: "across nodes"})
	msg := decodeData[gateway.MessageEvent](t, onB.expect(gateway.TypeMessageReceived))
	if msg.Content != "across nodes" || msg.SessionID != sessionID {
		t.Fatalf("unexpected relayed message %+v", msg)
	}
	onA.expect(gateway.TypeMessageReceived)

	// The sending node must not receive its own publication back.
	onA.send(gateway.TypeGetRoomInfo, nil)
	_ = onA.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env gateway.Envelope
		if err := onA.conn.ReadJSON(&env); err != nil {
			t.Fatalf("read: %v", err)
		}
		if env.Type == gateway.TypeMessageReceived {
			t.Fatal("sender node delivered its own relayed message twice")
		}
		if env.Type == gateway.TypeRoomInfo {
			break
		}
	}
}
