package ws

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sparc/server/internal/net/proto"
	"sparc/server/internal/realtime"
)

func startServer(t *testing.T) (*realtime.Hub, string) {
	t.Helper()
	hub := realtime.NewHub(realtime.Config{})
	handler := NewHandler(hub, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)
	return hub, srv.URL
}

func dial(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	u.Scheme = "ws"

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if resp != nil {
			resp.Body.Close()
		}
	})
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg proto.ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s message: %v", msg.Type, err)
	}
}

// readUntil reads frames until one matches the predicate or the deadline
// passes. Frames that do not match are discarded.
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(proto.ServerMessage) bool) proto.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		msg, err := proto.DecodeServerMessage(payload)
		if err != nil {
			t.Fatalf("decode while waiting for %s: %v", what, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func join(t *testing.T, conn *websocket.Conn, topic, presenceKey string) {
	t.Helper()
	send(t, conn, proto.ClientMessage{Type: proto.TypeJoin, Topic: topic, PresenceKey: presenceKey})
	reply := readUntil(t, conn, "join reply", func(m proto.ServerMessage) bool {
		return m.Type == proto.TypeJoinReply && m.Topic == topic
	})
	if reply.Status != proto.JoinStatusSubscribed {
		t.Fatalf("join failed: %+v", reply)
	}
}

func TestBroadcastReachesPeersNotSender(t *testing.T) {
	_, serverURL := startServer(t)

	sender := dial(t, serverURL)
	peer := dial(t, serverURL)
	join(t, sender, "session:1", "")
	join(t, peer, "session:1", "")

	send(t, sender, proto.ClientMessage{
		Type:    proto.TypeBroadcast,
		Topic:   "session:1",
		Event:   "state_update",
		Payload: []byte(`{"status":"paused"}`),
	})

	msg := readUntil(t, peer, "broadcast", func(m proto.ServerMessage) bool {
		return m.Type == proto.TypeBroadcast
	})
	if msg.Event != "state_update" {
		t.Fatalf("unexpected event %q", msg.Event)
	}
	if !strings.Contains(string(msg.Payload), "paused") {
		t.Fatalf("unexpected payload %s", msg.Payload)
	}

	// The sender's next frame must be a heartbeat ack, not its own echo.
	send(t, sender, proto.ClientMessage{Type: proto.TypeHeartbeat, SentAt: time.Now().UnixMilli()})
	ack := readUntil(t, sender, "heartbeat ack", func(m proto.ServerMessage) bool {
		return m.Type == proto.TypeHeartbeat || m.Type == proto.TypeBroadcast
	})
	if ack.Type == proto.TypeBroadcast {
		t.Fatal("sender received its own broadcast")
	}
}

func TestChangeNotificationDelivered(t *testing.T) {
	hub, serverURL := startServer(t)

	conn := dial(t, serverURL)
	send(t, conn, proto.ClientMessage{
		Type:   proto.TypeJoin,
		Topic:  "session:9",
		Filter: &proto.ChangeFilter{RecordID: "session-9"},
	})
	readUntil(t, conn, "join reply", func(m proto.ServerMessage) bool {
		return m.Type == proto.TypeJoinReply
	})

	if err := hub.PublishChange("session:9", "session-9", map[string]any{"id": "session-9", "status": "active"}); err != nil {
		t.Fatalf("publish change: %v", err)
	}

	msg := readUntil(t, conn, "change", func(m proto.ServerMessage) bool {
		return m.Type == proto.TypeChange
	})
	if msg.RecordID != "session-9" {
		t.Fatalf("unexpected record id %q", msg.RecordID)
	}
	if !strings.Contains(string(msg.Record), "active") {
		t.Fatalf("unexpected record %s", msg.Record)
	}
}

func TestPresenceTrackFansOut(t *testing.T) {
	_, serverURL := startServer(t)

	tracker := dial(t, serverURL)
	watcher := dial(t, serverURL)
	join(t, tracker, "presence:1", "user-1")
	join(t, watcher, "presence:1", "")

	send(t, tracker, proto.ClientMessage{
		Type:  proto.TypeTrack,
		Topic: "presence:1",
		State: []byte(`{"userId":"user-1","userName":"Lyra","status":"online"}`),
	})

	joinMsg := readUntil(t, watcher, "presence join", func(m proto.ServerMessage) bool {
		return m.Type == proto.TypePresence && m.Kind == proto.PresenceJoin
	})
	if joinMsg.Key != "user-1" {
		t.Fatalf("expected join for user-1, got %q", joinMsg.Key)
	}

	syncMsg := readUntil(t, watcher, "presence sync", func(m proto.ServerMessage) bool {
		return m.Type == proto.TypePresence && m.Kind == proto.PresenceSync
	})
	if len(syncMsg.State["user-1"]) != 1 {
		t.Fatalf("sync missing tracked state: %+v", syncMsg.State)
	}
}

func TestDuplicateJoinRejected(t *testing.T) {
	_, serverURL := startServer(t)

	conn := dial(t, serverURL)
	join(t, conn, "combat:1", "")

	send(t, conn, proto.ClientMessage{Type: proto.TypeJoin, Topic: "combat:1"})
	reply := readUntil(t, conn, "second join reply", func(m proto.ServerMessage) bool {
		return m.Type == proto.TypeJoinReply
	})
	if reply.Status != proto.JoinStatusError {
		t.Fatalf("expected error on duplicate join, got %+v", reply)
	}
}

func TestHeartbeatAckCarriesClientTime(t *testing.T) {
	_, serverURL := startServer(t)

	conn := dial(t, serverURL)
	sentAt := time.Now().Add(-50 * time.Millisecond).UnixMilli()
	send(t, conn, proto.ClientMessage{Type: proto.TypeHeartbeat, SentAt: sentAt})

	ack := readUntil(t, conn, "heartbeat ack", func(m proto.ServerMessage) bool {
		return m.Type == proto.TypeHeartbeat
	})
	if ack.ClientTime != sentAt {
		t.Fatalf("expected client time %d, got %d", sentAt, ack.ClientTime)
	}
	if ack.ServerTime == 0 {
		t.Fatal("expected server time in heartbeat ack")
	}
}
