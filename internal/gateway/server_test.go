package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/abrahaamv/realtime-gateway/internal/auth"
	"github.com/abrahaamv/realtime-gateway/internal/config"
	"github.com/abrahaamv/realtime-gateway/internal/hub"
	"github.com/abrahaamv/realtime-gateway/internal/pubsub"
	"github.com/abrahaamv/realtime-gateway/internal/store"
)

const testSecret = "test-secret"

// countingBus wraps the memory bus to count publishes per channel.
type countingBus struct {
	*pubsub.MemoryPubSub
	mu     sync.Mutex
	counts map[string]int
}

func newCountingBus() *countingBus {
	return &countingBus{
		MemoryPubSub: pubsub.NewMemoryPubSub(),
		counts:       make(map[string]int),
	}
}

func (b *countingBus) Publish(ctx context.Context, channel string, event *pubsub.Event) error {
	b.mu.Lock()
	b.counts[channel]++
	b.mu.Unlock()
	return b.MemoryPubSub.Publish(ctx, channel, event)
}

func (b *countingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[channel]
}

func testConfig(instanceID string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{InstanceID: instanceID},
		WebSocket: config.WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			WriteWait:       time.Second,
			MaxMessageSize:  4096,
			SendQueueSize:   32,
		},
		Heartbeat: config.HeartbeatConfig{
			Interval:       time.Minute,
			StaleThreshold: 2 * time.Minute,
		},
		Auth: config.AuthConfig{CookieName: "session_token", JWTSecret: testSecret},
	}
}

func newTestGateway(t *testing.T, instanceID string, bus pubsub.PubSub) (*Server, *httptest.Server, *store.MemoryMessageStore) {
	t.Helper()

	st := store.NewMemoryMessageStore()
	srv := NewServer(testConfig(instanceID), auth.NewJWTVerifier(testSecret), st, bus)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start gateway: %v", err)
	}

	router := mux.NewRouter()
	srv.RegisterRoutes(router)
	ts := httptest.NewServer(router)

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return srv, ts, st
}

func sessionToken(t *testing.T, userID, tenantID string) string {
	t.Helper()
	token, err := auth.NewJWTVerifier(testSecret).IssueToken(userID, tenantID, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func dial(t *testing.T, ts *httptest.Server, sessionID, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?sessionId=" + sessionID
	header := http.Header{}
	if token != "" {
		header.Set("Cookie", "session_token="+token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// probe covers every outbound frame field the tests inspect.
type probe struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Connected bool   `json:"connected"`
	ServerID  string `json:"serverId"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

func readFrame(t *testing.T, conn *websocket.Conn) probe {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal frame %s: %v", data, err)
	}
	return p
}

// waitForType skips unrelated frames (presence, pings, duplicate
// deliveries) until one of the wanted type arrives.
func waitForType(t *testing.T, conn *websocket.Conn, msgType string) probe {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p := readFrame(t, conn)
		if p.Type == msgType {
			return p
		}
	}
	t.Fatalf("timed out waiting for %s frame", msgType)
	return probe{}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sendJSON(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func findClient(t *testing.T, srv *Server, userID string) *hub.Client {
	t.Helper()
	for _, c := range srv.Hub().Clients() {
		if c.UserID == userID {
			return c
		}
	}
	t.Fatalf("no registered client for user %s", userID)
	return nil
}

func TestConnectionRefusedWithoutToken(t *testing.T) {
	_, ts, _ := newTestGateway(t, "gw-test", newCountingBus())

	conn := dial(t, ts, "s1", "")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v, want close with policy violation", err)
	}
}

func TestConnectionRefusedWithExpiredToken(t *testing.T) {
	srv, ts, _ := newTestGateway(t, "gw-test", newCountingBus())

	expired, err := auth.NewJWTVerifier(testSecret).IssueToken("u1", "t1", -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	conn := dial(t, ts, "s1", expired)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, readErr := conn.ReadMessage()
	if !websocket.IsCloseError(readErr, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v, want close with policy violation", readErr)
	}
	if n := len(srv.Hub().Clients()); n != 0 {
		t.Fatalf("registry has %d clients after refused handshake, want 0", n)
	}
}

func TestWelcomeAck(t *testing.T) {
	srv, ts, _ := newTestGateway(t, "gw-ack", newCountingBus())

	conn := dial(t, ts, "s1", sessionToken(t, "u1", "t1"))

	ack := waitForType(t, conn, "ack")
	if !ack.Connected {
		t.Fatal("welcome ack missing connected flag")
	}
	if ack.ServerID != srv.ID() {
		t.Fatalf("serverId = %q, want %q", ack.ServerID, srv.ID())
	}
	if ack.Timestamp == 0 {
		t.Fatal("welcome ack missing timestamp")
	}
}

func TestJoinBroadcastToSiblings(t *testing.T) {
	_, ts, _ := newTestGateway(t, "gw-join", newCountingBus())

	first := dial(t, ts, "s1", sessionToken(t, "u1", "t1"))
	waitForType(t, first, "ack")

	second := dial(t, ts, "s1", sessionToken(t, "u2", "t1"))
	waitForType(t, second, "ack")

	joined := waitForType(t, first, "user_joined")
	if joined.UserID != "u2" {
		t.Fatalf("user_joined userId = %q, want u2", joined.UserID)
	}
}

func TestPingPong(t *testing.T) {
	_, ts, _ := newTestGateway(t, "gw-ping", newCountingBus())

	conn := dial(t, ts, "s1", sessionToken(t, "u1", "t1"))
	waitForType(t, conn, "ack")

	sendJSON(t, conn, `{"type":"ping","payload":{}}`)

	pong := waitForType(t, conn, "pong")
	if pong.Timestamp == 0 {
		t.Fatal("pong missing timestamp")
	}
}

// End-to-end scenario: persistence, bus publish, and sender ack for one
// chat message.
func TestChatMessageEndToEnd(t *testing.T) {
	bus := newCountingBus()
	srv, ts, st := newTestGateway(t, "gw-e2e", bus)

	// Observe the broadcast channel the way a sibling instance would.
	busEvents, err := bus.Subscribe(context.Background(), pubsub.ChannelBroadcast)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	conn := dial(t, ts, "session-e2e", sessionToken(t, "u1", "t1"))
	waitForType(t, conn, "ack")

	sendJSON(t, conn, `{"type":"chat_message","payload":"hello"}`)

	ack := waitForType(t, conn, "ack")
	if ack.MessageID == "" {
		t.Fatal("delivery ack missing messageId")
	}

	var event *pubsub.Event
	select {
	case event = <-busEvents:
	case <-time.After(5 * time.Second):
		t.Fatal("no bus publish observed")
	}
	if event.SessionID != "session-e2e" {
		t.Fatalf("envelope sessionId = %q, want session-e2e", event.SessionID)
	}
	if event.ServerID != srv.ID() {
		t.Fatalf("envelope serverId = %q, want %q", event.ServerID, srv.ID())
	}
	var payload struct {
		Content   string `json:"content"`
		MessageID string `json:"messageId"`
	}
	if err := event.UnmarshalPayload(&payload); err != nil {
		t.Fatalf("unmarshal envelope payload: %v", err)
	}
	if payload.Content != "hello" {
		t.Fatalf("envelope content = %q, want hello", payload.Content)
	}
	if payload.MessageID != ack.MessageID {
		t.Fatalf("envelope messageId = %q, ack messageId = %q", payload.MessageID, ack.MessageID)
	}

	// The persistence write is detached; wait for it.
	waitUntil(t, "message persisted", func() bool {
		return len(st.Messages()) == 1
	})
	msg := st.Messages()[0]
	if msg.SessionID != "session-e2e" || msg.Content != "hello" || msg.Role != store.RoleUser {
		t.Fatalf("persisted message = %+v", msg)
	}
}

// A storage blip must not drop the live conversation: the sender is still
// acked and siblings still receive the message.
func TestChatMessageSurvivesStoreFailure(t *testing.T) {
	bus := newCountingBus()
	_, ts, st := newTestGateway(t, "gw-blip", bus)

	sender := dial(t, ts, "s1", sessionToken(t, "u1", "t1"))
	waitForType(t, sender, "ack")
	watcher := dial(t, ts, "s1", sessionToken(t, "u2", "t1"))
	waitForType(t, watcher, "ack")

	st.FailNext(context.DeadlineExceeded)

	sendJSON(t, sender, `{"type":"chat_message","payload":"still delivered"}`)

	ack := waitForType(t, sender, "ack")
	if ack.MessageID == "" {
		t.Fatal("delivery ack missing messageId")
	}

	got := waitForType(t, watcher, "chat_message")
	if got.Content != "still delivered" {
		t.Fatalf("watcher content = %q, want %q", got.Content, "still delivered")
	}
	if len(st.Messages()) != 0 {
		t.Fatalf("store has %d messages, want 0 after failed write", len(st.Messages()))
	}
}

// Malformed-frame resilience: exactly one error frame, registry entry
// unchanged, last activity not advanced.
func TestMalformedFrame(t *testing.T) {
	srv, ts, _ := newTestGateway(t, "gw-bad", newCountingBus())

	conn := dial(t, ts, "s1", sessionToken(t, "u1", "t1"))
	waitForType(t, conn, "ack")

	client := findClient(t, srv, "u1")
	before := client.LastActivity()

	sendJSON(t, conn, "invalid-json{")

	errFrame := readFrame(t, conn)
	if errFrame.Type != "error" || errFrame.Error == "" {
		t.Fatalf("frame = %+v, want a single error frame", errFrame)
	}

	if _, ok := srv.Hub().Get(client.ID); !ok {
		t.Fatal("client dropped from registry by malformed frame")
	}
	if !client.LastActivity().Equal(before) {
		t.Fatal("malformed frame advanced last activity")
	}

	// The connection still dispatches normally.
	sendJSON(t, conn, `{"type":"ping","payload":{}}`)
	waitForType(t, conn, "pong")
}

func TestUnknownTypeIgnored(t *testing.T) {
	srv, ts, _ := newTestGateway(t, "gw-unknown", newCountingBus())

	conn := dial(t, ts, "s1", sessionToken(t, "u1", "t1"))
	waitForType(t, conn, "ack")

	sendJSON(t, conn, `{"type":"chat_history","payload":{}}`)
	sendJSON(t, conn, `{"type":"mystery","payload":{}}`)

	// Still connected and dispatching.
	sendJSON(t, conn, `{"type":"ping","payload":{}}`)
	waitForType(t, conn, "pong")
	if n := len(srv.Hub().Clients()); n != 1 {
		t.Fatalf("registry has %d clients, want 1", n)
	}
}

// Typing events round-trip through the bus back to local clients.
func TestTypingFanOut(t *testing.T) {
	srv, ts, _ := newTestGateway(t, "gw-typing", newCountingBus())

	typer := dial(t, ts, "s1", sessionToken(t, "u1", "t1"))
	waitForType(t, typer, "ack")
	watcher := dial(t, ts, "s1", sessionToken(t, "u2", "t1"))
	waitForType(t, watcher, "ack")

	sendJSON(t, typer, `{"type":"user_typing","payload":{}}`)

	got := waitForType(t, watcher, "user_typing")
	if got.UserID != "u1" {
		t.Fatalf("user_typing userId = %q, want u1", got.UserID)
	}
	waitUntil(t, "typing set updated", func() bool {
		return srv.Hub().IsTyping("s1", "u1")
	})

	sendJSON(t, typer, `{"type":"user_stopped_typing","payload":{}}`)

	got = waitForType(t, watcher, "user_stopped_typing")
	if got.UserID != "u1" {
		t.Fatalf("user_stopped_typing userId = %q, want u1", got.UserID)
	}
	waitUntil(t, "typing set cleared", func() bool {
		return !srv.Hub().IsTyping("s1", "u1")
	})
}

// Idempotent disconnect: the second invocation is a no-op with no second
// presence publish.
func TestIdempotentDisconnect(t *testing.T) {
	bus := newCountingBus()
	srv, ts, _ := newTestGateway(t, "gw-dc", bus)

	conn := dial(t, ts, "s1", sessionToken(t, "u1", "t1"))
	waitForType(t, conn, "ack")
	sendJSON(t, conn, `{"type":"user_typing","payload":{}}`)

	client := findClient(t, srv, "u1")
	waitUntil(t, "typing set updated", func() bool {
		return srv.Hub().IsTyping("s1", "u1")
	})

	presenceBefore := bus.count(pubsub.ChannelPresence)

	srv.disconnectClient(client)
	srv.disconnectClient(client)

	if _, ok := srv.Hub().Get(client.ID); ok {
		t.Fatal("client still registered after disconnect")
	}
	if srv.Hub().IsTyping("s1", "u1") {
		t.Fatal("typing set still contains disconnected user")
	}
	if got := bus.count(pubsub.ChannelPresence); got != presenceBefore+1 {
		t.Fatalf("presence publishes = %d, want %d (single user_left)", got, presenceBefore+1)
	}
}

// Heartbeat reap: a stale client is force-closed, removed from the
// registry, and dropped from the typing set on the next sweep.
func TestHeartbeatReap(t *testing.T) {
	srv, ts, _ := newTestGateway(t, "gw-reap", newCountingBus())

	conn := dial(t, ts, "s1", sessionToken(t, "u1", "t1"))
	waitForType(t, conn, "ack")
	sendJSON(t, conn, `{"type":"user_typing","payload":{}}`)

	client := findClient(t, srv, "u1")
	waitUntil(t, "typing set updated", func() bool {
		return srv.Hub().IsTyping("s1", "u1")
	})

	client.Touch(time.Now().Add(-10 * time.Minute))
	srv.sweepOnce(time.Now())

	if _, ok := srv.Hub().Get(client.ID); ok {
		t.Fatal("stale client still registered after sweep")
	}
	if srv.Hub().IsTyping("s1", "u1") {
		t.Fatal("stale client still in typing set after sweep")
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return // force-closed as expected
		}
	}
}

// Fresh clients are pinged, not reaped.
func TestHeartbeatPingsLiveClients(t *testing.T) {
	srv, ts, _ := newTestGateway(t, "gw-hb", newCountingBus())

	conn := dial(t, ts, "s1", sessionToken(t, "u1", "t1"))
	waitForType(t, conn, "ack")

	srv.sweepOnce(time.Now())

	ping := waitForType(t, conn, "ping")
	if ping.Timestamp == 0 {
		t.Fatal("heartbeat ping missing timestamp")
	}
	if n := len(srv.Hub().Clients()); n != 1 {
		t.Fatalf("registry has %d clients after sweep, want 1", n)
	}
}

// Cross-instance fan-out: two gateways share a bus; a message sent to one
// arrives at a client of the other.
func TestCrossInstanceFanOut(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()

	srv1, ts1, _ := newTestGateway(t, "gw-one", bus)
	srv2, ts2, _ := newTestGateway(t, "gw-two", bus)
	if srv1.ID() == srv2.ID() {
		t.Fatal("test requires distinct instance ids")
	}

	alice := dial(t, ts1, "shared-session", sessionToken(t, "alice", "t1"))
	waitForType(t, alice, "ack")
	bob := dial(t, ts2, "shared-session", sessionToken(t, "bob", "t1"))
	waitForType(t, bob, "ack")

	// Bob's join reaches Alice across the bus.
	joined := waitForType(t, alice, "user_joined")
	if joined.UserID != "bob" {
		t.Fatalf("user_joined userId = %q, want bob", joined.UserID)
	}

	sendJSON(t, alice, `{"type":"chat_message","payload":"hi from alice"}`)

	got := waitForType(t, bob, "chat_message")
	if got.Content != "hi from alice" {
		t.Fatalf("content = %q, want %q", got.Content, "hi from alice")
	}
	if got.UserID != "alice" {
		t.Fatalf("userId = %q, want alice", got.UserID)
	}
	if got.SessionID != "shared-session" {
		t.Fatalf("sessionId = %q, want shared-session", got.SessionID)
	}
}

// Session isolation across the shared bus: a client in another session on
// the same channels never sees the message.
func TestSessionIsolationAcrossBus(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()

	_, ts1, _ := newTestGateway(t, "gw-iso-1", bus)
	_, ts2, _ := newTestGateway(t, "gw-iso-2", bus)

	sender := dial(t, ts1, "session-a", sessionToken(t, "u1", "t1"))
	waitForType(t, sender, "ack")
	outsider := dial(t, ts2, "session-b", sessionToken(t, "u2", "t1"))
	waitForType(t, outsider, "ack")

	sendJSON(t, sender, `{"type":"chat_message","payload":"private"}`)
	waitForType(t, sender, "ack")

	_ = outsider.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		_, data, err := outsider.ReadMessage()
		if err != nil {
			return // timed out with no leak
		}
		var p probe
		if err := json.Unmarshal(data, &p); err == nil && p.Type == "chat_message" {
			t.Fatalf("session-b client received session-a message: %s", data)
		}
	}
}
