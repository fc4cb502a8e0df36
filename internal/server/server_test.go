package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/IsmailKharoub/silence-relay/internal/config"
	"github.com/IsmailKharoub/silence-relay/internal/relay"
	"github.com/IsmailKharoub/silence-relay/internal/storage"
)

type testRelay struct {
	httpURL string
	wsURL   string
	reg     *relay.InMemoryRegistry
	store   *storage.Store
	redis   *redis.Client
}

func startTestRelay(t *testing.T) *testRelay {
	t.Helper()

	mr := miniredis.RunT(t)
	log := zaptest.NewLogger(t)

	store, err := storage.New(context.Background(), "redis://"+mr.Addr(), 24*time.Hour, log)
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := relay.NewRegistry()
	router, err := relay.NewRouter(relay.RouterConfig{Log: log, Registry: reg, Store: store})
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	sessions, err := relay.NewSessions(relay.SessionsConfig{
		Log:      log,
		Registry: reg,
		Router:   router,
		Store:    store,
	})
	if err != nil {
		t.Fatalf("build sessions: %v", err)
	}

	cfg := config.Config{
		BindAddress:         "127.0.0.1:0",
		MessageTTLSecs:      86400,
		ShutdownGracePeriod: time.Second,
	}
	srv := NewRelayServer(cfg, log, sessions, nil)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })

	return &testRelay{
		httpURL: ts.URL,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http"),
		reg:     reg,
		store:   store,
		redis:   raw,
	}
}

func dialSession(t *testing.T, tr *testRelay, identity string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(tr.wsURL+"/ws/"+identity, nil)
	if err != nil {
		t.Fatalf("dial session %s: %v", identity, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitRegistered(t *testing.T, tr *testRelay, identity string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tr.reg.Lookup(identity); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never registered", identity)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *relay.MessageEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame, err := relay.DecodeFrame(data)
	if err != nil || frame.Envelope == nil {
		t.Fatalf("expected envelope frame, got %s (err=%v)", data, err)
	}
	return frame.Envelope
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	tr := startTestRelay(t)

	resp, err := http.Get(tr.httpURL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestInvalidIdentityRejected(t *testing.T) {
	tr := startTestRelay(t)

	identity := strings.Repeat("a", maxIdentityLen+1)
	_, resp, err := websocket.DefaultDialer.Dial(tr.wsURL+"/ws/"+identity, nil)
	if err == nil {
		t.Fatalf("expected handshake rejection for oversized identity")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestOnlineRecipientReceivesDirectly(t *testing.T) {
	tr := startTestRelay(t)
	ctx := context.Background()

	bob := dialSession(t, tr, "bob")
	waitRegistered(t, tr, "bob")
	amy := dialSession(t, tr, "amy")
	waitRegistered(t, tr, "amy")

	sendFrame(t, amy, `{"to":"bob","from":"spoofed","payload":"ZW5jcnlwdGVk"}`)

	env := readEnvelope(t, bob)
	if env.From != "amy" {
		t.Fatalf("expected from overwritten to amy, got %q", env.From)
	}
	if env.To != "bob" || env.Payload != "ZW5jcnlwdGVk" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.MessageID == "" || env.Timestamp <= 0 {
		t.Fatalf("expected relay-assigned id and timestamp: %+v", env)
	}

	// Direct delivery must leave no durable trace.
	n, err := tr.redis.Exists(ctx, "pending:bob").Result()
	if err != nil {
		t.Fatalf("redis exists: %v", err)
	}
	if n != 0 {
		t.Fatal("expected no queue entry for directly delivered message")
	}
}

func TestOfflineRecipientQueued(t *testing.T) {
	tr := startTestRelay(t)
	ctx := context.Background()

	amy := dialSession(t, tr, "amy")
	waitRegistered(t, tr, "amy")

	sendFrame(t, amy, `{"to":"carol","payload":"b2ZmbGluZQ=="}`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := tr.redis.LRange(ctx, "pending:carol", 0, -1).Result()
		if err != nil {
			t.Fatalf("redis lrange: %v", err)
		}
		if len(entries) == 1 {
			frame, err := relay.DecodeFrame([]byte(entries[0]))
			if err != nil || frame.Envelope == nil {
				t.Fatalf("queued entry is not an envelope: %s", entries[0])
			}
			env := frame.Envelope
			if env.From != "amy" || env.Payload != "b2ZmbGluZQ==" {
				t.Fatalf("unexpected queued envelope: %+v", env)
			}
			if env.MessageID == "" || env.Timestamp <= 0 {
				t.Fatalf("expected relay-assigned id and timestamp: %+v", env)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected exactly one queued entry, got %d", len(entries))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBacklogDeliveredOnConnect(t *testing.T) {
	tr := startTestRelay(t)
	ctx := context.Background()

	m1 := &relay.MessageEnvelope{MessageID: "m1", From: "bob", To: "alice", Payload: "Zmlyc3Q=", Timestamp: 1}
	m2 := &relay.MessageEnvelope{MessageID: "m2", From: "bob", To: "alice", Payload: "c2Vjb25k", Timestamp: 2}
	if err := tr.store.Enqueue(ctx, m1); err != nil {
		t.Fatalf("enqueue m1: %v", err)
	}
	if err := tr.store.Enqueue(ctx, m2); err != nil {
		t.Fatalf("enqueue m2: %v", err)
	}

	alice := dialSession(t, tr, "alice")

	first := readEnvelope(t, alice)
	second := readEnvelope(t, alice)
	if first.MessageID != "m1" || second.MessageID != "m2" {
		t.Fatalf("expected backlog order m1,m2; got %s,%s", first.MessageID, second.MessageID)
	}
	if first.Payload != "Zmlyc3Q=" || second.Payload != "c2Vjb25k" {
		t.Fatalf("backlog payload mismatch: %+v %+v", first, second)
	}

	n, err := tr.redis.Exists(ctx, "pending:alice").Result()
	if err != nil {
		t.Fatalf("redis exists: %v", err)
	}
	if n != 0 {
		t.Fatal("expected backlog queue removed after flush")
	}
}

func TestReceiptsAreAcceptedWithoutRouting(t *testing.T) {
	tr := startTestRelay(t)
	ctx := context.Background()

	amy := dialSession(t, tr, "amy")
	waitRegistered(t, tr, "amy")

	sendFrame(t, amy, `{"message_id":"m9","status":"delivered","timestamp":1700000000000}`)
	// A follow-up envelope proves the receipt did not break the session.
	sendFrame(t, amy, `{"to":"carol","payload":"YWZ0ZXI="}`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := tr.redis.LLen(ctx, "pending:carol").Result()
		if err != nil {
			t.Fatalf("redis llen: %v", err)
		}
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one queued envelope after receipt, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestValidateIdentity(t *testing.T) {
	cases := []struct {
		identity string
		ok       bool
	}{
		{"alice", true},
		{"user@example.com", true},
		{"", false},
		{"has space", false},
		{"ctrl\x01char", false},
		{strings.Repeat("a", maxIdentityLen), true},
		{strings.Repeat("a", maxIdentityLen+1), false},
	}
	for _, tc := range cases {
		err := validateIdentity(tc.identity)
		if tc.ok && err != nil {
			t.Fatalf("expected %q accepted, got %v", tc.identity, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("expected %q rejected", tc.identity)
		}
	}
}
