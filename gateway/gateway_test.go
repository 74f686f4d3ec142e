package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/radiosync/chatlog"
	"github.com/onnwee/radiosync/identity"
	"github.com/onnwee/radiosync/streamstatus"
	"github.com/onnwee/radiosync/testutil"
)

type fakeVerifier struct {
	tokens map[string]identity.Identity
}

func (f *fakeVerifier) Verify(_ context.Context, token string) (identity.Identity, error) {
	if id, ok := f.tokens[token]; ok {
		return id, nil
	}
	return identity.Identity{}, identity.ErrInvalidToken
}

type recordingStore struct {
	mu      sync.Mutex
	stored  []chatlog.Message
	backlog []chatlog.Message
	failSt  error
}

func (r *recordingStore) Store(_ context.Context, msg chatlog.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSt != nil {
		return r.failSt
	}
	r.stored = append(r.stored, msg)
	return nil
}

func (r *recordingStore) Latest(_ context.Context, limit int) ([]chatlog.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > len(r.backlog) {
		limit = len(r.backlog)
	}
	out := make([]chatlog.Message, limit)
	copy(out, r.backlog[:limit])
	return out, nil
}

func (r *recordingStore) storedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stored)
}

func (r *recordingStore) storedAt(i int) chatlog.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored[i]
}

type fixture struct {
	gateway *Gateway
	watcher *streamstatus.Watcher
	source  *testutil.MockSourceServer
	store   *recordingStore
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	source := testutil.NewMockSourceServer(t)
	watcher := streamstatus.New(context.Background(), streamstatus.Options{
		StatusURL:    source.URL,
		PollInterval: 5 * time.Millisecond,
		ConnectDelay: time.Millisecond,
	})
	t.Cleanup(watcher.Close)

	store := &recordingStore{}
	verifier := &fakeVerifier{tokens: map[string]identity.Identity{
		"tok-ana": {ID: "u-1", Nickname: "ana"},
	}}
	g := New(context.Background(), verifier, store, watcher, Options{HistoryLimit: 10})
	t.Cleanup(g.Close)

	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return &fixture{gateway: g, watcher: watcher, source: source, store: store, server: srv}
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := conn.WriteJSON(Event{Type: eventType, Payload: raw}); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

// waitEvent reads frames until one of the wanted type arrives.
func waitEvent(t *testing.T, conn *websocket.Conn, eventType string) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		if ev.Type == eventType {
			return ev
		}
	}
	t.Fatalf("timed out waiting for %s", eventType)
	return Event{}
}

// expectNoEvent asserts no frame of the given type arrives within the window.
func expectNoEvent(t *testing.T, conn *websocket.Conn, eventType string, window time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(window))
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return // timeout or close: nothing of that type arrived
		}
		if ev.Type == eventType {
			t.Fatalf("unexpected %s frame: %s", eventType, ev.Payload)
		}
	}
}

func TestConnectPushesHistory(t *testing.T) {
	f := newFixture(t)
	f.store.backlog = []chatlog.Message{
		{ID: "m2", Timestamp: 200, Nickname: "ana", Text: "newer"},
		{ID: "m1", Timestamp: 100, Nickname: "ben", Text: "older"},
	}
	conn := f.dial(t, "")

	ev := waitEvent(t, conn, EvChatHistory)
	var msgs []chatlog.Message
	if err := json.Unmarshal(ev.Payload, &msgs); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m2" || msgs[1].ID != "m1" {
		t.Errorf("history = %+v, want newest-first backlog", msgs)
	}
}

func TestStatusRequestAnsweredPointToPoint(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")
	waitEvent(t, conn, EvChatHistory)

	// Offline: the answer is an explicit null.
	send(t, conn, EvStatusRequest, nil)
	ev := waitEvent(t, conn, EvStatusInfo)
	if string(ev.Payload) != "null" {
		t.Errorf("offline status answer = %s, want null", ev.Payload)
	}
}

func TestStatusChangesBroadcastToAllConnections(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, "")
	b := f.dial(t, "tok-ana")
	waitEvent(t, a, EvChatHistory)
	waitEvent(t, b, EvChatHistory)

	start := time.Now().UTC().Truncate(time.Second)
	f.source.SetSource("http://radio.example/live", "evening show", start, 4)
	f.watcher.HandleSourceConnect()

	for _, conn := range []*websocket.Conn{a, b} {
		ev := waitEvent(t, conn, EvStatusInfo)
		var info streamstatus.StreamInfo
		if err := json.Unmarshal(ev.Payload, &info); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if info.Name != "evening show" {
			t.Errorf("status broadcast = %+v", info)
		}
		lv := waitEvent(t, conn, EvStatusListeners)
		var n int
		if err := json.Unmarshal(lv.Payload, &n); err != nil {
			t.Fatalf("decode listeners: %v", err)
		}
		if n != 4 {
			t.Errorf("listeners broadcast = %d, want 4", n)
		}
	}
}

func TestAuthedChatBroadcastsAndPersists(t *testing.T) {
	f := newFixture(t)
	speaker := f.dial(t, "tok-ana")
	listener := f.dial(t, "")
	waitEvent(t, speaker, EvChatHistory)
	waitEvent(t, listener, EvChatHistory)

	send(t, speaker, EvChatSend, "  hello everyone  ")

	for _, conn := range []*websocket.Conn{speaker, listener} {
		ev := waitEvent(t, conn, EvChatMessage)
		var msg chatlog.Message
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			t.Fatalf("decode chat: %v", err)
		}
		if msg.Nickname != "ana" {
			t.Errorf("nickname = %q, want sender's verified nickname", msg.Nickname)
		}
		if msg.Text != "hello everyone" {
			t.Errorf("text = %q, want trimmed submission", msg.Text)
		}
		if msg.ID == "" || msg.Timestamp == 0 {
			t.Errorf("message missing id/timestamp: %+v", msg)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.store.storedCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if f.store.storedCount() != 1 {
		t.Fatalf("stored %d messages, want 1", f.store.storedCount())
	}
	if got := f.store.storedAt(0).Text; got != "hello everyone" {
		t.Errorf("persisted text = %q", got)
	}
}

func TestOversizeSubmissionTruncatedTo512(t *testing.T) {
	f := newFixture(t)
	speaker := f.dial(t, "tok-ana")
	waitEvent(t, speaker, EvChatHistory)

	long := strings.Repeat("x", 550)
	send(t, speaker, EvChatSend, long)

	ev := waitEvent(t, speaker, EvChatMessage)
	var msg chatlog.Message
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if len(msg.Text) != chatlog.MaxMessageLength {
		t.Errorf("broadcast length = %d, want %d", len(msg.Text), chatlog.MaxMessageLength)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.store.storedCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if f.store.storedCount() != 1 {
		t.Fatalf("stored %d messages, want 1", f.store.storedCount())
	}
	if got := len(f.store.storedAt(0).Text); got != chatlog.MaxMessageLength {
		t.Errorf("persisted length = %d, want %d", got, chatlog.MaxMessageLength)
	}
}

func TestWhitespaceOnlySubmissionDropped(t *testing.T) {
	f := newFixture(t)
	speaker := f.dial(t, "tok-ana")
	waitEvent(t, speaker, EvChatHistory)

	send(t, speaker, EvChatSend, "   ")
	expectNoEvent(t, speaker, EvChatMessage, 50*time.Millisecond)
	if n := f.store.storedCount(); n != 0 {
		t.Errorf("stored %d messages for a whitespace submission, want 0", n)
	}
}

func TestGuestChatSendIsKicked(t *testing.T) {
	f := newFixture(t)
	guest := f.dial(t, "")
	observer := f.dial(t, "tok-ana")
	waitEvent(t, guest, EvChatHistory)
	waitEvent(t, observer, EvChatHistory)

	send(t, guest, EvChatSend, "let me in")

	ev := waitEvent(t, guest, EvSessionKick)
	var reason string
	if err := json.Unmarshal(ev.Payload, &reason); err != nil {
		t.Fatalf("decode kick: %v", err)
	}
	if !strings.Contains(reason, "logged in") {
		t.Errorf("kick reason = %q, want a must-log-in message", reason)
	}

	expectNoEvent(t, observer, EvChatMessage, 50*time.Millisecond)
	if n := f.store.storedCount(); n != 0 {
		t.Errorf("stored %d messages from a guest, want 0", n)
	}
}

func TestInvalidTokenDowngradesToGuest(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "tok-bogus")
	waitEvent(t, conn, EvChatHistory) // connection proceeded

	send(t, conn, EvChatSend, "hi")
	waitEvent(t, conn, EvSessionKick)
}

func TestKickUserDisconnectsTheirSessions(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "tok-ana")
	waitEvent(t, conn, EvChatHistory)

	f.gateway.KickUser("u-1", "account deleted")
	ev := waitEvent(t, conn, EvSessionKick)
	var reason string
	if err := json.Unmarshal(ev.Payload, &reason); err != nil {
		t.Fatalf("decode kick: %v", err)
	}
	if reason != "account deleted" {
		t.Errorf("kick reason = %q", reason)
	}

	// The connection is torn down after the kick frame.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) || !strings.Contains(err.Error(), "timeout") {
				return
			}
			t.Fatalf("expected close after kick, got %v", err)
		}
	}
}

func TestPersistFailureDoesNotRetractBroadcast(t *testing.T) {
	f := newFixture(t)
	f.store.failSt = errors.New("redis down")
	speaker := f.dial(t, "tok-ana")
	waitEvent(t, speaker, EvChatHistory)

	send(t, speaker, EvChatSend, "still delivered")
	ev := waitEvent(t, speaker, EvChatMessage)
	var msg chatlog.Message
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if msg.Text != "still delivered" {
		t.Errorf("broadcast text = %q", msg.Text)
	}
}
