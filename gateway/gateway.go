// Package gateway fans stream status and chat out to websocket clients. Each
// connection optionally carries a verified identity attached at handshake;
// connections without one are guests that can watch but not speak. Delivery
// is fire-and-forget: a session whose send buffer fills is dropped rather
// than allowed to block the broadcast path.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/radiosync/chatlog"
	"github.com/onnwee/radiosync/identity"
	"github.com/onnwee/radiosync/streamstatus"
	"github.com/onnwee/radiosync/telemetry"
)

// Topics a session can be a member of.
const (
	TopicStatus = "status"
	TopicChat   = "chat"
)

// Event types on the wire.
const (
	EvStatusRequest   = "status:request"
	EvStatusInfo      = "status:info"
	EvStatusListeners = "status:listeners"
	EvChatSend        = "chat:send"
	EvChatMessage     = "chat:message"
	EvChatHistory     = "chat:push-history"
	EvSessionKick     = "session:kick"
)

// Event is one websocket frame in either direction.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (identity.Identity, error)
}

// ChatStore is the durable side of chat: the gateway appends through it and
// reads the initial backlog from it.
type ChatStore interface {
	Store(ctx context.Context, msg chatlog.Message) error
	Latest(ctx context.Context, limit int) ([]chatlog.Message, error)
}

// Options configures a Gateway.
type Options struct {
	// HistoryLimit caps the backlog pushed on connect (default 50).
	HistoryLimit int
	// CheckOrigin overrides the upgrade origin check. Default allows all;
	// CORS policy is enforced by the HTTP middleware upstream.
	CheckOrigin func(r *http.Request) bool
}

// Gateway is the websocket hub. It implements http.Handler for the /ws route.
type Gateway struct {
	verifier     Verifier
	store        ChatStore
	watcher      *streamstatus.Watcher
	upgrader     websocket.Upgrader
	historyLimit int
	baseCtx      context.Context

	mu       sync.Mutex
	sessions map[*session]struct{}
	topics   map[string]map[*session]struct{}

	subs []*streamstatus.Subscription
}

// New wires a Gateway to the watcher's event stream. Call Close on shutdown
// to unregister and drop all sessions.
func New(ctx context.Context, verifier Verifier, store ChatStore, watcher *streamstatus.Watcher, opts Options) *Gateway {
	telemetry.Init()
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	g := &Gateway{
		verifier: verifier,
		store:    store,
		watcher:  watcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		historyLimit: opts.HistoryLimit,
		baseCtx:      ctx,
		sessions:     make(map[*session]struct{}),
		topics:       make(map[string]map[*session]struct{}),
	}
	g.subs = append(g.subs,
		watcher.OnUpdate(func(info *streamstatus.StreamInfo) {
			g.Broadcast(TopicStatus, EvStatusInfo, info)
		}),
		watcher.OnListeners(func(count int) {
			g.Broadcast(TopicStatus, EvStatusListeners, count)
		}),
	)
	return g
}

// Close unsubscribes from the watcher and disconnects every session.
func (g *Gateway) Close() {
	for _, sub := range g.subs {
		sub.Unsubscribe()
	}
	g.mu.Lock()
	for s := range g.sessions {
		g.unregisterLocked(s)
	}
	g.mu.Unlock()
}

// ServeHTTP upgrades the connection and runs the session until it drops.
// An invalid or missing credential downgrades to guest, never rejects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ident *identity.Identity
	if token := bearerToken(r); token != "" {
		id, err := g.verifier.Verify(r.Context(), token)
		if err != nil {
			slog.Debug("gateway: credential rejected, proceeding as guest", slog.Any("err", err))
		} else {
			ident = &id
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: upgrade failed", slog.Any("err", err))
		return
	}

	s := &session{
		id:       uuid.NewString(),
		conn:     conn,
		identity: ident,
		send:     make(chan []byte, sendBuffer),
		gateway:  g,
	}
	g.register(s)
	go s.writePump()

	// Every connection watches status; chat membership gates only broadcasts,
	// not submissions (those are gated on identity).
	g.Join(s, TopicStatus)
	g.Join(s, TopicChat)
	g.pushHistory(s)

	s.readPump()
}

// bearerToken extracts the optional credential from the handshake: the token
// query parameter (browser websockets cannot set headers) or a standard
// Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (g *Gateway) register(s *session) {
	g.mu.Lock()
	g.sessions[s] = struct{}{}
	n := len(g.sessions)
	g.mu.Unlock()
	telemetry.ConnectedClients.Set(float64(n))
	nick := "guest"
	if s.identity != nil {
		nick = s.identity.Nickname
	}
	slog.Info("gateway: session connected", slog.String("session", s.id), slog.String("nickname", nick))
}

// unregisterLocked removes s from all topics and closes its send channel.
// Caller holds g.mu. Idempotent.
func (g *Gateway) unregisterLocked(s *session) {
	if _, ok := g.sessions[s]; !ok {
		return
	}
	delete(g.sessions, s)
	for _, members := range g.topics {
		delete(members, s)
	}
	close(s.send)
	telemetry.ConnectedClients.Set(float64(len(g.sessions)))
}

func (g *Gateway) unregister(s *session) {
	g.mu.Lock()
	g.unregisterLocked(s)
	g.mu.Unlock()
}

// Join adds s to topic. Redundant joins are no-ops.
func (g *Gateway) Join(s *session, topic string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[s]; !ok {
		return
	}
	members, ok := g.topics[topic]
	if !ok {
		members = make(map[*session]struct{})
		g.topics[topic] = members
	}
	members[s] = struct{}{}
}

// Broadcast marshals payload once and enqueues it to every member of topic.
// Sessions whose buffers are full are dropped.
func (g *Gateway) Broadcast(topic, eventType string, payload any) {
	frame, err := encodeEvent(eventType, payload)
	if err != nil {
		slog.Error("gateway: broadcast encode failed", slog.String("type", eventType), slog.Any("err", err))
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for s := range g.topics[topic] {
		select {
		case s.send <- frame:
		default:
			slog.Warn("gateway: dropping slow session", slog.String("session", s.id))
			g.unregisterLocked(s)
		}
	}
}

// sendTo enqueues one event to a single session.
func (g *Gateway) sendTo(s *session, eventType string, payload any) {
	frame, err := encodeEvent(eventType, payload)
	if err != nil {
		slog.Error("gateway: encode failed", slog.String("type", eventType), slog.Any("err", err))
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[s]; !ok {
		return
	}
	select {
	case s.send <- frame:
	default:
		g.unregisterLocked(s)
	}
}

// kick signals s and forcefully disconnects it. The kick frame is enqueued
// before the channel closes, so the write pump flushes it first.
func (g *Gateway) kick(s *session, reason string) {
	frame, err := encodeEvent(EvSessionKick, reason)
	if err != nil {
		return
	}
	g.mu.Lock()
	if _, ok := g.sessions[s]; ok {
		select {
		case s.send <- frame:
		default:
		}
		g.unregisterLocked(s)
	}
	g.mu.Unlock()
}

// KickUser disconnects every session authenticated as userID. Used when the
// account service invalidates credentials out from under live connections.
func (g *Gateway) KickUser(userID, reason string) {
	g.mu.Lock()
	var targets []*session
	for s := range g.sessions {
		if s.identity != nil && s.identity.ID == userID {
			targets = append(targets, s)
		}
	}
	g.mu.Unlock()
	for _, s := range targets {
		g.kick(s, reason)
	}
}

// pushHistory sends the initial chat backlog (newest first) to one session.
func (g *Gateway) pushHistory(s *session) {
	ctx, cancel := context.WithTimeout(g.baseCtx, 5*time.Second)
	defer cancel()
	msgs, err := g.store.Latest(ctx, g.historyLimit)
	if err != nil {
		slog.Warn("gateway: history fetch failed", slog.Any("err", err))
		return
	}
	g.sendTo(s, EvChatHistory, msgs)
}

// handleEvent dispatches one inbound frame.
func (g *Gateway) handleEvent(s *session, ev Event) {
	switch ev.Type {
	case EvStatusRequest:
		// Point-to-point answer, not a broadcast.
		g.sendTo(s, EvStatusInfo, g.watcher.Current())
	case EvChatSend:
		var text string
		if err := json.Unmarshal(ev.Payload, &text); err != nil {
			slog.Debug("gateway: malformed chat payload", slog.String("session", s.id), slog.Any("err", err))
			return
		}
		g.handleChat(s, text)
	default:
		slog.Debug("gateway: unknown event type", slog.String("type", ev.Type))
	}
}

// handleChat validates, normalizes, broadcasts, and persists one submission.
// Broadcast happens first; persistence is asynchronous and its failure never
// retracts a delivered message.
func (g *Gateway) handleChat(s *session, raw string) {
	if s.identity == nil {
		telemetry.ChatRejected.Inc()
		g.kick(s, "must be logged in to chat")
		return
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		// Whitespace-only submissions vanish without an error to the sender.
		telemetry.ChatRejected.Inc()
		return
	}
	if r := []rune(text); len(r) > chatlog.MaxMessageLength {
		text = string(r[:chatlog.MaxMessageLength])
	}
	msg := chatlog.Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Nickname:  s.identity.Nickname,
		Text:      text,
	}
	g.Broadcast(TopicChat, EvChatMessage, msg)
	go func() {
		ctx, cancel := context.WithTimeout(g.baseCtx, 5*time.Second)
		defer cancel()
		if err := g.store.Store(ctx, msg); err != nil {
			telemetry.ChatStoreFailed.Inc()
			slog.Error("gateway: chat persist failed", slog.String("uuid", msg.ID), slog.Any("err", err))
			return
		}
		telemetry.ChatStored.Inc()
	}()
}

func encodeEvent(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Type: eventType, Payload: raw})
}
