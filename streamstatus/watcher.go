// Package streamstatus reconciles stream state from the source's status endpoint.
// A Watcher polls the endpoint while the stream is online, compares each result
// against the last known snapshot, and publishes update/listener events to
// registered subscribers. Polling is event-driven: the source's lifecycle
// webhooks start it, and any transition to offline stops it until the next
// connect hook.
package streamstatus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/radiosync/telemetry"
)

// StreamInfo is an immutable snapshot of the source at one poll. A nil
// *StreamInfo means offline. Snapshots are replaced, never mutated.
type StreamInfo struct {
	ListenURL   string    `json:"listenUrl"`
	Name        string    `json:"name"`
	StreamStart time.Time `json:"streamStart"`
	Listeners   int       `json:"listeners"`
}

// Options configures a Watcher.
type Options struct {
	StatusURL    string
	PollInterval time.Duration // between polls while online (default 10s)
	ConnectDelay time.Duration // between source-connect and the first poll (default 2s)
	HTTPClient   *http.Client
}

// Subscription is an explicit handle for a registered callback. Consumers must
// call Unsubscribe on shutdown.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the callback. Safe to call more than once.
func (s *Subscription) Unsubscribe() { s.once.Do(s.cancel) }

// Watcher owns the current snapshot and the poll timer. All consumers observe
// state through the event stream and Current; nothing else mutates it.
type Watcher struct {
	url          string
	interval     time.Duration
	connectDelay time.Duration
	client       *http.Client
	baseCtx      context.Context

	// emitMu serializes a state change with the emission of its events.
	// Without it a disconnect hook could complete between a poll's state
	// change and its emit, and subscribers would see the online snapshot
	// after the nil. Acquired before mu; callbacks may call Current (mu
	// only) but must not call the lifecycle hooks.
	emitMu sync.Mutex

	mu       sync.Mutex
	current  *StreamInfo
	timer    *time.Timer
	gen      uint64 // bumped on cancel; stale timer callbacks and fetches check it and bail
	inFlight bool

	subMu        sync.Mutex
	nextSub      int
	updateSubs   map[int]func(*StreamInfo)
	listenerSubs map[int]func(int)
}

// New builds a Watcher. ctx bounds outgoing status requests and is typically
// the process root context.
func New(ctx context.Context, opts Options) *Watcher {
	telemetry.Init()
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.ConnectDelay <= 0 {
		opts.ConnectDelay = 2 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Watcher{
		url:          opts.StatusURL,
		interval:     opts.PollInterval,
		connectDelay: opts.ConnectDelay,
		client:       client,
		baseCtx:      ctx,
		updateSubs:   make(map[int]func(*StreamInfo)),
		listenerSubs: make(map[int]func(int)),
	}
}

// Current returns the latest snapshot, or nil while offline.
func (w *Watcher) Current() *StreamInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// OnUpdate registers fn for snapshot changes. fn receives nil on transitions
// to offline.
func (w *Watcher) OnUpdate(fn func(*StreamInfo)) *Subscription {
	w.subMu.Lock()
	id := w.nextSub
	w.nextSub++
	w.updateSubs[id] = fn
	w.subMu.Unlock()
	return &Subscription{cancel: func() {
		w.subMu.Lock()
		delete(w.updateSubs, id)
		w.subMu.Unlock()
	}}
}

// OnListeners registers fn for listener-count changes.
func (w *Watcher) OnListeners(fn func(int)) *Subscription {
	w.subMu.Lock()
	id := w.nextSub
	w.nextSub++
	w.listenerSubs[id] = fn
	w.subMu.Unlock()
	return &Subscription{cancel: func() {
		w.subMu.Lock()
		delete(w.listenerSubs, id)
		w.subMu.Unlock()
	}}
}

// HandleSourceConnect schedules the first poll after a short delay to cover
// source startup lag. No-op when a poll is already scheduled or in flight.
func (w *Watcher) HandleSourceConnect() {
	w.mu.Lock()
	if w.timer != nil || w.inFlight {
		w.mu.Unlock()
		return
	}
	w.scheduleLocked(w.connectDelay)
	w.mu.Unlock()
	slog.Info("status watcher: poll scheduled", slog.Duration("delay", w.connectDelay))
}

// HandleSourceDisconnect cancels any scheduled poll, clears the snapshot, and
// emits update(nil). Calling it while already offline re-emits update(nil)
// and nothing else.
func (w *Watcher) HandleSourceDisconnect() {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	w.mu.Lock()
	w.cancelLocked()
	w.current = nil
	w.mu.Unlock()
	telemetry.UpdateOnlineGauge(false)
	telemetry.SetListeners(0)
	w.emitUpdate(nil)
}

// Close stops polling. Registered subscriptions stay valid but receive no
// further events.
func (w *Watcher) Close() {
	w.mu.Lock()
	w.cancelLocked()
	w.mu.Unlock()
}

// scheduleLocked arms the poll timer. Caller holds w.mu.
func (w *Watcher) scheduleLocked(d time.Duration) {
	gen := w.gen
	w.timer = time.AfterFunc(d, func() { w.poll(gen) })
}

// cancelLocked disarms the timer and invalidates any enqueued callback or
// in-flight fetch. Caller holds w.mu.
func (w *Watcher) cancelLocked() {
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.inFlight = false
}

func (w *Watcher) poll(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		// Cancelled after the callback was enqueued.
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.inFlight = true
	w.mu.Unlock()

	telemetry.PollCycles.Inc()
	var next *StreamInfo
	telemetry.TimeFunc(telemetry.PollDuration, func() { next = w.fetchInfo() })
	w.apply(gen, next)
}

// fetchInfo performs one status fetch. Any failure (network, non-200,
// malformed body) is logged and reported as offline.
func (w *Watcher) fetchInfo() *StreamInfo {
	ctx, cancel := context.WithTimeout(w.baseCtx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		telemetry.PollFailures.Inc()
		slog.Error("status watcher: bad status url", slog.Any("err", err))
		return nil
	}
	resp, err := w.client.Do(req)
	if err != nil {
		telemetry.PollFailures.Inc()
		slog.Warn("status watcher: status fetch failed", slog.Any("err", err))
		return nil
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		telemetry.PollFailures.Inc()
		slog.Warn("status watcher: non-200 from status endpoint", slog.Int("status", resp.StatusCode))
		return nil
	}
	var body struct {
		Icestats struct {
			Source *struct {
				ListenURL   string `json:"listenurl"`
				Name        string `json:"server_name"`
				StreamStart string `json:"stream_start_iso8601"`
				Listeners   int    `json:"listeners"`
			} `json:"source"`
		} `json:"icestats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		telemetry.PollFailures.Inc()
		slog.Warn("status watcher: malformed status body", slog.Any("err", err))
		return nil
	}
	src := body.Icestats.Source
	if src == nil {
		// Source mount absent: the stream is offline, not an error.
		return nil
	}
	startTime, err := time.Parse(time.RFC3339, src.StreamStart)
	if err != nil {
		telemetry.PollFailures.Inc()
		slog.Warn("status watcher: bad stream_start_iso8601", slog.Any("err", err), slog.String("value", src.StreamStart))
		return nil
	}
	return &StreamInfo{
		ListenURL:   src.ListenURL,
		Name:        src.Name,
		StreamStart: startTime.UTC(),
		Listeners:   src.Listeners,
	}
}

// apply installs next as the current snapshot, emits events for observable
// changes, and arms the next poll while still online.
func (w *Watcher) apply(gen uint64, next *StreamInfo) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	w.mu.Lock()
	if gen != w.gen {
		// A disconnect hook (or Close) raced the fetch; its result no longer applies.
		w.mu.Unlock()
		return
	}
	w.inFlight = false
	prev := w.current
	w.current = next
	changed := !sameBroadcast(prev, next)
	prevListeners := 0
	if prev != nil {
		prevListeners = prev.Listeners
	}
	nextListeners := 0
	if next != nil {
		nextListeners = next.Listeners
	}
	if next != nil {
		w.scheduleLocked(w.interval)
	}
	w.mu.Unlock()

	telemetry.UpdateOnlineGauge(next != nil)
	telemetry.SetListeners(nextListeners)
	if changed {
		telemetry.StatusTransitions.Inc()
		slog.Info("status watcher: stream state changed", slog.Bool("online", next != nil), slog.String("name", streamName(next)))
		w.emitUpdate(next)
	}
	if nextListeners != prevListeners {
		w.emitListeners(nextListeners)
	}
}

// sameBroadcast reports whether a and b describe the same broadcast episode:
// same listen URL, name, and start time (listener count is tracked separately).
func sameBroadcast(a, b *StreamInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ListenURL == b.ListenURL && a.Name == b.Name && a.StreamStart.Equal(b.StreamStart)
}

func streamName(info *StreamInfo) string {
	if info == nil {
		return ""
	}
	return info.Name
}

func (w *Watcher) emitUpdate(info *StreamInfo) {
	w.subMu.Lock()
	fns := make([]func(*StreamInfo), 0, len(w.updateSubs))
	for _, fn := range w.updateSubs {
		fns = append(fns, fn)
	}
	w.subMu.Unlock()
	for _, fn := range fns {
		fn(info)
	}
}

func (w *Watcher) emitListeners(count int) {
	w.subMu.Lock()
	fns := make([]func(int), 0, len(w.listenerSubs))
	for _, fn := range w.listenerSubs {
		fns = append(fns, fn)
	}
	w.subMu.Unlock()
	for _, fn := range fns {
		fn(count)
	}
}
