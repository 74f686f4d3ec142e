// Package notify turns stream updates into go-live subscriber emails. A burst
// of updates within the debounce window collapses into a single batch built
// from the most recent snapshot; an offline update cancels the batch outright.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/radiosync/streamstatus"
	"github.com/onnwee/radiosync/telemetry"
)

// Mailer delivers one message. No retry contract is expected of it.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SubscriberSource lists deliverable addresses for a batch.
type SubscriberSource interface {
	SubscribedVerifiedEmails(ctx context.Context) ([]string, error)
}

// Options configures a Scheduler.
type Options struct {
	Delay      time.Duration // debounce window (default 60s)
	IgnoreName string        // stream name that never notifies (test broadcasts)
}

// Scheduler owns the single pending notification. Every update replaces it:
// the old timer is cancelled before anything new is installed, so at most one
// batch is ever in flight.
type Scheduler struct {
	mailer     Mailer
	subs       SubscriberSource
	delay      time.Duration
	ignoreName string
	baseCtx    context.Context

	mu      sync.Mutex
	pending *pendingNotification
}

type pendingNotification struct {
	snapshot streamstatus.StreamInfo
	timer    *time.Timer
}

// New builds a Scheduler. ctx bounds subscriber lookups and mail sends when a
// batch fires.
func New(ctx context.Context, mailer Mailer, subs SubscriberSource, opts Options) *Scheduler {
	telemetry.Init()
	if opts.Delay <= 0 {
		opts.Delay = time.Minute
	}
	return &Scheduler{
		mailer:     mailer,
		subs:       subs,
		delay:      opts.Delay,
		ignoreName: opts.IgnoreName,
		baseCtx:    ctx,
	}
}

// HandleUpdate is the watcher update callback. It always cancels any pending
// batch first, then schedules a new one if info qualifies.
func (s *Scheduler) HandleUpdate(info *streamstatus.StreamInfo) {
	s.mu.Lock()
	s.clearLocked()
	if info == nil || info.Name == "" || (s.ignoreName != "" && info.Name == s.ignoreName) {
		s.mu.Unlock()
		return
	}
	p := &pendingNotification{snapshot: *info}
	p.timer = time.AfterFunc(s.delay, func() { s.fire(p) })
	s.pending = p
	s.mu.Unlock()
	slog.Debug("notify: batch scheduled", slog.String("name", info.Name), slog.Duration("delay", s.delay))
}

// Clear cancels any outstanding batch. Called on shutdown so no timer outlives
// the process teardown.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
}

func (s *Scheduler) clearLocked() {
	if s.pending != nil {
		s.pending.timer.Stop()
		s.pending = nil
	}
}

// fire sends the batch for p. The identity check against s.pending makes a
// timer that lost the race to a cancellation a no-op even if its callback was
// already enqueued.
func (s *Scheduler) fire(p *pendingNotification) {
	s.mu.Lock()
	if s.pending != p {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()

	telemetry.NotifyBatches.Inc()
	emails, err := s.subs.SubscribedVerifiedEmails(s.baseCtx)
	if err != nil {
		slog.Error("notify: subscriber lookup failed, batch dropped", slog.Any("err", err))
		return
	}
	subject := fmt.Sprintf("%s is live!", p.snapshot.Name)
	body := fmt.Sprintf("%s just went live.\n\nTune in: %s\n", p.snapshot.Name, p.snapshot.ListenURL)
	sent := 0
	for _, to := range emails {
		if err := s.mailer.Send(s.baseCtx, to, subject, body); err != nil {
			telemetry.EmailsFailed.Inc()
			slog.Warn("notify: send failed", slog.String("to", to), slog.Any("err", err))
			continue
		}
		telemetry.EmailsSent.Inc()
		sent++
	}
	slog.Info("notify: batch sent", slog.String("name", p.snapshot.Name), slog.Int("recipients", sent), slog.Int("failed", len(emails)-sent))
}
