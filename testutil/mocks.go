package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockSourceServer mimics the stream source's JSON status endpoint.
type MockSourceServer struct {
	*httptest.Server
	mu     sync.Mutex
	status int
	body   string
}

// NewMockSourceServer starts a mock source reporting offline (no mounted source).
func NewMockSourceServer(t *testing.T) *MockSourceServer {
	t.Helper()
	m := &MockSourceServer{
		status: http.StatusOK,
		body:   `{"icestats":{}}`,
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		status, body := m.status, m.body
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(m.Close)
	return m
}

// SetSource makes the mock report a live source.
func (m *MockSourceServer) SetSource(listenURL, name string, start time.Time, listeners int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = http.StatusOK
	m.body = fmt.Sprintf(
		`{"icestats":{"source":{"listenurl":%q,"server_name":%q,"stream_start_iso8601":%q,"listeners":%d}}}`,
		listenURL, name, start.UTC().Format(time.RFC3339), listeners,
	)
}

// SetOffline makes the mock report no mounted source.
func (m *MockSourceServer) SetOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = http.StatusOK
	m.body = `{"icestats":{}}`
}

// SetRaw makes the mock return an arbitrary status and body (error injection).
func (m *MockSourceServer) SetRaw(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.body = body
}

// SentMail records one delivery attempt made through FakeMailer.
type SentMail struct {
	To      string
	Subject string
	Body    string
}

// FakeMailer satisfies notify.Mailer. Failures can be injected per recipient.
type FakeMailer struct {
	mu      sync.Mutex
	sent    []SentMail
	FailFor map[string]error
}

func (m *FakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailFor[to]; ok {
		return err
	}
	m.sent = append(m.sent, SentMail{To: to, Subject: subject, Body: body})
	return nil
}

// Sent returns a copy of successful deliveries so far.
func (m *FakeMailer) Sent() []SentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMail, len(m.sent))
	copy(out, m.sent)
	return out
}

// FakeSubscribers satisfies notify.SubscriberSource.
type FakeSubscribers struct {
	Emails []string
	Err    error
}

func (f *FakeSubscribers) SubscribedVerifiedEmails(context.Context) ([]string, error) {
	return f.Emails, f.Err
}
