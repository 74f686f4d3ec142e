// Package server exposes the HTTP API: health, status, metrics, the realtime
// websocket endpoint, chat history pagination, and the stream-source lifecycle
// webhooks. It includes permissive CORS for development and injects
// correlation IDs into request contexts for consistent logging.
package server

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/radiosync/chatlog"
	"github.com/onnwee/radiosync/streamstatus"
	"github.com/onnwee/radiosync/telemetry"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	DB      *sql.DB
	Redis   *redis.Client
	ChatLog *chatlog.Log
	Watcher *streamstatus.Watcher
	// Realtime is the websocket hub mounted at /ws.
	Realtime http.Handler
	// SourceWebhookToken protects the lifecycle webhooks; empty disables auth.
	SourceWebhookToken string
}

// NewMux returns the HTTP handler with all routes.
func NewMux(deps Deps) http.Handler {
	corsCfg := loadCORSConfig()
	hookAuth := newHookAuthConfig(deps.SourceWebhookToken)
	handlers := NewHandlers(deps)

	mux := http.NewServeMux()

	// Metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health and readiness endpoints
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	// Status mirror for non-websocket clients
	mux.HandleFunc("/status", handlers.HandleStatus)

	// Chat history pagination
	mux.HandleFunc("/chat/history", handlers.HandleChatHistory)

	// Realtime websocket endpoint
	if deps.Realtime != nil {
		mux.Handle("/ws", deps.Realtime)
	}

	// Stream-source lifecycle webhooks (called by the source, not end users)
	mux.Handle("/hooks/source-connect", hookAuthMiddleware(http.HandlerFunc(handlers.HandleSourceConnect), hookAuth))
	mux.Handle("/hooks/source-disconnect", hookAuthMiddleware(http.HandlerFunc(handlers.HandleSourceDisconnect), hookAuth))

	// Wrap with correlation ID injector
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(wrappedWriter, r.WithContext(ctx))
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets websocket upgrades pass through the middleware chain.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Shutdown goroutine
	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
