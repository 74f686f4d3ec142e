// Command radiosync is the realtime backend for the live radio site.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres (identity) and Redis (chat log) and runs idempotent migrations.
//   - Watches the stream source's status endpoint, driven by lifecycle webhooks.
//   - Fans status and chat out to websocket clients and schedules go-live emails.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /chat/history,
//     /ws, the lifecycle webhooks, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/radiosync/chatlog"
	"github.com/onnwee/radiosync/config"
	"github.com/onnwee/radiosync/db"
	"github.com/onnwee/radiosync/gateway"
	"github.com/onnwee/radiosync/identity"
	"github.com/onnwee/radiosync/notify"
	"github.com/onnwee/radiosync/server"
	"github.com/onnwee/radiosync/streamstatus"
	"github.com/onnwee/radiosync/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// DB (identity: users, sessions)
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Redis (chat log)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis", slog.Any("err", err))
		}
	}()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	idStore := identity.NewStore(database)
	chatLog := chatlog.New(rdb, cfg.ChatKey)

	watcher := streamstatus.New(ctx, streamstatus.Options{
		StatusURL:    cfg.StatusURL,
		PollInterval: cfg.PollInterval,
		ConnectDelay: cfg.ConnectDelay,
	})

	gw := gateway.New(ctx, idStore, chatLog, watcher, gateway.Options{})

	// Go-live email notifications, enabled when SMTP is configured.
	var sched *notify.Scheduler
	if err := cfg.ValidateMailReady(); err != nil {
		slog.Info("go-live notifications disabled", slog.Any("reason", err))
	} else {
		mailer := &notify.SMTPMailer{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.NotifyFrom,
		}
		sched = notify.New(ctx, mailer, idStore, notify.Options{
			Delay:      cfg.NotifyDelay,
			IgnoreName: cfg.NotifyIgnoreName,
		})
		watcher.OnUpdate(sched.HandleUpdate)
		slog.Info("go-live notifications enabled", slog.String("from", cfg.NotifyFrom))
	}

	// Probe once at startup: if the source was already connected before we
	// came up (restart mid-broadcast), the webhook already fired and won't
	// repeat, so kick off one poll cycle ourselves.
	watcher.HandleSourceConnect()

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/history/websocket/webhooks/metrics)
	deps := server.Deps{
		DB:                 database,
		Redis:              rdb,
		ChatLog:            chatLog,
		Watcher:            watcher,
		Realtime:           gw,
		SourceWebhookToken: cfg.SourceWebhookToken,
	}
	go func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	if sched != nil {
		sched.Clear()
	}
	gw.Close()
	watcher.Close()
}
