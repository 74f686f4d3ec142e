// Package server middleware for webhook authentication and CORS.
package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// hookAuthConfig holds webhook authentication configuration loaded from environment
type hookAuthConfig struct {
	token   string
	enabled bool
}

// newHookAuthConfig builds webhook auth from the configured shared secret
// (config.Config.SourceWebhookToken).
func newHookAuthConfig(token string) *hookAuthConfig {
	if token == "" {
		slog.Warn("SOURCE_WEBHOOK_TOKEN not set - lifecycle webhooks are UNPROTECTED. Set it in production")
	}
	return &hookAuthConfig{token: token, enabled: token != ""}
}

// hookAuthMiddleware protects the source lifecycle webhooks with a shared secret
func hookAuthMiddleware(next http.Handler, cfg *hookAuthConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if not configured (dev mode)
		if !cfg.enabled {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Source-Token")
		if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.token)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("webhook auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}

// corsConfig holds CORS configuration
type corsConfig struct {
	allowedOrigins []string
	permissive     bool // True for dev mode (allow all), false for production (restricted)
}

// loadCORSConfig reads CORS configuration from environment
func loadCORSConfig() *corsConfig {
	// Default to permissive in dev, restricted in production
	mode := strings.ToLower(os.Getenv("ENV"))
	permissive := mode == "" || mode == "dev" || mode == "development"

	// Allow explicit override
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		permissive = v == "1" || v == "true"
	}

	allowedOrigins := []string{}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins = append(allowedOrigins, origin)
			}
		}
	}

	if !permissive && len(allowedOrigins) == 0 {
		slog.Warn("CORS restricted mode enabled but no CORS_ALLOWED_ORIGINS configured - all CORS requests will be blocked")
	}

	return &corsConfig{
		allowedOrigins: allowedOrigins,
		permissive:     permissive,
	}
}

// withCORSConfig wraps a handler with CORS headers based on configuration
func withCORSConfig(next http.Handler, cfg *corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if cfg.permissive {
			// Dev mode: permissive CORS (allow all)
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
		} else {
			// Production mode: restricted CORS (allow only configured origins)
			if origin != "" && isOriginAllowed(origin, cfg.allowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed checks if an origin is in the allowed list
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if origin == allowed {
			return true
		}
		// Support wildcard subdomains (e.g., "*.example.com")
		if strings.HasPrefix(allowed, "*.") {
			domain := allowed[2:]
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}
