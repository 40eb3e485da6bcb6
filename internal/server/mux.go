// Package server provides HTTP server construction for swiftauth.
package server

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexjbarnes/swiftauth/internal/auth"
	"github.com/alexjbarnes/swiftauth/internal/pipeline"
	"github.com/gorilla/handlers"
)

// LoginPath is where the external authentication server forwards
// browsers in active mode.
const LoginPath = "/login"

// redactedHeaders are replaced with "<redacted>" in header logs.
var redactedHeaders = map[string]bool{
	"X-Auth-Token":    true,
	"X-Storage-Token": true,
	"X-Auth-Key":      true,
	"X-Storage-Pass":  true,
	"Authorization":   true,
	"X-Login-Secret":  true,
}

// MuxConfig holds dependencies for building the HTTP handler.
type MuxConfig struct {
	Auth    *auth.Interceptor
	Storage http.Handler
	Logger  *slog.Logger

	// ExternalLogin mounts the active-mode login landing handler. The
	// handler also refuses requests lacking the login secret.
	ExternalLogin bool
	// LogHeaders logs every request's headers with secrets redacted.
	LogHeaders bool
	// AccessLog receives combined-format access logs when set.
	AccessLog io.Writer
}

// NewMux builds the handler chain: access log, pipeline environ,
// optional header logging, then the routes. Storage requests pass
// through the auth interceptor before reaching the storage handler.
func NewMux(cfg MuxConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)

	if cfg.ExternalLogin {
		mux.Handle(LoginPath, cfg.Auth.HandleExternalLogin())
	}

	mux.Handle("/", cfg.Auth.Wrap(cfg.Storage))

	var h http.Handler = mux
	if cfg.LogHeaders {
		h = logHeaders(cfg.Logger, h)
	}

	h = pipeline.Middleware(cfg.Logger)(h)

	if cfg.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(cfg.AccessLog, h)
	}

	return h
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func logHeaders(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attrs := []any{slog.String("method", r.Method), slog.String("path", r.URL.Path)}
		if env := pipeline.FromContext(r.Context()); env != nil {
			attrs = append(attrs, slog.String("trans_id", env.TransID))
		}

		attrs = append(attrs, slog.Any("headers", redact(r.Header)))

		logger.Info("request headers", attrs...)
		next.ServeHTTP(w, r)
	})
}

func redact(h http.Header) map[string]string {
	out := make(map[string]string, len(h))

	for name, values := range h {
		if redactedHeaders[name] {
			out[name] = "<redacted>"
			continue
		}

		out[name] = strings.Join(values, ", ")
	}

	return out
}
