// Package pipeline carries per-request state between the filters of
// the proxy and the storage application behind them.
//
// Upstream filters attach an Environ to the request context. The auth
// filter fills in the principal and a deferred Authorizer; the storage
// application calls the Authorizer once it knows the container ACL.
package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
)

// Authorizer decides a request against the ACL the storage application
// found for it. A nil return allows the request. Any other value is
// usually a *Response the caller should serve as-is.
type Authorizer func(r *http.Request, acl string) error

// ACLCleaner validates and normalises an ACL header value before the
// storage application persists it.
type ACLCleaner func(name, value string) (string, error)

// Environ is the mutable per-request state shared along the pipeline.
// Filters run sequentially for a request so no locking is needed.
type Environ struct {
	// RemoteUser is the comma-separated group list of the
	// authenticated principal, empty when anonymous.
	RemoteUser string
	// Authorize is the deferred authorization callback. nil means no
	// filter has claimed the request.
	Authorize Authorizer
	// CleanACL is set alongside Authorize.
	CleanACL ACLCleaner
	// Owner is set by the authorizer when the principal owns the
	// account.
	Owner bool
	// ResellerRequest marks principals holding the reseller admin
	// group.
	ResellerRequest bool
	// AuthorizeOverride is set by an upstream filter that has already
	// taken responsibility for authorization.
	AuthorizeOverride bool
	// SyncKey is the container-sync key of the target container.
	SyncKey string
	// TransID identifies the request in logs and responses.
	TransID string
}

type contextKey int

const ctxEnviron contextKey = iota

// FromContext returns the request's Environ, or nil.
func FromContext(ctx context.Context) *Environ {
	env, _ := ctx.Value(ctxEnviron).(*Environ)
	return env
}

// WithEnviron returns a copy of ctx carrying env.
func WithEnviron(ctx context.Context, env *Environ) context.Context {
	return context.WithValue(ctx, ctxEnviron, env)
}

// Attach returns r with an Environ, creating one when absent.
func Attach(r *http.Request) (*http.Request, *Environ) {
	if env := FromContext(r.Context()); env != nil {
		return r, env
	}

	env := &Environ{TransID: NewTransID()}

	return r.WithContext(WithEnviron(r.Context(), env)), env
}

// NewTransID returns a random transaction id of the form "tx" + 21 hex
// characters.
func NewTransID() string {
	b := make([]byte, 11)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return "tx" + hex.EncodeToString(b)[:21]
}

// Middleware installs a fresh Environ on every request lacking one and
// echoes its transaction id in the X-Trans-Id response header.
func Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, env := Attach(r)
			w.Header().Set("X-Trans-Id", env.TransID)

			logger.Debug("pipeline: request",
				slog.String("trans_id", env.TransID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)

			next.ServeHTTP(w, r)
		})
	}
}
