// Package auth intercepts proxy requests to authenticate tokens, issue
// new ones from the admin endpoint, and install a deferred authorizer
// for the storage application to call.
package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexjbarnes/swiftauth/internal/authz"
	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
	"github.com/alexjbarnes/swiftauth/internal/identity"
	"github.com/alexjbarnes/swiftauth/internal/logging"
	"github.com/alexjbarnes/swiftauth/internal/pipeline"
	"github.com/alexjbarnes/swiftauth/internal/tokenstore"
	"golang.org/x/sync/singleflight"
)

// Auth methods.
const (
	// MethodActive delegates the credential prompt to an external web
	// flow and answers challenges with 303 See Other.
	MethodActive = "active"
	// MethodPassive accepts credentials on the token endpoint and
	// answers challenges with 401.
	MethodPassive = "passive"
)

// SchemeDefault keeps the scheme of the incoming request in
// X-Storage-Url.
const SchemeDefault = "default"

// Config is the interceptor configuration. Values are expected to be
// normalised already (see config.NormalizeResellerPrefix and
// config.NormalizeAuthPrefix).
type Config struct {
	ResellerPrefix   string
	AuthPrefix       string
	AuthMethod       string
	RealmName        string
	ExtAuthURL       string
	DebugHeaders     bool
	AllowOverrides   bool
	StorageURLScheme string

	// LoginSecret is the value the authentication server sends in
	// LoginSecretHeader when it forwards to the external login handler.
	// Empty disables external login.
	LoginSecret string
}

// Interceptor is the auth filter. It keeps no per-request state; tokens
// live in the store.
type Interceptor struct {
	cfg       Config
	store     *tokenstore.Store
	backend   identity.Backend
	evaluator authz.Evaluator
	logger    *slog.Logger

	// issue collapses concurrent logins of one user with one group set
	// into a single store round trip.
	issue singleflight.Group
}

// New returns an Interceptor.
func New(cfg Config, store *tokenstore.Store, backend identity.Backend, logger *slog.Logger) *Interceptor {
	return &Interceptor{
		cfg:       cfg,
		store:     store,
		backend:   backend,
		evaluator: authz.Evaluator{ResellerPrefix: cfg.ResellerPrefix},
		logger:    logger,
	}
}

// Middleware returns the interceptor as HTTP middleware.
func Middleware(cfg Config, store *tokenstore.Store, backend identity.Backend, logger *slog.Logger) func(http.Handler) http.Handler {
	return New(cfg, store, backend, logger).Wrap
}

// Wrap routes each request to the token endpoint, an authenticated or
// anonymous pass-through, or a challenge.
func (i *Interceptor) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, env := pipeline.Attach(r)

		// Only the authentication server may assert a principal.
		r.Header.Del(RemoteUserHeader)
		r.Header.Del(LoginSecretHeader)

		if i.cfg.AllowOverrides && env.AuthorizeOverride {
			next.ServeHTTP(w, r)
			return
		}

		if strings.HasPrefix(r.URL.Path, i.cfg.AuthPrefix) {
			i.handleAdmin(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.Header.Get("X-Storage-Token")
		}

		switch {
		case token == "":
			i.anonymous(r, env)
		case strings.HasPrefix(token, i.cfg.ResellerPrefix):
			if resp := i.authenticate(r, env, token); resp != nil {
				resp.ServeHTTP(w, r)
				return
			}
		default:
			// Not our token. Leave it to whoever issued it, but do not
			// let the request through unauthorized.
			if env.Authorize == nil {
				env.Authorize = i.denyAll
			}
		}

		next.ServeHTTP(w, r)
	})
}

// authenticate resolves token to a principal. A non-nil result must be
// served instead of passing the request on.
func (i *Interceptor) authenticate(r *http.Request, env *pipeline.Environ, token string) *pipeline.Response {
	rec, err := i.store.GetByToken(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, autherrors.ErrCacheRequired):
			i.logger.Error("auth: no token cache configured", slog.String("trans_id", env.TransID))
			return pipeline.Internal(autherrors.ErrCacheRequired.Error(), err)
		case errors.Is(err, autherrors.ErrMalformedRecord):
			i.logger.Warn("auth: discarding malformed token record",
				slog.String("trans_id", env.TransID),
				logging.TokenAttr(token),
				slog.String("error", err.Error()),
			)

			rec = nil
		default:
			i.logger.Error("auth: token lookup failed",
				slog.String("trans_id", env.TransID),
				slog.String("error", err.Error()),
			)

			return pipeline.Internal("Internal server error", err)
		}
	}

	if rec == nil {
		i.logger.Debug("auth: unknown or expired token",
			slog.String("trans_id", env.TransID),
			slog.String("path", r.URL.Path),
			logging.TokenAttr(token),
		)

		return i.challenge(autherrors.ErrInvalidToken)
	}

	env.RemoteUser = rec.Groups
	env.ResellerRequest = authz.IsResellerRequest(rec.GroupList())
	env.Authorize = i.Authorize
	env.CleanACL = authz.CleanACL

	i.logger.Debug("auth: authenticated",
		slog.String("trans_id", env.TransID),
		slog.String("user", rec.User()),
		slog.String("path", r.URL.Path),
	)

	return nil
}

// anonymous claims requests for accounts under our prefix so referrer
// ACLs can grant access without a token. Anything else is denied unless
// an upstream filter already installed an authorizer.
func (i *Interceptor) anonymous(r *http.Request, env *pipeline.Environ) {
	if i.ownsAccount(r.URL.Path) && (i.cfg.ResellerPrefix != "" || env.Authorize == nil) {
		env.Authorize = i.Authorize
		env.CleanACL = authz.CleanACL

		return
	}

	if env.Authorize == nil {
		env.Authorize = i.denyAll
	}
}

func (i *Interceptor) ownsAccount(path string) bool {
	segs, err := authz.SplitPath(path, 1, 4, true)
	if err != nil {
		return false
	}

	return segs[1] != "" && strings.HasPrefix(segs[1], i.cfg.ResellerPrefix)
}

// Authorize is the deferred authorizer installed for requests this
// interceptor claims. It marks the Environ as owner when the decision
// grants account ownership.
func (i *Interceptor) Authorize(r *http.Request, acl string) error {
	env := pipeline.FromContext(r.Context())
	if env == nil {
		env = &pipeline.Environ{}
	}

	d := i.evaluator.Evaluate(&authz.Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteUser: env.RemoteUser,
		ACL:        acl,
		Referer:    r.Referer(),
		Header:     r.Header,
		SyncKey:    env.SyncKey,
	})

	i.logger.Debug("auth: authorization decision",
		slog.String("trans_id", env.TransID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("rule", d.Rule),
		slog.String("outcome", d.Outcome.String()),
	)

	switch d.Outcome {
	case authz.Allow:
		if d.Owner {
			env.Owner = true
		}

		return nil
	case authz.NotFound:
		return pipeline.NotFound(d.Err)
	default:
		return i.denied(env, d.Err)
	}
}

// denyAll is installed for requests nobody else claims.
func (i *Interceptor) denyAll(r *http.Request, _ string) error {
	env := pipeline.FromContext(r.Context())
	if env == nil {
		env = &pipeline.Environ{}
	}

	return i.denied(env, autherrors.ErrNotOurNamespace)
}

// denied is 403 for an authenticated principal and a challenge for an
// anonymous one.
func (i *Interceptor) denied(env *pipeline.Environ, err error) *pipeline.Response {
	if env.RemoteUser != "" {
		return pipeline.Forbidden(err)
	}

	return i.challenge(err)
}

func (i *Interceptor) challenge(err error) *pipeline.Response {
	if i.cfg.AuthMethod == MethodActive {
		return pipeline.Redirect(i.cfg.ExtAuthURL, err)
	}

	return pipeline.Unauthorized(err)
}
