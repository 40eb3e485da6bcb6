package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/swiftauth/internal/authz"
	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
	"github.com/alexjbarnes/swiftauth/internal/identity"
	"github.com/alexjbarnes/swiftauth/internal/logging"
	"github.com/alexjbarnes/swiftauth/internal/models"
	"github.com/alexjbarnes/swiftauth/internal/pipeline"
)

// credentials are the account, user and key presented to the token
// endpoint.
type credentials struct {
	account string
	user    string
	key     string
	// accountInPath is set for the v1/<account>/auth form.
	accountInPath bool
}

// issued is a token and the record it resolves to.
type issued struct {
	token string
	rec   models.TokenRecord
}

// handleAdmin serves <auth_prefix>{v1.0,auth,v1/<account>/auth}.
func (i *Interceptor) handleAdmin(w http.ResponseWriter, r *http.Request) {
	defer i.recoverInternal(w, r)

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if i.cfg.AuthMethod == MethodActive {
		pipeline.Redirect(i.cfg.ExtAuthURL, nil).ServeHTTP(w, r)
		return
	}

	if err := i.handleGetToken(w, r); err != nil {
		i.writeError(w, r, err)
	}
}

func (i *Interceptor) handleGetToken(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	txID := transID(r)

	rest := "/" + strings.TrimPrefix(r.URL.Path, i.cfg.AuthPrefix)

	segs, err := authz.SplitPath(rest, 1, 3, true)
	if err != nil {
		return pipeline.NotFound(err)
	}

	creds, err := parseCredentials(segs, r.Header)
	if err != nil {
		return err
	}

	if creds.user == "" && creds.key == "" && !creds.accountInPath {
		return pipeline.Redirect(i.cfg.ExtAuthURL, nil)
	}

	if creds.account == "" || creds.user == "" || creds.key == "" {
		return pipeline.Unauthorized(autherrors.ErrBadCredentials)
	}

	user := creds.user
	if i.cfg.RealmName != "" && !strings.Contains(user, "@") {
		user += "@" + i.cfg.RealmName
	}

	verdict, err := i.backend.VerifyCredentials(ctx, user, creds.key)
	if err != nil {
		return fmt.Errorf("verifying credentials for %s: %w", user, err)
	}

	switch verdict {
	case identity.VerdictOK:
	case identity.VerdictBadCredentials:
		i.logger.Info("auth: rejected credentials",
			slog.String("trans_id", txID),
			slog.String("user", user),
		)

		return pipeline.Unauthorized(autherrors.ErrBadCredentials)
	case identity.VerdictTimeout:
		return autherrors.ErrBackendTimeout
	case identity.VerdictBackendMissing:
		return autherrors.ErrBackendMissing
	default:
		return fmt.Errorf("unexpected verdict %s", verdict)
	}

	user = identity.StripRealm(user)

	groups, err := i.backend.ListGroups(ctx, user)
	if err != nil {
		return fmt.Errorf("listing groups for %s: %w", user, err)
	}

	if !i.isMember(creds.account, groups) {
		i.logger.Info("auth: user is not a member of the account",
			slog.String("trans_id", txID),
			slog.String("user", user),
			slog.String("account", i.cfg.ResellerPrefix+creds.account),
		)

		return pipeline.Unauthorized(autherrors.ErrNotGroupMember)
	}

	tok, err := i.issueToken(ctx, user, groups)
	if err != nil {
		return err
	}

	i.logger.Info("auth: token issued",
		slog.String("trans_id", txID),
		slog.String("user", user),
		logging.TokenAttr(tok.token),
	)

	i.writeToken(w, tok, user)
	w.Header().Set("X-Storage-Url", i.storageURL(r, creds.account))
	w.WriteHeader(http.StatusOK)

	return nil
}

// parseCredentials reads the account, user and key from the path and
// headers. User values take the form <account>:<user>.
func parseCredentials(segs []string, h http.Header) (credentials, error) {
	var c credentials

	switch {
	case segs[0] == "v1" && segs[2] == "auth":
		c.account = segs[1]
		c.accountInPath = true

		c.user = headerValue(h, "X-Storage-User")
		if c.user == "" {
			if full := headerValue(h, "X-Auth-User"); full != "" {
				account, user, ok := strings.Cut(full, ":")
				if !ok || account != c.account {
					return c, pipeline.Unauthorized(autherrors.ErrBadCredentials)
				}

				c.user = user
			}
		}

		c.key = headerValue(h, "X-Storage-Pass")
		if c.key == "" {
			c.key = headerValue(h, "X-Auth-Key")
		}
	case segs[0] == "auth" || segs[0] == "v1.0":
		full := headerValue(h, "X-Auth-User")
		if full == "" {
			full = headerValue(h, "X-Storage-User")
		}

		if full != "" {
			account, user, ok := strings.Cut(full, ":")
			if !ok {
				return c, pipeline.Unauthorized(autherrors.ErrBadCredentials)
			}

			c.account, c.user = account, user
		}

		c.key = headerValue(h, "X-Auth-Key")
		if c.key == "" {
			c.key = headerValue(h, "X-Storage-Pass")
		}
	default:
		return c, pipeline.BadRequest(autherrors.ErrBadRequest)
	}

	return c, nil
}

// headerValue returns the URL-decoded header, or the raw value when it
// does not decode.
func headerValue(h http.Header, name string) string {
	v := h.Get(name)

	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}

	return v
}

// isMember reports whether groups grant the user access to account,
// either directly or through the reseller admin group.
func (i *Interceptor) isMember(account, groups string) bool {
	want := strings.ToLower(i.cfg.ResellerPrefix + account)
	list := strings.Split(groups, ",")

	for _, g := range list {
		if strings.ToLower(g) == want {
			return true
		}
	}

	return i.evaluator.IsResellerAdmin(list)
}

// issueToken reuses the user's current token when it is still live and
// carries the same groups; otherwise it mints and stores a new one. A
// malformed record behind the user mapping is replaced.
func (i *Interceptor) issueToken(ctx context.Context, user, groups string) (issued, error) {
	// Waiters share the result, so one caller going away must not fail
	// the others.
	ctx = context.WithoutCancel(ctx)

	v, err, _ := i.issue.Do(user+"\x00"+groups, func() (any, error) {
		token, rec, err := i.store.GetByUser(ctx, user)
		switch {
		case errors.Is(err, autherrors.ErrMalformedRecord):
			i.logger.Warn("auth: replacing malformed token record",
				slog.String("user", user),
				slog.String("error", err.Error()),
			)
		case err != nil:
			return issued{}, err
		}

		if rec != nil && rec.Groups == groups {
			return issued{token: token, rec: *rec}, nil
		}

		token, err = i.store.NewToken()
		if err != nil {
			return issued{}, err
		}

		expires := i.store.Now().Add(i.store.TokenLife())
		if err := i.store.Put(ctx, user, token, expires, groups); err != nil {
			return issued{}, err
		}

		return issued{
			token: token,
			rec:   models.TokenRecord{Expires: models.UnixSeconds(expires), Groups: groups},
		}, nil
	})
	if err != nil {
		return issued{}, err
	}

	return v.(issued), nil
}

// writeToken sets the token headers and, when enabled, the debug
// headers. It does not write the status.
func (i *Interceptor) writeToken(w http.ResponseWriter, tok issued, user string) {
	life := int64(tok.rec.Expires - models.UnixSeconds(i.store.Now()))

	h := w.Header()
	h.Set("X-Auth-Token", tok.token)
	h.Set("X-Storage-Token", tok.token)
	h.Set("X-Auth-Token-Expires", strconv.FormatInt(life, 10))

	if i.cfg.DebugHeaders {
		h.Set("X-Debug-Remote-User", user)
		h.Set("X-Debug-Groups", tok.rec.Groups)
		h.Set("X-Debug-Token-Life", fmt.Sprintf("%ds", life))
		h.Set("X-Debug-Token-Expires", tok.rec.ExpiresAt().Format(time.ANSIC))
	}
}

// storageURL returns <scheme>://<host>/v1/<prefix><account>.
func (i *Interceptor) storageURL(r *http.Request, account string) string {
	scheme := i.cfg.StorageURLScheme
	if scheme == "" || scheme == SchemeDefault {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}

	return scheme + "://" + r.Host + "/v1/" + i.cfg.ResellerPrefix + account
}

// writeError renders an admin-path error. Responses are served as-is;
// known backend and cache failures keep their messages; anything else is
// logged and hidden behind a generic 500.
func (i *Interceptor) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var resp *pipeline.Response
	if errors.As(err, &resp) {
		resp.ServeHTTP(w, r)
		return
	}

	attrs := []any{slog.String("path", r.URL.Path), slog.String("error", err.Error())}
	if env := pipeline.FromContext(r.Context()); env != nil {
		attrs = append(attrs, slog.String("trans_id", env.TransID))
	}

	for _, known := range []error{
		autherrors.ErrCacheRequired,
		autherrors.ErrBackendMissing,
		autherrors.ErrBackendTimeout,
	} {
		if errors.Is(err, known) {
			i.logger.Error("auth: token endpoint failed", attrs...)
			pipeline.Internal(known.Error(), err).ServeHTTP(w, r)

			return
		}
	}

	i.logger.Error("auth: unexpected error in token endpoint", attrs...)
	pipeline.Internal("Internal server error", err).ServeHTTP(w, r)
}

// recoverInternal turns a panic in an admin handler into a 500.
func (i *Interceptor) recoverInternal(w http.ResponseWriter, r *http.Request) {
	rec := recover()
	if rec == nil {
		return
	}

	i.logger.Error("auth: panic in token endpoint",
		slog.String("trans_id", transID(r)),
		slog.String("path", r.URL.Path),
		slog.Any("panic", rec),
	)

	pipeline.Internal("Internal server error", nil).ServeHTTP(w, r)
}

func transID(r *http.Request) string {
	if env := pipeline.FromContext(r.Context()); env != nil {
		return env.TransID
	}

	return ""
}
