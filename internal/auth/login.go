package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
	"github.com/alexjbarnes/swiftauth/internal/identity"
	"github.com/alexjbarnes/swiftauth/internal/logging"
	"github.com/alexjbarnes/swiftauth/internal/pipeline"
)

// RemoteUserHeader carries the "user@REALM" principal set by a fronting
// web server after it has negotiated with the client.
const RemoteUserHeader = "Remote-User"

// LoginSecretHeader carries Config.LoginSecret from the authentication
// server. Requests to the login handler without it are refused.
const LoginSecretHeader = "X-Login-Secret"

// HandleExternalLogin returns the landing handler for the active-mode
// login flow. The external authentication URL points at a web server
// that authenticates the browser and forwards here with the principal
// in RemoteUserHeader. The header is trusted only when the request also
// carries the configured LoginSecretHeader.
//
// An optional "account" query parameter adds X-Storage-Url when the
// user is a member of that account.
func (i *Interceptor) HandleExternalLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer i.recoverInternal(w, r)

		r, env := pipeline.Attach(r)

		if !i.fromLoginServer(r) {
			i.logger.Warn("auth: external login not from the authentication server",
				slog.String("trans_id", env.TransID),
				slog.String("remote_addr", r.RemoteAddr),
			)
			pipeline.Forbidden(autherrors.ErrUntrustedLogin).ServeHTTP(w, r)

			return
		}

		user, err := identity.ParseRemoteUser(r.Header.Get(RemoteUserHeader))
		if err != nil {
			i.logger.Warn("auth: external login without a usable principal",
				slog.String("trans_id", env.TransID),
				slog.String("error", err.Error()),
			)
			pipeline.Unauthorized(err).ServeHTTP(w, r)

			return
		}

		groups, err := i.backend.ListGroups(r.Context(), user)
		if err != nil {
			i.writeError(w, r, err)
			return
		}

		account := r.URL.Query().Get("account")
		if account != "" && !i.isMember(account, groups) {
			pipeline.Unauthorized(autherrors.ErrNotGroupMember).ServeHTTP(w, r)
			return
		}

		tok, err := i.issueToken(r.Context(), user, groups)
		if err != nil {
			i.writeError(w, r, err)
			return
		}

		i.logger.Info("auth: token issued via external login",
			slog.String("trans_id", env.TransID),
			slog.String("user", user),
			logging.TokenAttr(tok.token),
		)

		i.writeToken(w, tok, user)

		if account != "" {
			w.Header().Set("X-Storage-Url", i.storageURL(r, account))
		}

		w.WriteHeader(http.StatusOK)
	}
}

func (i *Interceptor) fromLoginServer(r *http.Request) bool {
	if i.cfg.LoginSecret == "" {
		return false
	}

	got := r.Header.Get(LoginSecretHeader)

	return subtle.ConstantTimeCompare([]byte(got), []byte(i.cfg.LoginSecret)) == 1
}
