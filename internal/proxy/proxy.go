// Package proxy forwards authorized requests to the storage
// application. It plays the storage side of the pipeline contract: it
// finds the container ACL, cleans ACL updates, and calls the deferred
// authorizer before anything reaches the backend.
package proxy

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/alexjbarnes/swiftauth/internal/authz"
	"github.com/alexjbarnes/swiftauth/internal/pipeline"
)

// RemoteUserHeader carries the principal's groups to the storage
// application. Client-supplied values are always removed.
const RemoteUserHeader = "X-Remote-User"

var aclHeaders = []string{"X-Container-Read", "X-Container-Write"}

// Handler authorizes and proxies storage requests.
type Handler struct {
	proxy  *httputil.ReverseProxy
	acls   ACLSource
	logger *slog.Logger
}

// New returns a Handler forwarding to target. acls may be nil, in which
// case every container has empty ACLs.
func New(target *url.URL, acls ACLSource, logger *slog.Logger) *Handler {
	if acls == nil {
		acls = StaticACLs{}
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("proxy: upstream request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		w.WriteHeader(http.StatusBadGateway)
	}

	return &Handler{proxy: rp, acls: acls, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r, env := pipeline.Attach(r)

	var account, container, object string
	if segs, err := authz.SplitPath(r.URL.Path, 1, 4, true); err == nil {
		account, container, object = segs[1], segs[2], segs[3]
	}

	var meta ContainerMeta

	if account != "" && container != "" {
		var err error

		meta, err = h.acls.ContainerACL(r.Context(), account, container)
		if err != nil {
			h.logger.Error("proxy: reading container ACL",
				slog.String("trans_id", env.TransID),
				slog.String("account", account),
				slog.String("container", container),
				slog.String("error", err.Error()),
			)
			pipeline.Serve(w, r, err)

			return
		}
	}

	env.SyncKey = meta.SyncKey

	if container != "" && object == "" && (r.Method == http.MethodPut || r.Method == http.MethodPost) {
		if resp := cleanACLHeaders(r, env); resp != nil {
			resp.ServeHTTP(w, r)
			return
		}
	}

	if env.Authorize != nil {
		if err := env.Authorize(r, aclFor(r.Method, container, object, meta)); err != nil {
			h.logger.Debug("proxy: request denied",
				slog.String("trans_id", env.TransID),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			pipeline.Serve(w, r, err)

			return
		}
	}

	r.Header.Del(RemoteUserHeader)

	if env.RemoteUser != "" {
		r.Header.Set(RemoteUserHeader, env.RemoteUser)
	}

	h.proxy.ServeHTTP(w, r)
}

// aclFor picks the ACL that governs the request. Account requests and
// container writes are for owners only and get no ACL.
func aclFor(method, container, object string, meta ContainerMeta) string {
	if container == "" {
		return ""
	}

	switch method {
	case http.MethodGet, http.MethodHead:
		return meta.Read
	}

	if object == "" {
		return ""
	}

	return meta.Write
}

// cleanACLHeaders normalises ACL headers on a container update in place.
func cleanACLHeaders(r *http.Request, env *pipeline.Environ) *pipeline.Response {
	clean := env.CleanACL
	if clean == nil {
		clean = authz.CleanACL
	}

	for _, name := range aclHeaders {
		v := r.Header.Get(name)
		if v == "" {
			continue
		}

		cleaned, err := clean(name, v)
		if err != nil {
			return &pipeline.Response{Status: http.StatusBadRequest, Body: err.Error(), Err: err}
		}

		r.Header.Set(name, cleaned)
	}

	return nil
}
