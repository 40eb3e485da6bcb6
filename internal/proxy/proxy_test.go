package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
	"github.com/alexjbarnes/swiftauth/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// upstream records the last request it received.
type upstream struct {
	server *httptest.Server

	mu     sync.Mutex
	header http.Header
	calls  int
}

func (u *upstream) lastHeader() http.Header {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.header
}

func (u *upstream) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.calls
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()

	u := &upstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.header = r.Header.Clone()
		u.calls++
		u.mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(u.server.Close)

	return u
}

func testHandler(t *testing.T, acls ACLSource) (*Handler, *upstream) {
	t.Helper()

	up := newUpstream(t)
	target, err := url.Parse(up.server.URL)
	require.NoError(t, err)

	return New(target, acls, testLogger()), up
}

// withEnv attaches env to r.
func withEnv(r *http.Request, env *pipeline.Environ) *http.Request {
	return r.WithContext(pipeline.WithEnviron(r.Context(), env))
}

// recordingAuthorizer captures the ACL it was called with.
func recordingAuthorizer(acl *string, result error) pipeline.Authorizer {
	return func(_ *http.Request, a string) error {
		*acl = a
		return result
	}
}

var testACLs = StaticACLs{
	"AUTH_test/pub": {Read: ".r:*,.rlistings", Write: "editors", SyncKey: "sekrit"},
}

// --- Authorization ---

func TestServeHTTP_ReadACL(t *testing.T) {
	h, up := testHandler(t, testACLs)

	var acl string

	env := &pipeline.Environ{Authorize: recordingAuthorizer(&acl, nil)}
	r := withEnv(httptest.NewRequest(http.MethodGet, "/v1/AUTH_test/pub/o", nil), env)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, ".r:*,.rlistings", acl)
	assert.Equal(t, "sekrit", env.SyncKey)
	assert.Equal(t, 1, up.callCount())
}

func TestServeHTTP_WriteACL(t *testing.T) {
	h, _ := testHandler(t, testACLs)

	var acl string

	env := &pipeline.Environ{Authorize: recordingAuthorizer(&acl, nil)}
	r := withEnv(httptest.NewRequest(http.MethodPut, "/v1/AUTH_test/pub/o", nil), env)

	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "editors", acl)
}

func TestAclFor(t *testing.T) {
	meta := ContainerMeta{Read: "r", Write: "w"}

	assert.Equal(t, "", aclFor(http.MethodGet, "", "", meta))
	assert.Equal(t, "r", aclFor(http.MethodGet, "c", "", meta))
	assert.Equal(t, "r", aclFor(http.MethodHead, "c", "o", meta))
	assert.Equal(t, "", aclFor(http.MethodPut, "c", "", meta))
	assert.Equal(t, "w", aclFor(http.MethodDelete, "c", "o", meta))
	assert.Equal(t, "w", aclFor(http.MethodPost, "c", "o", meta))
}

func TestServeHTTP_Denied(t *testing.T) {
	h, up := testHandler(t, testACLs)

	var acl string

	env := &pipeline.Environ{Authorize: recordingAuthorizer(&acl, pipeline.Forbidden(autherrors.ErrACLDenied))}
	r := withEnv(httptest.NewRequest(http.MethodGet, "/v1/AUTH_test/private/o", nil), env)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, up.callCount())
}

func TestServeHTTP_Unclaimed(t *testing.T) {
	h, up := testHandler(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, up.callCount())
}

type failingACLs struct{}

func (failingACLs) ContainerACL(context.Context, string, string) (ContainerMeta, error) {
	return ContainerMeta{}, errors.New("metadata unavailable")
}

func TestServeHTTP_ACLSourceError(t *testing.T) {
	h, up := testHandler(t, failingACLs{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/AUTH_test/pub", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 0, up.callCount())
}

// --- Remote user ---

func TestServeHTTP_SetsRemoteUser(t *testing.T) {
	h, up := testHandler(t, nil)

	env := &pipeline.Environ{RemoteUser: "act:usr,act"}
	r := withEnv(httptest.NewRequest(http.MethodGet, "/v1/AUTH_test/pub", nil), env)
	r.Header.Set(RemoteUserHeader, "forged")

	h.ServeHTTP(httptest.NewRecorder(), r)
	hdr := up.lastHeader()
	require.NotNil(t, hdr)
	assert.Equal(t, "act:usr,act", hdr.Get(RemoteUserHeader))
}

func TestServeHTTP_StripsForgedRemoteUser(t *testing.T) {
	h, up := testHandler(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/v1/AUTH_test/pub", nil)
	r.Header.Set(RemoteUserHeader, "forged")

	h.ServeHTTP(httptest.NewRecorder(), r)
	hdr := up.lastHeader()
	require.NotNil(t, hdr)
	assert.Empty(t, hdr.Get(RemoteUserHeader))
}

// --- ACL cleaning ---

func TestServeHTTP_CleansACLHeaders(t *testing.T) {
	h, up := testHandler(t, nil)

	r := httptest.NewRequest(http.MethodPost, "/v1/AUTH_test/pub", nil)
	r.Header.Set("X-Container-Read", " .ref:*.example.com , act ")

	h.ServeHTTP(httptest.NewRecorder(), r)
	hdr := up.lastHeader()
	require.NotNil(t, hdr)
	assert.Equal(t, ".r:.example.com,act", hdr.Get("X-Container-Read"))
}

func TestServeHTTP_RejectsBadACL(t *testing.T) {
	h, up := testHandler(t, nil)

	r := httptest.NewRequest(http.MethodPut, "/v1/AUTH_test/pub", nil)
	r.Header.Set("X-Container-Write", ".r:*")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "referrers not allowed")
	assert.Equal(t, 0, up.callCount())
}

func TestServeHTTP_ObjectACLHeadersUntouched(t *testing.T) {
	h, up := testHandler(t, nil)

	r := httptest.NewRequest(http.MethodPut, "/v1/AUTH_test/pub/o", nil)
	r.Header.Set("X-Container-Read", ".ref:example.com")

	h.ServeHTTP(httptest.NewRecorder(), r)
	hdr := up.lastHeader()
	require.NotNil(t, hdr)
	assert.Equal(t, ".ref:example.com", hdr.Get("X-Container-Read"))
}

// --- ACL file ---

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "acls.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadACLFile(t *testing.T) {
	path := writeFile(t, `
containers:
  - account: AUTH_test
    container: pub
    read: ".referrer:*.example.com, .rlistings"
    write: editors
    sync_key: k1
`)

	acls, err := LoadACLFile(path)
	require.NoError(t, err)

	meta, err := acls.ContainerACL(context.Background(), "AUTH_test", "pub")
	require.NoError(t, err)
	assert.Equal(t, ".r:.example.com,.rlistings", meta.Read)
	assert.Equal(t, "editors", meta.Write)
	assert.Equal(t, "k1", meta.SyncKey)

	missing, err := acls.ContainerACL(context.Background(), "AUTH_test", "other")
	require.NoError(t, err)
	assert.Equal(t, ContainerMeta{}, missing)
}

func TestLoadACLFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "containers: [\n"},
		{"missing container", "containers:\n  - account: AUTH_test\n"},
		{"referrer in write", "containers:\n  - account: AUTH_test\n    container: c\n    write: \".r:*\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadACLFile(writeFile(t, tt.content))
			assert.ErrorIs(t, err, autherrors.ErrConfig)
		})
	}
}

func TestLoadACLFile_Missing(t *testing.T) {
	_, err := LoadACLFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
