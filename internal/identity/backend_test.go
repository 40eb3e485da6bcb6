package identity

import (
	"io"
	"log/slog"
	"testing"

	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseRemoteUser(t *testing.T) {
	user, err := ParseRemoteUser("alice@EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestParseRemoteUser_Malformed(t *testing.T) {
	for _, in := range []string{"", "alice", "@EXAMPLE.COM"} {
		_, err := ParseRemoteUser(in)
		assert.ErrorIs(t, err, autherrors.ErrBackend, "input %q", in)
	}
}

func TestStripRealm(t *testing.T) {
	assert.Equal(t, "alice", StripRealm("alice@EXAMPLE.COM"))
	assert.Equal(t, "alice", StripRealm("alice"))
}

func TestOrderGroups(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		groups []string
		want   string
	}{
		{"prepends", "alice", []string{"auth_test", "staff"}, "alice,auth_test,staff"},
		{"moves to front", "alice", []string{"staff", "alice", "auth_test"}, "alice,staff,auth_test"},
		{"only user", "alice", nil, "alice"},
		{"drops duplicates", "alice", []string{"staff", "staff", ""}, "alice,staff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, orderGroups(tt.user, tt.groups))
		})
	}
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "ok", VerdictOK.String())
	assert.Equal(t, "bad_credentials", VerdictBadCredentials.String())
	assert.Equal(t, "backend_missing", VerdictBackendMissing.String())
	assert.Equal(t, "timeout", VerdictTimeout.String())
	assert.Equal(t, "verdict(42)", Verdict(42).String())
}
