package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCredentials = `users:
  - name: alice
    key: "sha1:salt$d50dc700c296e23ce5b41f7431a0e01f69010f06"
    groups: [auth_test, staff]
  - name: bob
    key: "plaintext:hunter2"
    groups: [auth_reseller_admin, bob]
`

func writeCredentials(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testLocal(t *testing.T) *LocalBackend {
	t.Helper()
	path := writeCredentials(t, t.TempDir(), testCredentials)
	b, err := NewLocalBackend(path, testLogger())
	require.NoError(t, err)
	return b
}

// --- Load ---

func TestLocal_MissingFile(t *testing.T) {
	_, err := NewLocalBackend(filepath.Join(t.TempDir(), "nope.yaml"), testLogger())
	require.Error(t, err)
}

func TestLocal_InvalidFiles(t *testing.T) {
	tests := map[string]string{
		"bad yaml":       "users: [",
		"no name":        "users:\n  - key: \"plaintext:x\"\n",
		"duplicate":      "users:\n  - name: a\n    key: \"plaintext:x\"\n  - name: a\n    key: \"plaintext:y\"\n",
		"unknown scheme": "users:\n  - name: a\n    key: \"md5:abc\"\n",
		"no scheme":      "users:\n  - name: a\n    key: \"abc\"\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeCredentials(t, t.TempDir(), content)
			_, err := NewLocalBackend(path, testLogger())
			assert.ErrorIs(t, err, autherrors.ErrConfig)
		})
	}
}

// --- VerifyCredentials ---

func TestLocal_Verify(t *testing.T) {
	b := testLocal(t)
	ctx := context.Background()

	tests := []struct {
		user, key string
		want      Verdict
	}{
		{"alice", "keystring", VerdictOK},
		{"alice@EXAMPLE.COM", "keystring", VerdictOK},
		{"alice", "wrong", VerdictBadCredentials},
		{"bob", "hunter2", VerdictOK},
		{"bob", "hunter3", VerdictBadCredentials},
		{"carol", "anything", VerdictBadCredentials},
	}
	for _, tt := range tests {
		v, err := b.VerifyCredentials(ctx, tt.user, tt.key)
		require.NoError(t, err)
		assert.Equal(t, tt.want, v, "%s/%s", tt.user, tt.key)
	}
}

// --- ListGroups ---

func TestLocal_ListGroups(t *testing.T) {
	b := testLocal(t)

	groups, err := b.ListGroups(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice,auth_test,staff", groups)

	groups, err = b.ListGroups(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob,auth_reseller_admin", groups)
}

func TestLocal_ListGroups_UnknownUser(t *testing.T) {
	b := testLocal(t)

	_, err := b.ListGroups(context.Background(), "carol")
	assert.ErrorIs(t, err, autherrors.ErrBackend)
	assert.ErrorIs(t, err, autherrors.ErrUnknownUser)
}

// --- Reload / Watch ---

func TestLocal_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeCredentials(t, dir, testCredentials)
	b, err := NewLocalBackend(path, testLogger())
	require.NoError(t, err)

	writeCredentials(t, dir, "users: [")
	require.Error(t, b.Reload())

	v, err := b.VerifyCredentials(context.Background(), "alice", "keystring")
	require.NoError(t, err)
	assert.Equal(t, VerdictOK, v)
}

func TestLocal_WatchPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeCredentials(t, dir, testCredentials)
	b, err := NewLocalBackend(path, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeCredentials(t, dir, "users:\n  - name: carol\n    key: \"plaintext:pw\"\n")

	assert.Eventually(t, func() bool {
		v, _ := b.VerifyCredentials(context.Background(), "carol", "pw")
		return v == VerdictOK
	}, 3*time.Second, 20*time.Millisecond)

	v, err := b.VerifyCredentials(context.Background(), "alice", "keystring")
	require.NoError(t, err)
	assert.Equal(t, VerdictBadCredentials, v)
}

func TestLocal_WatchStopsOnCancel(t *testing.T) {
	b := testLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Watch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
