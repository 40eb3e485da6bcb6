package identity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/alexjbarnes/swiftauth/internal/credential"
	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LocalUser is one entry in the credentials file.
type LocalUser struct {
	Name   string   `yaml:"name"`
	Key    string   `yaml:"key"`
	Groups []string `yaml:"groups"`
}

type credentialsFile struct {
	Users []LocalUser `yaml:"users"`
}

// LocalBackend verifies credentials against a YAML file of users whose
// keys are stored in one of the credential package encodings:
//
//	users:
//	  - name: alice
//	    key: "sha1:salt$d50dc700c296e23ce5b41f7431a0e01f69010f06"
//	    groups: [auth_test]
type LocalBackend struct {
	path   string
	users  atomic.Pointer[map[string]LocalUser]
	logger *slog.Logger
}

// NewLocalBackend loads the credentials file at path.
func NewLocalBackend(path string, logger *slog.Logger) (*LocalBackend, error) {
	b := &LocalBackend{path: path, logger: logger}
	if err := b.Reload(); err != nil {
		return nil, err
	}

	return b, nil
}

// Reload re-reads the credentials file. On error the previous users stay
// in effect.
func (b *LocalBackend) Reload() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("reading credentials file: %w", err)
	}

	users, err := parseCredentials(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", b.path, err)
	}

	b.users.Store(&users)

	return nil
}

func parseCredentials(data []byte) (map[string]LocalUser, error) {
	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", autherrors.ErrConfig, err)
	}

	users := make(map[string]LocalUser, len(f.Users))

	for i, u := range f.Users {
		if u.Name == "" {
			return nil, fmt.Errorf("%w: user %d has no name", autherrors.ErrConfig, i+1)
		}

		if _, dup := users[u.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate user %q", autherrors.ErrConfig, u.Name)
		}

		if _, ok := credential.Identify(u.Key); !ok {
			return nil, fmt.Errorf("%w: user %q key has no known scheme prefix", autherrors.ErrConfig, u.Name)
		}

		users[u.Name] = u
	}

	return users, nil
}

func (b *LocalBackend) lookup(name string) (LocalUser, bool) {
	users := *b.users.Load()

	u, ok := users[name]
	if !ok {
		u, ok = users[StripRealm(name)]
	}

	return u, ok
}

// VerifyCredentials checks key against the stored encoding. Unknown
// users are reported as bad credentials.
func (b *LocalBackend) VerifyCredentials(_ context.Context, user, key string) (Verdict, error) {
	u, ok := b.lookup(user)
	if !ok || !credential.Verify(key, u.Key) {
		return VerdictBadCredentials, nil
	}

	return VerdictOK, nil
}

// ListGroups returns the user's configured groups with the user first.
func (b *LocalBackend) ListGroups(_ context.Context, user string) (string, error) {
	u, ok := b.lookup(user)
	if !ok {
		return "", fmt.Errorf("%w: %w: %q", autherrors.ErrBackend, autherrors.ErrUnknownUser, user)
	}

	return orderGroups(u.Name, u.Groups), nil
}

// Watch reloads the credentials file whenever it changes. It watches the
// containing directory so editors that replace the file by rename are
// picked up. It blocks until ctx is cancelled.
func (b *LocalBackend) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(b.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			if err := b.Reload(); err != nil {
				b.logger.Warn("credentials reload failed, keeping previous users",
					slog.String("path", b.path),
					slog.String("error", err.Error()),
				)

				continue
			}

			b.logger.Info("credentials reloaded", slog.String("path", b.path))

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			b.logger.Warn("credentials watcher error", slog.String("error", err.Error()))
		}
	}
}
