package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/user"
	"strings"
	"time"

	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
)

// DefaultTimeout bounds each helper invocation.
const DefaultTimeout = 10 * time.Second

// KerberosBackend verifies credentials with kinit and enumerates groups
// with id -G, resolving gids through the host group database.
type KerberosBackend struct {
	runner      Runner
	timeout     time.Duration
	kinitPath   string
	idPath      string
	lookupGroup func(gid string) (string, error)
	logger      *slog.Logger
}

// KerberosOption customizes a KerberosBackend.
type KerberosOption func(*KerberosBackend)

// WithRunner replaces the process runner.
func WithRunner(r Runner) KerberosOption {
	return func(b *KerberosBackend) { b.runner = r }
}

// WithTimeout bounds both kinit and id. Non-positive values keep the
// default.
func WithTimeout(d time.Duration) KerberosOption {
	return func(b *KerberosBackend) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithCommands overrides the kinit and id executables.
func WithCommands(kinit, id string) KerberosOption {
	return func(b *KerberosBackend) {
		if kinit != "" {
			b.kinitPath = kinit
		}

		if id != "" {
			b.idPath = id
		}
	}
}

// WithGroupLookup replaces the gid to name resolver.
func WithGroupLookup(fn func(gid string) (string, error)) KerberosOption {
	return func(b *KerberosBackend) { b.lookupGroup = fn }
}

// NewKerberosBackend returns a backend using the host's kinit and id.
func NewKerberosBackend(logger *slog.Logger, opts ...KerberosOption) *KerberosBackend {
	b := &KerberosBackend{
		runner:      ExecRunner{},
		timeout:     DefaultTimeout,
		kinitPath:   "kinit",
		idPath:      "id",
		lookupGroup: lookupGroupName,
		logger:      logger,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func lookupGroupName(gid string) (string, error) {
	g, err := user.LookupGroupId(gid)
	if err != nil {
		return "", err
	}

	return g.Name, nil
}

// VerifyCredentials runs kinit for user, writing key on stdin. The
// ticket goes to an in-memory credential cache so concurrent logins do
// not share a ticket file.
func (b *KerberosBackend) VerifyCredentials(ctx context.Context, user, key string) (Verdict, error) {
	cmd := Command{
		Name:    b.kinitPath,
		Args:    []string{user},
		Stdin:   key + "\n",
		Env:     []string{"KRB5CCNAME=MEMORY:"},
		Timeout: b.timeout,
	}

	res, err := b.runner.Run(ctx, cmd)
	if errors.Is(err, autherrors.ErrBackendMissing) {
		b.logger.Error("kinit command not found", slog.String("command", b.kinitPath))
		return VerdictBackendMissing, nil
	}

	if err != nil {
		return VerdictBackendMissing, fmt.Errorf("%w: %w", autherrors.ErrBackend, err)
	}

	switch {
	case res.ExitCode == 0:
		return VerdictOK, nil
	case res.ExitCode == ExitTimeout:
		b.logger.Warn("kinit timed out",
			slog.String("user", user),
			slog.Duration("timeout", b.timeout),
		)

		return VerdictTimeout, nil
	default:
		b.logger.Debug("kinit rejected credentials",
			slog.String("user", user),
			slog.Int("exit_code", res.ExitCode),
		)

		return VerdictBadCredentials, nil
	}
}

// ListGroups runs id -G for user and resolves each gid to a name.
func (b *KerberosBackend) ListGroups(ctx context.Context, user string) (string, error) {
	cmd := Command{
		Name:    b.idPath,
		Args:    []string{"-G", user},
		Timeout: b.timeout,
	}

	res, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("%w: running %s: %w", autherrors.ErrBackend, cmd, err)
	}

	if res.ExitCode == ExitTimeout {
		return "", fmt.Errorf("%w: %s timed out", autherrors.ErrBackend, cmd)
	}

	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: %s exited %d: %s", autherrors.ErrBackend, cmd,
			res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}

	gids := strings.Fields(string(res.Stdout))
	names := make([]string, 0, len(gids))

	for _, gid := range gids {
		name, err := b.lookupGroup(gid)
		if err != nil {
			return "", fmt.Errorf("%w: resolving gid %s: %w", autherrors.ErrBackend, gid, err)
		}

		names = append(names, name)
	}

	return orderGroups(user, names), nil
}
