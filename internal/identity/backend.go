// Package identity verifies user credentials and enumerates group
// membership against an identity backend.
//
// The default backend shells out to kinit and id so the proxy does not
// link a directory-service client. A file-backed backend covers
// deployments that keep credentials locally.
package identity

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
)

//go:generate mockgen -source=backend.go -destination=mock_backend.go -package=identity

// Verdict is the outcome of a credential check.
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictBadCredentials
	VerdictBackendMissing
	VerdictTimeout
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictBadCredentials:
		return "bad_credentials"
	case VerdictBackendMissing:
		return "backend_missing"
	case VerdictTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Backend verifies credentials and lists groups.
//
// ListGroups returns a comma-joined list whose first element is always
// the user's own name. Any failure to enumerate is reported as an error
// wrapping ErrBackend.
type Backend interface {
	VerifyCredentials(ctx context.Context, user, key string) (Verdict, error)
	ListGroups(ctx context.Context, user string) (string, error)
}

var remoteUserRe = regexp.MustCompile(`^([^@]+)@.*$`)

// ParseRemoteUser extracts the user from a "user@REALM" principal as set
// by a fronting web server after Kerberos negotiation.
func ParseRemoteUser(principal string) (string, error) {
	m := remoteUserRe.FindStringSubmatch(principal)
	if m == nil {
		return "", fmt.Errorf("%w: malformed REMOTE_USER %q", autherrors.ErrBackend, principal)
	}

	return m[1], nil
}

// StripRealm removes a trailing "@REALM" from user.
func StripRealm(user string) string {
	name, _, _ := strings.Cut(user, "@")
	return name
}

// orderGroups returns groups comma-joined with user moved to (or
// inserted at) the front. Duplicates and empty names are dropped.
func orderGroups(user string, groups []string) string {
	out := make([]string, 0, len(groups)+1)
	out = append(out, user)
	seen := map[string]bool{user: true}

	for _, g := range groups {
		if g == "" || seen[g] {
			continue
		}

		seen[g] = true
		out = append(out, g)
	}

	return strings.Join(out, ",")
}
