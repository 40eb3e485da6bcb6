// Package authz decides whether a principal may perform a request
// against the account/container/object namespace.
//
// The evaluator is a pure function of the request: it holds no state
// beyond the reseller prefix and performs no I/O.
package authz

import (
	"net/http"
	"strings"

	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
)

// Outcome is the result class of an authorization decision.
type Outcome int

const (
	Allow Outcome = iota
	Deny
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Request is the view of an HTTP request the evaluator needs.
type Request struct {
	Method string
	Path   string
	// RemoteUser is the comma-separated group list of the principal,
	// empty for anonymous requests.
	RemoteUser string
	// ACL is the cleaned container ACL relevant to the method.
	ACL     string
	Referer string
	Header  http.Header
	// SyncKey is the container-sync key supplied by the pipeline.
	SyncKey string
}

// Groups returns the principal's groups, or nil when anonymous.
func (r *Request) Groups() []string {
	if r.RemoteUser == "" {
		return nil
	}

	return strings.Split(r.RemoteUser, ",")
}

// Decision is the evaluator's answer.
type Decision struct {
	Outcome Outcome
	// Owner marks the principal as owner of the account. Only the
	// reseller-admin and account-owner rules set it.
	Owner bool
	// Rule names the rule that decided, for logging.
	Rule string
	// Err explains a Deny or NotFound.
	Err error
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == Allow
}

// Evaluator applies the authorization rules for one reseller prefix.
type Evaluator struct {
	ResellerPrefix string
}

// ResellerAdminGroup returns the group name that grants cross-account
// authority under this prefix.
func (e Evaluator) ResellerAdminGroup() string {
	return strings.ToLower(e.ResellerPrefix) + "reseller_admin"
}

// IsResellerAdmin reports whether groups contain the reseller admin
// group for this prefix.
func (e Evaluator) IsResellerAdmin(groups []string) bool {
	return hasGroup(groups, e.ResellerAdminGroup())
}

// IsResellerRequest reports whether groups carry the ".reseller_admin"
// marker. The marker flags the request for the storage application and
// grants nothing here.
func IsResellerRequest(groups []string) bool {
	return hasGroup(groups, ".reseller_admin")
}

func hasGroup(groups []string, want string) bool {
	for _, g := range groups {
		if strings.ToLower(g) == want {
			return true
		}
	}

	return false
}

// Evaluate runs the rules in order; the first that applies decides.
func (e Evaluator) Evaluate(req *Request) Decision {
	segs, err := SplitPath(req.Path, 1, 4, true)
	if err != nil {
		return Decision{Outcome: NotFound, Rule: "path", Err: err}
	}

	account, container, object := segs[1], segs[2], segs[3]

	if account == "" || !strings.HasPrefix(account, e.ResellerPrefix) {
		return Decision{Outcome: Deny, Rule: "prefix", Err: autherrors.ErrNotOurNamespace}
	}

	groups := req.Groups()

	if e.IsResellerAdmin(groups) &&
		account != e.ResellerPrefix &&
		account[len(e.ResellerPrefix)] != '.' {
		return Decision{Outcome: Allow, Owner: true, Rule: "reseller_admin"}
	}

	if contains(groups, strings.ToLower(account)) &&
		((req.Method != http.MethodDelete && req.Method != http.MethodPut) || container != "") {
		return Decision{Outcome: Allow, Owner: true, Rule: "account_owner"}
	}

	if req.SyncKey != "" && req.Header != nil &&
		req.SyncKey == req.Header.Get("X-Container-Sync-Key") &&
		req.Header.Get("X-Timestamp") != "" {
		return Decision{Outcome: Allow, Rule: "container_sync"}
	}

	if req.Method == http.MethodOptions {
		return Decision{Outcome: Allow, Rule: "options"}
	}

	acl := ParseACL(req.ACL)

	if ReferrerAllowed(req.Referer, acl.Referrers) &&
		(object != "" || acl.HasGroup(GroupListings)) {
		return Decision{Outcome: Allow, Rule: "referrer"}
	}

	for _, g := range groups {
		if acl.HasGroup(g) {
			return Decision{Outcome: Allow, Rule: "group_acl"}
		}
	}

	return Decision{Outcome: Deny, Rule: "default", Err: autherrors.ErrACLDenied}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}

	return false
}
