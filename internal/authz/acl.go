package authz

import (
	"fmt"
	"net/url"
	"strings"

	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
)

// Special ACL elements.
const (
	// GroupListings lets referrer-allowed clients list a container.
	GroupListings = ".rlistings"

	referrerDesignator = ".r:"
)

// ACL is a parsed container ACL.
type ACL struct {
	// Referrers are host patterns: "*", an exact host, a ".domain"
	// suffix, each optionally negated with a leading "-".
	Referrers []string
	Groups    []string
}

// ParseACL splits a cleaned ACL string into referrers and groups.
func ParseACL(acl string) ACL {
	var out ACL
	if acl == "" {
		return out
	}

	for _, v := range strings.Split(acl, ",") {
		if ref, ok := strings.CutPrefix(v, referrerDesignator); ok {
			out.Referrers = append(out.Referrers, ref)
		} else {
			out.Groups = append(out.Groups, v)
		}
	}

	return out
}

// HasGroup reports whether g is listed in the ACL's groups.
func (a ACL) HasGroup(g string) bool {
	for _, x := range a.Groups {
		if x == g {
			return true
		}
	}

	return false
}

// CleanACL normalises a raw ACL header value. name is the header name
// (e.g. X-Container-Read); referrers are rejected in write ACLs.
// Referrer designators (.r, .ref, .referer, .referrer) are rewritten to
// ".r:", whitespace is trimmed, and a leading "*" on a domain is
// dropped ("*.example.com" becomes ".example.com").
func CleanACL(name, value string) (string, error) {
	name = strings.ToLower(name)

	var values []string

	for _, raw := range strings.Split(value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		first, second, found := strings.Cut(raw, ":")
		if !found {
			values = append(values, raw)
			continue
		}

		first = strings.TrimSpace(first)
		second = strings.TrimSpace(second)

		if first == "" || first[0] != '.' {
			values = append(values, raw)
			continue
		}

		switch first {
		case ".r", ".ref", ".referer", ".referrer":
		default:
			return "", fmt.Errorf("%w: unknown designator %q in %q", autherrors.ErrInvalidACL, first, raw)
		}

		if strings.Contains(name, "write") {
			return "", fmt.Errorf("%w: referrers not allowed in write ACL: %q", autherrors.ErrInvalidACL, raw)
		}

		negate := false
		if strings.HasPrefix(second, "-") {
			negate = true
			second = strings.TrimSpace(second[1:])
		}

		if second != "*" && strings.HasPrefix(second, "*") {
			second = strings.TrimSpace(second[1:])
		}

		if second == "" || second == "." {
			return "", fmt.Errorf("%w: no host/domain value after referrer designation: %q", autherrors.ErrInvalidACL, raw)
		}

		if negate {
			second = "-" + second
		}

		values = append(values, referrerDesignator+second)
	}

	return strings.Join(values, ","), nil
}

// ReferrerAllowed reports whether referer matches the referrer patterns.
// Patterns are evaluated in order and the last match wins, so a later
// negation overrides an earlier "*".
func ReferrerAllowed(referer string, referrers []string) bool {
	if len(referrers) == 0 {
		return false
	}

	host := "unknown"
	if u, err := url.Parse(referer); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}

	allow := false

	for _, m := range referrers {
		if m == "" {
			continue
		}

		if neg, ok := strings.CutPrefix(m, "-"); ok {
			if hostMatches(neg, host) {
				allow = false
			}

			continue
		}

		if m == "*" || hostMatches(m, host) {
			allow = true
		}
	}

	return allow
}

func hostMatches(pattern, host string) bool {
	if pattern == "" {
		return false
	}

	pattern = strings.ToLower(pattern)

	return pattern == host || (pattern[0] == '.' && strings.HasSuffix(host, pattern))
}
