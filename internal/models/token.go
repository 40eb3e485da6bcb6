// Package models defines types shared across internal packages.
package models

import (
	"strings"
	"time"
)

// TokenRecord is the cached state behind an issued token.
type TokenRecord struct {
	// Expires is the absolute expiry as fractional unix seconds.
	Expires float64
	// Groups is the comma-separated group list. The first element is
	// the principal's unique id.
	Groups string
}

// ExpiresAt returns Expires as a time.Time.
func (r TokenRecord) ExpiresAt() time.Time {
	sec := int64(r.Expires)
	nsec := int64((r.Expires - float64(sec)) * 1e9)

	return time.Unix(sec, nsec)
}

// Live reports whether the record has not yet expired at now.
func (r TokenRecord) Live(now time.Time) bool {
	return UnixSeconds(now) < r.Expires
}

// GroupList splits Groups into its elements.
func (r TokenRecord) GroupList() []string {
	if r.Groups == "" {
		return nil
	}

	return strings.Split(r.Groups, ",")
}

// User returns the principal id, the first element of Groups.
func (r TokenRecord) User() string {
	user, _, _ := strings.Cut(r.Groups, ",")
	return user
}

// UnixSeconds converts t to fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
