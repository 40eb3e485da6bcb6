package errors

import "errors"

// Startup errors.
var (
	ErrConfig        = errors.New("invalid configuration")
	ErrUnknownScheme = errors.New("unknown credential scheme")
)

// Token store errors.
var (
	ErrCacheRequired = errors.New("Memcache required")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

// Identity backend errors.
var (
	ErrBackend         = errors.New("identity backend failure")
	ErrBackendMissing  = errors.New("kinit command not found")
	ErrBackendTimeout  = errors.New("Kinit is taking too long")
	ErrBadCredentials  = errors.New("invalid user or key")
	ErrUnknownUser     = errors.New("unknown user")
	ErrNotGroupMember  = errors.New("user is not a member of the account")
	ErrMalformedRecord = errors.New("malformed token record")
)

// Authorization and request errors.
var (
	ErrNotOurNamespace = errors.New("account is outside the reseller namespace")
	ErrACLDenied       = errors.New("access denied by ACL")
	ErrBadRequest      = errors.New("bad request")
	ErrInvalidACL      = errors.New("invalid ACL")
	ErrUntrustedLogin  = errors.New("login was not forwarded by the authentication server")
)
