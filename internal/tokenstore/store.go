// Package tokenstore keeps issued tokens in a shared key-value cache.
//
// Two mappings are kept per reseller prefix:
//
//	<reseller>/token/<token> -> [expiry, "groups"]
//	<reseller>/user/<user>   -> token
//
// The prefix scopes the keyspace so several instances can share one
// cache. A token is valid only while its record exists and has not
// passed its expiry; the user mapping may outlive the token it points
// to and is checked on every read.
package tokenstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
	"github.com/alexjbarnes/swiftauth/internal/models"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=store.go -destination=mock_cache.go -package=tokenstore

// Cache is the key-value store behind the token store. Get returns
// (nil, nil) on a miss. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// tokenHexBytes is the number of random bytes in a token, giving 32
// hex characters after the "<reseller>tk" prefix.
const tokenHexBytes = 16

// Store reads and writes token and user mappings.
type Store struct {
	cache     Cache
	prefix    string
	tokenLife time.Duration
	now       func() time.Time
}

// New returns a Store. cache may be nil, in which case every operation
// fails with ErrCacheRequired.
func New(cache Cache, resellerPrefix string, tokenLife time.Duration) *Store {
	return &Store{
		cache:     cache,
		prefix:    resellerPrefix,
		tokenLife: tokenLife,
		now:       time.Now,
	}
}

// TokenLife returns the configured token lifetime.
func (s *Store) TokenLife() time.Duration {
	return s.tokenLife
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

// NewToken generates a token with at least 128 bits of entropy from
// crypto/rand.
func (s *Store) NewToken() (string, error) {
	b := make([]byte, tokenHexBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}

	return s.prefix + "tk" + hex.EncodeToString(b), nil
}

func (s *Store) tokenKey(token string) string {
	return s.prefix + "/token/" + token
}

func (s *Store) userKey(user string) string {
	return s.prefix + "/user/" + user
}

// GetByToken returns the live record for token, or nil when it is
// absent or expired.
func (s *Store) GetByToken(ctx context.Context, token string) (*models.TokenRecord, error) {
	if s.cache == nil {
		return nil, autherrors.ErrCacheRequired
	}

	raw, err := s.cache.Get(ctx, s.tokenKey(token))
	if err != nil {
		return nil, fmt.Errorf("reading token record: %w", err)
	}

	if raw == nil {
		return nil, nil
	}

	rec, err := DecodeRecord(raw)
	if err != nil {
		return nil, err
	}

	if !rec.Live(s.now()) {
		return nil, nil
	}

	return rec, nil
}

// GetByUser returns the user's current token and its live record. It
// returns "", nil when either lookup misses, the record has expired, or
// the record belongs to a different principal.
func (s *Store) GetByUser(ctx context.Context, user string) (string, *models.TokenRecord, error) {
	if s.cache == nil {
		return "", nil, autherrors.ErrCacheRequired
	}

	raw, err := s.cache.Get(ctx, s.userKey(user))
	if err != nil {
		return "", nil, fmt.Errorf("reading user token: %w", err)
	}

	if len(raw) == 0 {
		return "", nil, nil
	}

	token := string(raw)

	rec, err := s.GetByToken(ctx, token)
	if err != nil || rec == nil {
		return "", nil, err
	}

	if rec.User() != user {
		return "", nil, nil
	}

	return token, rec, nil
}

// Put writes both mappings with a TTL of the configured token life. The
// record is written first so a reader never follows a user mapping to a
// token that was never stored.
func (s *Store) Put(ctx context.Context, user, token string, expires time.Time, groups string) error {
	if s.cache == nil {
		return autherrors.ErrCacheRequired
	}

	rec := models.TokenRecord{Expires: models.UnixSeconds(expires), Groups: groups}

	value, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	if err := s.cache.Set(ctx, s.tokenKey(token), value, s.tokenLife); err != nil {
		return fmt.Errorf("writing token record: %w", err)
	}

	if err := s.cache.Set(ctx, s.userKey(user), []byte(token), s.tokenLife); err != nil {
		return fmt.Errorf("writing user token: %w", err)
	}

	return nil
}

// EncodeRecord serializes a record as the two-element array
// [expiry, "groups"].
func EncodeRecord(rec models.TokenRecord) ([]byte, error) {
	b, err := json.Marshal([]any{rec.Expires, rec.Groups})
	if err != nil {
		return nil, fmt.Errorf("encoding token record: %w", err)
	}

	return b, nil
}

// DecodeRecord parses a value written by EncodeRecord.
func DecodeRecord(raw []byte) (*models.TokenRecord, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not JSON", autherrors.ErrMalformedRecord)
	}

	v := gjson.ParseBytes(raw)
	if !v.IsArray() {
		return nil, fmt.Errorf("%w: not an array", autherrors.ErrMalformedRecord)
	}

	elems := v.Array()
	if len(elems) != 2 || elems[0].Type != gjson.Number || elems[1].Type != gjson.String {
		return nil, fmt.Errorf("%w: want [expiry, groups]", autherrors.ErrMalformedRecord)
	}

	return &models.TokenRecord{Expires: elems[0].Float(), Groups: elems[1].Str}, nil
}
