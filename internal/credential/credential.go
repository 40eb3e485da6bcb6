// Package credential encodes and verifies user keys stored in the local
// credentials file. Stored values carry their scheme as a prefix:
//
//	plaintext:<key>
//	sha1:<salt>$<hex sha1(salt || key)>
//	bcrypt:<bcrypt hash>
//
// The plaintext and sha1 forms are a persisted format shared with other
// tools and must stay bit-exact.
package credential

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // sha1 is the persisted format, not a choice
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
	"golang.org/x/crypto/bcrypt"
)

// Scheme tags.
const (
	SchemePlaintext = "plaintext"
	SchemeSHA1      = "sha1"
	SchemeBcrypt    = "bcrypt"
)

// saltBytes is the size of a generated sha1 salt before hex encoding.
const saltBytes = 8

// Encoder encodes a key into its stored form and checks a key against a
// stored value. Match never returns an error: a malformed stored value
// simply does not match.
type Encoder interface {
	Scheme() string
	Encode(key string) (string, error)
	Match(key, stored string) bool
}

// New returns the encoder for a scheme tag. Tags are case-insensitive.
// The salt only applies to sha1; an empty salt draws a random one per
// Encode call.
func New(tag, salt string) (Encoder, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case SchemePlaintext:
		return Plaintext{}, nil
	case SchemeSHA1:
		if strings.Contains(salt, "$") {
			return nil, fmt.Errorf("%w: sha1 salt must not contain '$'", autherrors.ErrConfig)
		}

		return SHA1{Salt: salt}, nil
	case SchemeBcrypt:
		return Bcrypt{Cost: bcrypt.DefaultCost}, nil
	default:
		return nil, fmt.Errorf("%w: %q", autherrors.ErrUnknownScheme, tag)
	}
}

// Identify returns an encoder able to verify stored by looking at its
// scheme prefix. ok is false for values without a known prefix.
func Identify(stored string) (enc Encoder, ok bool) {
	tag, _, found := strings.Cut(stored, ":")
	if !found {
		return nil, false
	}

	enc, err := New(tag, "")
	if err != nil {
		return nil, false
	}

	return enc, true
}

// Verify checks key against a stored value of any known scheme.
func Verify(key, stored string) bool {
	enc, ok := Identify(stored)
	if !ok {
		return false
	}

	return enc.Match(key, stored)
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Plaintext stores the key as-is behind the "plaintext:" tag.
type Plaintext struct{}

func (Plaintext) Scheme() string { return SchemePlaintext }

func (Plaintext) Encode(key string) (string, error) {
	return SchemePlaintext + ":" + key, nil
}

func (p Plaintext) Match(key, stored string) bool {
	enc, _ := p.Encode(key)
	return equal(enc, stored)
}

// SHA1 stores a salted sha1 digest of the key.
type SHA1 struct {
	Salt string
}

func (SHA1) Scheme() string { return SchemeSHA1 }

func (s SHA1) Encode(key string) (string, error) {
	salt := s.Salt
	if salt == "" {
		b := make([]byte, saltBytes)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("generating salt: %w", err)
		}

		salt = hex.EncodeToString(b)
	}

	return encodeSHA1(salt, key), nil
}

// Match re-derives the digest with the salt embedded in stored, so
// values written with any salt verify.
func (SHA1) Match(key, stored string) bool {
	rest, ok := strings.CutPrefix(stored, SchemeSHA1+":")
	if !ok {
		return false
	}

	salt, digest, ok := strings.Cut(rest, "$")
	if !ok || len(digest) != sha1.Size*2 {
		return false
	}

	return equal(encodeSHA1(salt, key), stored)
}

func encodeSHA1(salt, key string) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(salt))
	h.Write([]byte(key))

	return SchemeSHA1 + ":" + salt + "$" + hex.EncodeToString(h.Sum(nil))
}

// Bcrypt stores a bcrypt hash of the key.
type Bcrypt struct {
	Cost int
}

func (Bcrypt) Scheme() string { return SchemeBcrypt }

func (b Bcrypt) Encode(key string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}

	return SchemeBcrypt + ":" + string(hash), nil
}

func (Bcrypt) Match(key, stored string) bool {
	hash, ok := strings.CutPrefix(stored, SchemeBcrypt+":")
	if !ok {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
