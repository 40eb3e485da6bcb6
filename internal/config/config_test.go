package config

import (
	"os"
	"testing"
	"time"

	"github.com/alexjbarnes/swiftauth/internal/auth"
	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"RESELLER_PREFIX",
		"AUTH_PREFIX",
		"TOKEN_LIFE",
		"AUTH_METHOD",
		"REALM_NAME",
		"EXT_AUTHENTICATION_URL",
		"DEBUG_HEADERS",
		"ALLOW_OVERRIDES",
		"LOG_HEADERS",
		"STORAGE_URL_SCHEME",
		"IDENTITY_BACKEND",
		"CREDENTIALS_FILE",
		"CREDENTIAL_SCHEME",
		"KINIT_TIMEOUT",
		"CACHE_BACKEND",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"BOLT_PATH",
		"STORAGE_URL",
		"LISTEN_ADDR",
		"ACL_FILE",
		"LOGIN_SECRET",
		"ENVIRONMENT",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setRequiredEnv sets the minimum env vars for a valid config.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("EXT_AUTHENTICATION_URL", "https://login.example.com/")
	t.Setenv("STORAGE_URL", "http://127.0.0.1:8081")
}

func validConfig() *Config {
	return &Config{
		ResellerPrefix:   "AUTH_",
		AuthPrefix:       "/auth/",
		TokenLife:        86400,
		AuthMethod:       auth.MethodPassive,
		ExtAuthURL:       "https://login.example.com/",
		StorageURLScheme: auth.SchemeDefault,
		IdentityBackend:  BackendKerberos,
		CredentialScheme: "plaintext",
		KinitTimeout:     10 * time.Second,
		CacheBackend:     CacheMemory,
		StorageURL:       "http://127.0.0.1:8081",
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "AUTH_", cfg.ResellerPrefix)
	assert.Equal(t, "/auth/", cfg.AuthPrefix)
	assert.Equal(t, 86400, cfg.TokenLife)
	assert.Equal(t, 24*time.Hour, cfg.TokenLifetime())
	assert.Equal(t, auth.MethodPassive, cfg.AuthMethod)
	assert.True(t, cfg.AllowOverrides)
	assert.False(t, cfg.DebugHeaders)
	assert.False(t, cfg.LogHeaders)
	assert.Equal(t, auth.SchemeDefault, cfg.StorageURLScheme)
	assert.Equal(t, BackendKerberos, cfg.IdentityBackend)
	assert.Equal(t, 10*time.Second, cfg.KinitTimeout)
	assert.Equal(t, CacheMemory, cfg.CacheBackend)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_MissingExtAuthURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORAGE_URL", "http://127.0.0.1:8081")

	_, err := Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, autherrors.ErrConfig)
	assert.Contains(t, err.Error(), "EXT_AUTHENTICATION_URL")
}

func TestLoad_MissingStorageURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("EXT_AUTHENTICATION_URL", "https://login.example.com/")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE_URL")
}

func TestLoad_Normalises(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("RESELLER_PREFIX", "KERB")
	t.Setenv("AUTH_PREFIX", "tokens")
	t.Setenv("AUTH_METHOD", "Active")
	t.Setenv("CACHE_BACKEND", "REDIS")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "KERB_", cfg.ResellerPrefix)
	assert.Equal(t, "/tokens/", cfg.AuthPrefix)
	assert.Equal(t, auth.MethodActive, cfg.AuthMethod)
	assert.Equal(t, CacheRedis, cfg.CacheBackend)
}

func TestLoad_BoltDefaultPath(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CACHE_BACKEND", "bolt")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Contains(t, cfg.BoltPath, "tokens.db")
}

func TestLoad_BadTokenLife(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("TOKEN_LIFE", "soon")

	_, err := Load()
	assert.ErrorIs(t, err, autherrors.ErrConfig)
}

// --- Normalisation ---

func TestNormalizeResellerPrefix(t *testing.T) {
	assert.Equal(t, "", NormalizeResellerPrefix(""))
	assert.Equal(t, "AUTH_", NormalizeResellerPrefix("AUTH"))
	assert.Equal(t, "AUTH_", NormalizeResellerPrefix("AUTH_"))
	assert.Equal(t, "AUTH_", NormalizeResellerPrefix(" AUTH "))
}

func TestNormalizeAuthPrefix(t *testing.T) {
	assert.Equal(t, "/auth/", NormalizeAuthPrefix(""))
	assert.Equal(t, "/auth/", NormalizeAuthPrefix("/"))
	assert.Equal(t, "/test/", NormalizeAuthPrefix("test"))
	assert.Equal(t, "/test/", NormalizeAuthPrefix("/test"))
	assert.Equal(t, "/test/", NormalizeAuthPrefix("test/"))
	assert.Equal(t, "/a/b/", NormalizeAuthPrefix("/a/b/"))
}

// --- validate ---

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, validConfig().validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no ext url", func(c *Config) { c.ExtAuthURL = "" }, "EXT_AUTHENTICATION_URL"},
		{"bad method", func(c *Config) { c.AuthMethod = "both" }, "AUTH_METHOD"},
		{"zero token life", func(c *Config) { c.TokenLife = 0 }, "TOKEN_LIFE"},
		{"bad scheme", func(c *Config) { c.StorageURLScheme = "ftp" }, "STORAGE_URL_SCHEME"},
		{"bad credential scheme", func(c *Config) { c.CredentialScheme = "md5" }, "CREDENTIAL_SCHEME"},
		{"zero kinit timeout", func(c *Config) { c.KinitTimeout = 0 }, "KINIT_TIMEOUT"},
		{"local without file", func(c *Config) { c.IdentityBackend = BackendLocal }, "CREDENTIALS_FILE"},
		{"unknown backend", func(c *Config) { c.IdentityBackend = "ldap" }, "IDENTITY_BACKEND"},
		{"unknown cache", func(c *Config) { c.CacheBackend = "memcached" }, "CACHE_BACKEND"},
		{"redis without addr", func(c *Config) { c.CacheBackend = CacheRedis }, "REDIS_ADDR"},
		{"no storage url", func(c *Config) { c.StorageURL = "" }, "STORAGE_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, autherrors.ErrConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_LocalBackend(t *testing.T) {
	cfg := validConfig()
	cfg.IdentityBackend = BackendLocal
	cfg.CredentialsFile = "/etc/swiftauth/users.yaml"
	assert.NoError(t, cfg.validate())
}

// --- Derived settings ---

func TestIsProduction(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())
}

func TestAuth(t *testing.T) {
	cfg := validConfig()
	cfg.RealmName = "EXAMPLE.COM"
	cfg.DebugHeaders = true
	cfg.AllowOverrides = true
	cfg.LoginSecret = "s3cret"

	a := cfg.Auth()
	assert.Equal(t, "AUTH_", a.ResellerPrefix)
	assert.Equal(t, "/auth/", a.AuthPrefix)
	assert.Equal(t, "EXAMPLE.COM", a.RealmName)
	assert.Equal(t, "https://login.example.com/", a.ExtAuthURL)
	assert.True(t, a.DebugHeaders)
	assert.True(t, a.AllowOverrides)
	assert.Equal(t, "s3cret", a.LoginSecret)
}

func TestExternalLogin(t *testing.T) {
	tests := []struct {
		name   string
		method string
		secret string
		want   bool
	}{
		{"active with secret", "active", "s3cret", true},
		{"active without secret", "active", "", false},
		{"passive with secret", "passive", "s3cret", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.AuthMethod = tt.method
			cfg.LoginSecret = tt.secret

			assert.Equal(t, tt.want, cfg.ExternalLogin())
		})
	}
}

func TestRedis(t *testing.T) {
	cfg := validConfig()
	cfg.RedisAddr = "cache:6379"
	cfg.RedisPassword = "pw"
	cfg.RedisDB = 2

	opts := cfg.Redis()
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Positive(t, opts.MaxIdle)
}
