package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/swiftauth/internal/auth"
	"github.com/alexjbarnes/swiftauth/internal/credential"
	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
	"github.com/alexjbarnes/swiftauth/internal/state"
	"github.com/alexjbarnes/swiftauth/internal/tokenstore"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Identity backends.
const (
	BackendKerberos = "kerberos"
	BackendLocal    = "local"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheBolt   = "bolt"
)

// Config holds all environment-based configuration for swiftauth.
type Config struct {
	// Namespace owned by this instance. Normalised to end in "_".
	ResellerPrefix string `env:"RESELLER_PREFIX" envDefault:"AUTH"`
	// Path prefix of the token endpoint. Normalised to "/.../".
	AuthPrefix string `env:"AUTH_PREFIX" envDefault:"/auth/"`
	// Token lifetime in seconds.
	TokenLife int `env:"TOKEN_LIFE" envDefault:"86400"`

	AuthMethod       string `env:"AUTH_METHOD" envDefault:"passive"`
	RealmName        string `env:"REALM_NAME"`
	ExtAuthURL       string `env:"EXT_AUTHENTICATION_URL"`
	DebugHeaders     bool   `env:"DEBUG_HEADERS" envDefault:"false"`
	AllowOverrides   bool   `env:"ALLOW_OVERRIDES" envDefault:"true"`
	LogHeaders       bool   `env:"LOG_HEADERS" envDefault:"false"`
	StorageURLScheme string `env:"STORAGE_URL_SCHEME" envDefault:"default"`
	LoginSecret      string `env:"LOGIN_SECRET"`

	// Identity backend and its settings.
	IdentityBackend  string        `env:"IDENTITY_BACKEND" envDefault:"kerberos"`
	CredentialsFile  string        `env:"CREDENTIALS_FILE"`
	CredentialScheme string        `env:"CREDENTIAL_SCHEME" envDefault:"plaintext"`
	KinitTimeout     time.Duration `env:"KINIT_TIMEOUT" envDefault:"10s"`

	// Token cache.
	CacheBackend  string `env:"CACHE_BACKEND" envDefault:"memory"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	BoltPath      string `env:"BOLT_PATH"`

	// Downstream storage application and listener.
	StorageURL string `env:"STORAGE_URL"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	// Optional YAML file of container ACLs (see proxy.LoadACLFile).
	ACLFile string `env:"ACL_FILE"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config: %w", autherrors.ErrConfig, err)
	}

	cfg.ResellerPrefix = NormalizeResellerPrefix(cfg.ResellerPrefix)
	cfg.AuthPrefix = NormalizeAuthPrefix(cfg.AuthPrefix)
	cfg.AuthMethod = strings.ToLower(strings.TrimSpace(cfg.AuthMethod))
	cfg.IdentityBackend = strings.ToLower(strings.TrimSpace(cfg.IdentityBackend))
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))
	cfg.StorageURLScheme = strings.ToLower(strings.TrimSpace(cfg.StorageURLScheme))

	if cfg.CacheBackend == CacheBolt && cfg.BoltPath == "" {
		path, err := state.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", autherrors.ErrConfig, err)
		}

		cfg.BoltPath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ExtAuthURL == "" {
		return fmt.Errorf("%w: EXT_AUTHENTICATION_URL is required", autherrors.ErrConfig)
	}

	if c.AuthMethod != auth.MethodActive && c.AuthMethod != auth.MethodPassive {
		return fmt.Errorf("%w: AUTH_METHOD must be %q or %q, got %q",
			autherrors.ErrConfig, auth.MethodActive, auth.MethodPassive, c.AuthMethod)
	}

	if c.TokenLife <= 0 {
		return fmt.Errorf("%w: TOKEN_LIFE must be positive", autherrors.ErrConfig)
	}

	switch c.StorageURLScheme {
	case auth.SchemeDefault, "http", "https":
	default:
		return fmt.Errorf("%w: STORAGE_URL_SCHEME must be default, http or https, got %q",
			autherrors.ErrConfig, c.StorageURLScheme)
	}

	if _, err := credential.New(c.CredentialScheme, ""); err != nil {
		return fmt.Errorf("%w: CREDENTIAL_SCHEME: %w", autherrors.ErrConfig, err)
	}

	switch c.IdentityBackend {
	case BackendKerberos:
		if c.KinitTimeout <= 0 {
			return fmt.Errorf("%w: KINIT_TIMEOUT must be positive", autherrors.ErrConfig)
		}
	case BackendLocal:
		if c.CredentialsFile == "" {
			return fmt.Errorf("%w: CREDENTIALS_FILE is required for the local identity backend", autherrors.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown IDENTITY_BACKEND %q", autherrors.ErrConfig, c.IdentityBackend)
	}

	switch c.CacheBackend {
	case CacheMemory, CacheBolt:
	case CacheRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: REDIS_ADDR is required for the redis cache", autherrors.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown CACHE_BACKEND %q", autherrors.ErrConfig, c.CacheBackend)
	}

	if c.StorageURL == "" {
		return fmt.Errorf("%w: STORAGE_URL is required", autherrors.ErrConfig)
	}

	return nil
}

// NormalizeResellerPrefix makes a non-empty prefix end in "_".
//
//	""      -> ""
//	"AUTH"  -> "AUTH_"
//	"AUTH_" -> "AUTH_"
func NormalizeResellerPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}

	return prefix
}

// NormalizeAuthPrefix makes the prefix start and end with "/". Empty and
// "/" become "/auth/".
func NormalizeAuthPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return "/auth/"
	}

	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}

	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return prefix
}

// TokenLifetime returns TokenLife as a duration.
func (c *Config) TokenLifetime() time.Duration {
	return time.Duration(c.TokenLife) * time.Second
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Auth returns the interceptor configuration.
func (c *Config) Auth() auth.Config {
	return auth.Config{
		ResellerPrefix:   c.ResellerPrefix,
		AuthPrefix:       c.AuthPrefix,
		AuthMethod:       c.AuthMethod,
		RealmName:        c.RealmName,
		ExtAuthURL:       c.ExtAuthURL,
		DebugHeaders:     c.DebugHeaders,
		AllowOverrides:   c.AllowOverrides,
		StorageURLScheme: c.StorageURLScheme,
		LoginSecret:      c.LoginSecret,
	}
}

// ExternalLogin reports whether the active-mode login handler should be
// served.
func (c *Config) ExternalLogin() bool {
	return c.AuthMethod == auth.MethodActive && c.LoginSecret != ""
}

// Redis returns options for the redis token cache.
func (c *Config) Redis() tokenstore.RedisOptions {
	return tokenstore.RedisOptions{
		Addr:         c.RedisAddr,
		Password:     c.RedisPassword,
		DB:           c.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		MaxIdle:      16,
		MaxActive:    64,
		IdleTimeout:  5 * time.Minute,
	}
}
