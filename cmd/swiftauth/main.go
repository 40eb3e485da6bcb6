package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/swiftauth/internal/auth"
	"github.com/alexjbarnes/swiftauth/internal/config"
	"github.com/alexjbarnes/swiftauth/internal/credential"
	"github.com/alexjbarnes/swiftauth/internal/identity"
	"github.com/alexjbarnes/swiftauth/internal/logging"
	"github.com/alexjbarnes/swiftauth/internal/proxy"
	"github.com/alexjbarnes/swiftauth/internal/server"
	"github.com/alexjbarnes/swiftauth/internal/state"
	"github.com/alexjbarnes/swiftauth/internal/tokenstore"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const sweepInterval = 5 * time.Minute

func main() {
	// Handle hash-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		scheme := credential.SchemeSHA1
		if len(os.Args) > 2 {
			scheme = os.Args[2]
		}

		hashKey(scheme)

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey reads a key from stdin and prints its stored encoding for use
// in a credentials file.
func hashKey(scheme string) {
	enc, err := credential.New(scheme, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprint(os.Stderr, "Enter key: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	stored, err := enc.Encode(scanner.Text())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(stored)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("swiftauth starting",
		slog.String("version", Version),
		slog.String("reseller_prefix", cfg.ResellerPrefix),
		slog.String("auth_prefix", cfg.AuthPrefix),
		slog.String("auth_method", cfg.AuthMethod),
		slog.String("identity_backend", cfg.IdentityBackend),
		slog.String("cache_backend", cfg.CacheBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	cache, closeCache, err := openCache(gctx, g, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	backend, err := openBackend(gctx, g, cfg, logger)
	if err != nil {
		return err
	}

	var acls proxy.ACLSource
	if cfg.ACLFile != "" {
		static, err := proxy.LoadACLFile(cfg.ACLFile)
		if err != nil {
			return fmt.Errorf("loading ACL file: %w", err)
		}

		acls = static
	}

	if cfg.AuthMethod == auth.MethodActive && !cfg.ExternalLogin() {
		logger.Warn("LOGIN_SECRET is not set, external login is disabled")
	}

	upstream, err := url.Parse(cfg.StorageURL)
	if err != nil {
		return fmt.Errorf("parsing STORAGE_URL: %w", err)
	}

	store := tokenstore.New(cache, cfg.ResellerPrefix, cfg.TokenLifetime())

	handler := server.NewMux(server.MuxConfig{
		Auth:          auth.New(cfg.Auth(), store, backend, logger),
		Storage:       proxy.New(upstream, acls, logger),
		Logger:        logger,
		ExternalLogin: cfg.ExternalLogin(),
		LogHeaders:    cfg.LogHeaders,
		AccessLog:     os.Stdout,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting server",
		slog.String("listen", cfg.ListenAddr),
		slog.String("storage_url", cfg.StorageURL),
	)

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	return g.Wait()
}

// openCache builds the configured token cache. Background maintenance
// runs in g until ctx is cancelled.
func openCache(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *slog.Logger) (tokenstore.Cache, func(), error) {
	switch cfg.CacheBackend {
	case config.CacheRedis:
		c := tokenstore.NewRedisCache(tokenstore.NewRedisPool(cfg.Redis(), logger))

		return c, func() { c.Close() }, nil
	case config.CacheBolt:
		s, err := state.LoadAt(cfg.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening token cache: %w", err)
		}

		g.Go(func() error {
			s.RunSweeper(ctx, sweepInterval, logger)
			return nil
		})

		return s, func() { s.Close() }, nil
	default:
		c := tokenstore.NewMemoryCache()

		return c, c.Stop, nil
	}
}

// openBackend builds the configured identity backend.
func openBackend(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *slog.Logger) (identity.Backend, error) {
	if cfg.IdentityBackend == config.BackendLocal {
		b, err := identity.NewLocalBackend(cfg.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("loading credentials: %w", err)
		}

		g.Go(func() error {
			if err := b.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watching credentials: %w", err)
			}

			return nil
		})

		return b, nil
	}

	return identity.NewKerberosBackend(logger, identity.WithTimeout(cfg.KinitTimeout)), nil
}
