package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	adapthttp "secureauth/internal/adapter/http"
	"secureauth/internal/adapter/logsink"
	"secureauth/internal/adapter/memory"
	"secureauth/internal/adapter/postgres"
	"secureauth/internal/app"
	"secureauth/internal/config"
	"secureauth/internal/domain"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

func main() {
	configPath := flag.String("config", os.Getenv("SECUREAUTH_CONFIG"), "path to a YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(*configPath, logger); err != nil {
		logger.Error("secureauth exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath, os.Getenv)
	if err != nil {
		return err
	}
	if cfg.SecretGenerated {
		logger.Warn("no session secret configured; sessions will not survive a restart")
	}
	if cfg.BypassRoute() != "" {
		logger.Warn("fault injection enabled; route is served without the authorization gate", "route", cfg.BypassRoute())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := memory.New()
	creds, err := app.NewCredentials(db, cfg.BcryptCost)
	if err != nil {
		return err
	}
	sessions := app.NewSessions(db.NewSessionRepo(), cfg.SessionTTL)
	authSvc := app.NewAuthService(creds, sessions)

	sinks := logsink.Multi{logsink.New(logger.With("stream", "telemetry"))}
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		sinks = append(sinks, pg)
		logger.Info("telemetry persisted to postgres")
		reportBypasses(ctx, pg, logger)
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	oidcCfg, err := setupOIDC(ctx, cfg.OIDC)
	if err != nil {
		return err
	}

	srv := adapthttp.New(authSvc, sinks, adapthttp.Options{
		Logger:         logger,
		SessionSecret:  []byte(cfg.SessionSecret),
		CookieSecure:   cfg.CookieSecure,
		BypassRoute:    cfg.BypassRoute(),
		LoginRate:      cfg.LoginRateLimit,
		LoginBurst:     cfg.LoginBurst,
		TrustedProxies: proxies,
		OIDC:           oidcCfg,
	})

	go sweepSessions(ctx, sessions, cfg.SweepInterval, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setupOIDC(ctx context.Context, c config.OIDC) (adapthttp.OIDCConfig, error) {
	if !c.Enabled() {
		return adapthttp.OIDCConfig{}, nil
	}
	provider, err := oidc.NewProvider(ctx, c.Issuer)
	if err != nil {
		return adapthttp.OIDCConfig{}, err
	}
	return adapthttp.OIDCConfig{
		Enabled:  true,
		Provider: provider,
		OAuth2Config: oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
	}, nil
}

// sweepSessions deletes expired sessions until ctx is done.
func sweepSessions(ctx context.Context, sessions *app.Sessions, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.Sweep(ctx)
			if err != nil {
				logger.Warn("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("expired sessions swept", "count", n)
			}
		}
	}
}

type bypassCounter interface {
	CountByReason(ctx context.Context, eventType, reason string) (int, error)
}

// reportBypasses logs how many internal requests earlier runs served through
// the fault-injection bypass.
func reportBypasses(ctx context.Context, store bypassCounter, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	n, err := store.CountByReason(ctx, domain.EventInternalAccess, "bypass")
	if err != nil {
		logger.Warn("count recorded bypasses", "error", err)
		return
	}
	logger.Info("recorded gate bypasses", "count", n)
}
