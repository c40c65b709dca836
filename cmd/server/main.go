package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oidcguard/tenant-jwks-verifier/internal/audit"
	"github.com/oidcguard/tenant-jwks-verifier/internal/httpapi"
	"github.com/oidcguard/tenant-jwks-verifier/internal/verifier"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "tenant-jwks-verifier").Logger()

	cfg, err := loadAppConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Pretty logging for local dev (only when explicitly set to "dev")
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	tenants, err := cfg.loadTenants()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load tenant registry")
	}

	v, err := verifier.Build(ctx, cfg.verifierConfig(tenants))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build verifier")
	}
	defer v.Stop()

	var auditStore *audit.Store
	if cfg.DatabaseURL != "" {
		pool, err := audit.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to audit database")
		}
		defer pool.Close()

		auditStore = audit.NewStore(pool)
		if err := auditStore.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate audit schema")
		}
	} else {
		log.Warn().Msg("AUDIT_DATABASE_URL not set; verification failures will not be recorded")
	}

	srv := &httpapi.Server{
		Verifier:   v,
		AuditStore: auditStore,
		OBOCredentials: httpapi.ClientCredentials{
			ClientID:     cfg.OBOClientID,
			ClientSecret: cfg.OBOClientSecret,
		},
		RateLimit:   httpapi.DefaultRateLimit,
		CORSOrigins: cfg.corsOrigins(),
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
