package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"stockgate/pkg/db"
	"stockgate/pkg/telemetry"
	"stockgate/services/authd/internal/app"
	"stockgate/services/authd/internal/audit"
	"stockgate/services/authd/internal/config"
	"stockgate/services/authd/internal/handlers"
	"stockgate/services/authd/internal/session"
)

const serviceName = "stockgate-authd"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	warnings, err := cfg.Validate()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	logger := cfg.Logger().With().Str("service", serviceName).Logger()
	log.Logger = logger
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}

	cleanup, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("init otel")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown otel")
		}
	}()

	if err := db.Migrate(ctx, cfg.DBDSN); err != nil {
		logger.Fatal().Err(err).Msg("migrate database")
	}

	database, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer func() {
		if err := db.Close(database); err != nil {
			logger.Error().Err(err).Msg("close database")
		}
	}()

	svc, err := app.New(cfg, logger, database)
	if err != nil {
		logger.Fatal().Err(err).Msg("wire services")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Close(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("flush audit log")
		}
	}()

	if err := svc.Bootstrap(ctx); err != nil {
		logger.Fatal().Err(err).Msg("seed database")
	}

	authSvc, err := svc.Auth()
	if err != nil {
		logger.Fatal().Err(err).Msg("init auth")
	}

	opts := handlers.Options{
		Auth:            authSvc,
		Accounts:        svc.Accounts,
		Audit:           audit.NewQuery(database),
		Sessions:        svc.Sessions,
		Cookies:         session.NewCookiePolicy(cfg.Production(), cfg.CookieDomain, cfg.SessionTTL()),
		SMTPDiagnostics: cfg.SMTP.Diagnostics,
		Ready:           svc.Ready,
		AllowedOrigins:  cfg.AllowedOrigins,
		AuthRateLimit:   cfg.AuthRateLimit,
		ServiceName:     serviceName,
		Logger:          logger,
	}
	if svc.SMTP != nil {
		opts.SMTP = svc.SMTP
	}
	api, err := handlers.New(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("init handlers")
	}
	router, err := api.Routes()
	if err != nil {
		logger.Fatal().Err(err).Msg("build router")
	}

	go svc.Janitor().Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("env", cfg.AppEnv).Msg("starting authd")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
}
