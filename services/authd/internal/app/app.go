// Package app assembles the shared service graph used by authd and authctl.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"stockgate/pkg/bus"
	"stockgate/pkg/db"
	"stockgate/services/authd/internal/accounts"
	"stockgate/services/authd/internal/audit"
	"stockgate/services/authd/internal/auth"
	"stockgate/services/authd/internal/config"
	"stockgate/services/authd/internal/janitor"
	"stockgate/services/authd/internal/mailer"
	"stockgate/services/authd/internal/otp"
	"stockgate/services/authd/internal/password"
	"stockgate/services/authd/internal/session"
)

const auditStream = "STOCKGATE_AUDIT"

// App holds the long-lived components built from Config.
type App struct {
	Config config.Config
	Logger zerolog.Logger
	DB     *gorm.DB

	// Bus is nil when NATS_URL is unset.
	Bus *bus.Bus
	// SMTP is nil when SMTP_HOST is unset.
	SMTP *mailer.SMTP

	Audit    *audit.Recorder
	Hasher   *password.Bcrypt
	Sessions *session.Issuer
	Codes    *otp.Engine
	Accounts *accounts.Service
}

// New wires every component on top of an open database.
func New(cfg config.Config, logger zerolog.Logger, database *gorm.DB) (*App, error) {
	a := &App{Config: cfg, Logger: logger, DB: database}

	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		if err := b.EnsureStream(auditStream, audit.SubjectPrefix+">"); err != nil {
			b.Close()
			return nil, err
		}
		a.Bus = b
	}

	if smtpCfg, ok := cfg.Mailer(); ok {
		s, err := mailer.NewSMTP(smtpCfg)
		if err != nil {
			a.closeBus()
			return nil, err
		}
		a.SMTP = s
	}

	var pub audit.Publisher
	if a.Bus != nil {
		pub = a.Bus
	}
	a.Audit = audit.NewRecorder(database, audit.Options{Publisher: pub, Logger: logger})
	a.Hasher = password.NewBcrypt(0)

	var err error
	a.Sessions, err = session.New(database, session.Options{Secret: cfg.JWTSecret, TTL: cfg.SessionTTL()})
	if err != nil {
		a.closeBus()
		return nil, err
	}
	a.Codes = otp.New(database, otp.Options{TTL: cfg.CodeTTL(), ResendCooldown: cfg.ResendCooldown})

	a.Accounts, err = accounts.New(accounts.Deps{
		DB:       database,
		Hasher:   a.Hasher,
		Sessions: a.Sessions,
		Codes:    a.Codes,
		Audit:    a.Audit,
		Logger:   logger,
	})
	if err != nil {
		a.closeBus()
		return nil, err
	}
	return a, nil
}

// Dispatcher picks the code transport: the SMTP relay when configured, the log
// outside production, and nothing otherwise.
func (a *App) Dispatcher() mailer.Dispatcher {
	switch {
	case a.SMTP != nil:
		return a.SMTP
	case !a.Config.Production():
		a.Logger.Warn().Msg("SMTP_HOST not set; verification codes are written to the log")
		return mailer.LogDispatcher{Logger: a.Logger}
	default:
		return nil
	}
}

// Auth builds the sign-in service.
func (a *App) Auth() (*auth.Service, error) {
	return auth.New(a.Config.Auth(), auth.Deps{
		DB:       a.DB,
		Hasher:   a.Hasher,
		Sessions: a.Sessions,
		Codes:    a.Codes,
		Mailer:   a.Dispatcher(),
		Audit:    a.Audit,
		Logger:   a.Logger,
	})
}

// Janitor sweeps expired sessions and spent codes every CLEANUP_INTERVAL.
func (a *App) Janitor() *janitor.Janitor {
	return janitor.New(a.Config.CleanupInterval, a.Logger, map[string]janitor.Purger{
		"sessions":              a.Sessions,
		"pending_verifications": a.Codes,
	})
}

// Bootstrap creates the configured admin when no account exists yet.
func (a *App) Bootstrap(ctx context.Context) error {
	c := a.Config
	if c.BootstrapEmail == "" {
		return nil
	}
	if c.BootstrapPassword == "" {
		return errors.New("BOOTSTRAP_ADMIN_PASSWORD is required with BOOTSTRAP_ADMIN_EMAIL")
	}
	if _, err := a.Accounts.EnsureBootstrapAdmin(ctx, c.BootstrapEmail, c.BootstrapPassword, c.BootstrapName); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	return nil
}

// Close flushes the audit queue and releases the bus connection. The database
// belongs to the caller.
func (a *App) Close(ctx context.Context) error {
	err := a.Audit.Close(ctx)
	a.closeBus()
	return err
}

func (a *App) closeBus() {
	if a.Bus != nil {
		a.Bus.Close()
	}
}

// Ready reports whether the database answers.
func (a *App) Ready(ctx context.Context) error {
	return db.Ping(ctx, a.DB)
}
