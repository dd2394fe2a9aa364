package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"stockgate/pkg/db"
	"stockgate/services/authd/internal/app"
	"stockgate/services/authd/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries what every subcommand needs. load is replaceable in tests.
type cli struct {
	out  io.Writer
	load func(ctx context.Context) (config.Config, error)
	open func(ctx context.Context, cfg config.Config) (*app.App, func(), error)
}

func newRootCommand(out io.Writer) *cobra.Command {
	return (&cli{out: out, load: config.Load, open: openApp}).root()
}

func (c *cli) root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "authctl",
		Short:         "Operator utility for the stockgate auth service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(c.newMigrateCommand())
	cmd.AddCommand(c.newSweepCommand())
	cmd.AddCommand(c.newAccountsCommand())
	cmd.AddCommand(c.newAuditCommand())
	return cmd
}

// validated loads the configuration and applies the same rules as the server.
func (c *cli) validated(ctx context.Context) (config.Config, zerolog.Logger, error) {
	cfg, err := c.load(ctx)
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger := cfg.Logger().With().Str("service", "authctl").Logger()
	for _, w := range warnings {
		logger.Debug().Msg(w)
	}
	return cfg, logger, nil
}

// withApp runs fn against a fully wired service graph and tears it down after.
func (c *cli) withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, _, err := c.validated(ctx)
	if err != nil {
		return err
	}
	a, closeApp, err := c.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp()
	return fn(a)
}

func openApp(ctx context.Context, cfg config.Config) (*app.App, func(), error) {
	logger := cfg.Logger().With().Str("service", "authctl").Logger()

	database, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	a, err := app.New(cfg, logger, database)
	if err != nil {
		_ = db.Close(database)
		return nil, nil, err
	}
	return a, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(flushCtx); err != nil {
			logger.Error().Err(err).Msg("flush audit log")
		}
		_ = db.Close(database)
	}, nil
}

func (c *cli) newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.validated(cmd.Context())
			if err != nil {
				return err
			}
			if err := db.Migrate(cmd.Context(), cfg.DBDSN); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(c.out, "migrations applied")
			return nil
		},
	}
}

func (c *cli) newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired sessions and spent verification codes once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				return sweep(cmd.Context(), a, c.out)
			})
		},
	}
}

func sweep(ctx context.Context, a *app.App, out io.Writer) error {
	removed := a.Janitor().Sweep(ctx)
	for _, kind := range []string{"sessions", "pending_verifications"} {
		n, ok := removed[kind]
		if !ok {
			return fmt.Errorf("purge %s failed", kind)
		}
		fmt.Fprintf(out, "%s: removed %d\n", kind, n)
	}
	return nil
}
