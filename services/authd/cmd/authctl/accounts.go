package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"stockgate/services/authd/internal/accounts"
	"stockgate/services/authd/internal/app"
	"stockgate/services/authd/internal/models"
)

func (c *cli) newAccountsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Account provisioning",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(c.newCreateAdminCommand())
	cmd.AddCommand(c.newSeedCommand())
	return cmd
}

func (c *cli) newCreateAdminCommand() *cobra.Command {
	var email, password, name string

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an active ADMIN account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("AUTHCTL_PASSWORD")
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				in := accounts.CreateInput{Email: email, Password: password, Role: string(models.RoleAdmin)}
				if name != "" {
					in.Name = &name
				}
				account, err := a.Accounts.Create(cmd.Context(), nil, in)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "created admin %s (%s)\n", account.Email, account.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Login email")
	cmd.Flags().StringVar(&password, "password", "", "Initial password (defaults to $AUTHCTL_PASSWORD)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (c *cli) newSeedCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create accounts listed in a YAML file, skipping existing emails",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			entries, err := parseSeedFile(f)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				return seedAccounts(cmd.Context(), a.Accounts, entries, c.out)
			})
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to accounts.yaml")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

type seedFile struct {
	Accounts []seedAccount `yaml:"accounts"`
}

type seedAccount struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
	Name     string `yaml:"name"`
}

func parseSeedFile(r io.Reader) ([]seedAccount, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f seedFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("seed file is empty")
		}
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, a := range f.Accounts {
		if a.Email == "" || a.Password == "" || a.Role == "" {
			return nil, fmt.Errorf("account %d: email, password and role are required", i+1)
		}
		if _, err := models.ParseRole(a.Role); err != nil {
			return nil, fmt.Errorf("account %d (%s): %w", i+1, a.Email, err)
		}
	}
	return f.Accounts, nil
}

func seedAccounts(ctx context.Context, svc *accounts.Service, entries []seedAccount, out io.Writer) error {
	var created, skipped int
	for _, e := range entries {
		in := accounts.CreateInput{Email: e.Email, Password: e.Password, Role: e.Role}
		if e.Name != "" {
			name := e.Name
			in.Name = &name
		}
		_, err := svc.Create(ctx, nil, in)
		switch {
		case errors.Is(err, accounts.ErrEmailInUse):
			skipped++
			fmt.Fprintf(out, "exists  %s\n", e.Email)
		case err != nil:
			return fmt.Errorf("create %s: %w", e.Email, err)
		default:
			created++
			fmt.Fprintf(out, "created %s\n", e.Email)
		}
	}
	fmt.Fprintf(out, "%d created, %d skipped\n", created, skipped)
	return nil
}
