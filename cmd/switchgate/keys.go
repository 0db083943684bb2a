package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/matt-riley/switchgate/internal/middleware"
	"github.com/matt-riley/switchgate/internal/repository"
)

// keyStore is the API key administration surface of the Postgres repository.
type keyStore interface {
	CreateAPIKey(ctx context.Context, projectID, name string) (string, string, error)
	ListAPIKeys(ctx context.Context, projectID string) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, projectID, keyID string) error
}

type keyStoreOpener func(ctx context.Context) (keyStore, func(), error)

type keysConfig struct {
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
}

func openPostgresKeyStore(ctx context.Context) (keyStore, func(), error) {
	_ = godotenv.Load()

	var cfg keysConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return repository.NewPostgresRepository(pool), pool.Close, nil
}

func newKeysCommand(open keyStoreOpener) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys (uses DATABASE_URL)",
	}
	cmd.PersistentFlags().StringVarP(&project, "project", "p", repository.DefaultProjectID, "project the keys belong to")

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print its bearer token once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKeyStore(cmd.Context(), open, func(store keyStore) error {
				keyID, secret, err := store.CreateAPIKey(cmd.Context(), project, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s.%s\n", keyID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVarP(&name, "name", "n", "", "human readable key name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKeyStore(cmd.Context(), open, func(store keyStore) error {
				keys, err := store.ListAPIKeys(cmd.Context(), project)
				if err != nil {
					return err
				}
				return writeKeyTable(cmd.OutOrStdout(), keys)
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyStore(cmd.Context(), open, func(store keyStore) error {
				if err := store.RevokeAPIKey(cmd.Context(), project, args[0]); err != nil {
					if errors.Is(err, repository.ErrNotFound) {
						return fmt.Errorf("key %q not found in project %q", args[0], project)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func withKeyStore(ctx context.Context, open keyStoreOpener, fn func(keyStore) error) error {
	store, closeStore, err := open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(store)
}

func writeKeyTable(w io.Writer, keys []repository.APIKeyMeta) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATED")
	for _, key := range keys {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", key.ID, key.Name, key.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func newHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [secret]",
		Short: "Print the bcrypt hash of an API key secret",
		Long: `Print the bcrypt hash of an API key secret for seeding the api_keys table.
The secret is read from stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				secret = strings.TrimSpace(string(data))
			}
			if secret == "" {
				return errors.New("secret is required")
			}

			hash, err := middleware.HashAPIKey(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
