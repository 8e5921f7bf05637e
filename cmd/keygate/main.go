package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/keygate/internal/config"
	"github.com/sandeepkv93/keygate/internal/database"
	"github.com/sandeepkv93/keygate/internal/di"
	"github.com/sandeepkv93/keygate/internal/security"
)

type rootOptions struct {
	configFile string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "keygate",
		Short:         "Checkpoint-gated key issuance service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "optional YAML config file")
	cmd.AddCommand(newServeCommand(opts), newMigrateCommand(opts), newOwnerTokenCommand(opts))
	return cmd
}

func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	return config.Load(config.LoadOptions{ConfigFile: opts.configFile, Flags: cmd.Flags()})
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := di.InitializeApp(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().String("http-addr", "", "listen address (overrides HTTP_ADDR)")
	cmd.Flags().String("log-level", "", "log level (overrides LOG_LEVEL)")
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			db, err := database.Open(cfg)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer func() { _ = sqlDB.Close() }()
			}
			if err := database.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newOwnerTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		ownerID string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "owner-token",
		Short: "Mint a bearer token for the owner API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == "" {
				return fmt.Errorf("--owner is required")
			}
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.OwnerTokenTTL
			}
			token, err := security.NewOwnerTokenManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSecret).Sign(ownerID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner id placed in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to OWNER_TOKEN_TTL)")
	return cmd
}

// executeContext lets tests drive the command tree without os.Args.
func executeContext(ctx context.Context, args ...string) (*cobra.Command, error) {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	return cmd, cmd.ExecuteContext(ctx)
}
