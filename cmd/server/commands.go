package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/config"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/database"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/di"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/security"
)

func newServeCommand() *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, WebSocket gateway and expiration sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if autoMigrate {
				if err := migrate(cfg); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := di.InitializeApp(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer cleanup()
			return a.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "Apply schema migrations before serving")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the session and message tables",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return migrate(cfg)
		},
	}
}

func migrate(cfg *config.Config) error {
	logger := observability.NewLogger(cfg, nil)
	db, cleanup, err := database.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := database.Migrate(db); err != nil {
		return err
	}
	logger.Info("schema migrated", "driver", cfg.DatabaseDriver)
	return nil
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiration and purge pass, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			sweeper, cleanup, err := di.InitializeSweeper(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize sweeper: %w", err)
			}
			defer cleanup()
			res, err := sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d purged=%d duration=%s\n", res.Expired, res.Purged, res.Duration)
			return nil
		},
	}
}

// newTokenCommand mints an access token for local testing against the
// configured issuer, audience and secret.
func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTAccessSecret).SignAccessToken(subject, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Owner id placed in the sub claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
