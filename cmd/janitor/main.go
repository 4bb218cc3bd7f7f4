package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pigeon/chat-app/internal/config"
	"github.com/pigeon/chat-app/internal/logging"
	"github.com/pigeon/chat-app/internal/matching"
	"github.com/pigeon/chat-app/internal/postgres"
)

var once bool

// rootCmd purges expired pigeons from PostgreSQL. It runs as a loop next to
// servers started with a long CLEANUP_INTERVAL, or once from cron.
var rootCmd = &cobra.Command{
	Use:          "janitor",
	Short:        "Purge expired pigeons from PostgreSQL",
	SilenceUsage: true,
	RunE:         runJanitor,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().BoolVar(&once, "once", false, "purge once and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runJanitor(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("janitor requires STORE=postgres, got %q", cfg.Store)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("janitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := postgres.Migrate(db, log); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	pigeons := postgres.NewPigeonStore(db)

	if once {
		n, err := matching.Purge(ctx, pigeons, log)
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		log.Info("purge complete", zap.Int("count", n))
		return nil
	}

	log.Info("janitor running", zap.Duration("interval", cfg.CleanupInterval))
	matching.StartCleanup(ctx, pigeons, cfg.CleanupInterval, log)
	return nil
}
