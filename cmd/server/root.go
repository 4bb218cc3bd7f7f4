package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pigeon/chat-app/internal/auth"
	"github.com/pigeon/chat-app/internal/config"
	"github.com/pigeon/chat-app/internal/logging"
)

// rootCmd runs the pigeon server when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "pigeon",
	Short: "Pigeon chat server: REST API, WebSocket gateway and presence",
	Long: `Pigeon serves the REST API under /api, the realtime gateway on /ws,
/health and /metrics. Configuration comes from CONFIG_FILE, .env and the
environment.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// issueTokenCmd mints a session token without an external login service.
var issueTokenCmd = &cobra.Command{
	Use:   "issue-token <userId>",
	Short: "Print a session token for the given user id",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssueToken,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(issueTokenCmd)
}

func loadGate() (config.Config, *auth.Gate, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	gate, err := auth.NewGate(cfg.JWTSecret, cfg.SessionTTL)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, gate, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, gate, err := loadGate()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := run(cfg, gate, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		return err
	}
	return nil
}

func runIssueToken(cmd *cobra.Command, args []string) error {
	_, gate, err := loadGate()
	if err != nil {
		return err
	}
	token, err := gate.Issue(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
