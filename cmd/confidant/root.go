package main

import (
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/confidant-bot/confidant/internal/config"
)

// app carries the state shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	logLevel *slog.LevelVar
}

func newRootCmd(logger *slog.Logger, logLevel *slog.LevelVar) *cobra.Command {
	a := &app{logger: logger, logLevel: logLevel}

	root := &cobra.Command{
		Use:   "confidant",
		Short: "Confidant - listening sessions, arguments and AI answers for chat",
		Long: `Confidant listens to people in chat, answers after they pause, debates a
topic on request and answers one-shot questions with a short channel memory.

Run 'confidant serve' to connect to Discord and start the local gateway.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig()
		},
	}

	root.AddCommand(
		newServeCmd(a),
		newCompleteCmd(a),
		newModelsCmd(a),
		newHealthCmd(a),
	)
	return root
}

func (a *app) loadConfig() error {
	if err := godotenv.Load(); err != nil {
		a.logger.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		a.logger.Error("Failed to load configuration", "error", err)
		return fmt.Errorf("load configuration: %w", err)
	}
	a.logLevel.Set(cfg.LogLevel)
	a.cfg = cfg
	return nil
}
