package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/confidant-bot/confidant/internal/api"
	"github.com/confidant-bot/confidant/internal/argument"
	"github.com/confidant-bot/confidant/internal/ask"
	"github.com/confidant-bot/confidant/internal/completion"
	"github.com/confidant-bot/confidant/internal/healthcheck"
	"github.com/confidant-bot/confidant/internal/listening"
	"github.com/confidant-bot/confidant/internal/router"
	"github.com/confidant-bot/confidant/internal/session"
	"github.com/confidant-bot/confidant/internal/store"
	"github.com/confidant-bot/confidant/internal/transport"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the admin API and the local chat gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

//nolint:gocognit // Startup wiring is intentionally sequential to keep dependency setup explicit.
func (a *app) serve(parent context.Context) error {
	cfg, logger := a.cfg, a.logger
	provider := cfg.ActiveProvider()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	logger.Info("Starting confidant",
		"port", cfg.Port,
		"provider", provider.Name,
		"model", provider.Model,
		"discord", cfg.DiscordToken != "",
		"ws_gateway", cfg.WSGateway,
		"dev", cfg.IsDevelopment(),
	)

	repo, err := store.NewSQLite(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	mgr := session.NewManager(session.Options{
		ListeningTTL: cfg.Listening.TTL,
		ArgumentTTL:  cfg.Argument.TTL,
		MaxBuffered:  cfg.Listening.MaxBuffered,
		MaxFragment:  cfg.Listening.MaxFragment,
		Logger:       logger,
	})
	client := completion.New(provider, completion.WithLogger(logger))
	if provider.APIKey == "" {
		logger.Warn("Provider API key is not set, AI replies will explain how to configure it",
			"provider", provider.Name, "env", provider.APIKeyEnv)
	}

	hub := transport.NewHub(logger)
	var discord *transport.Discord
	if cfg.DiscordToken != "" {
		discord, err = transport.NewDiscord(cfg.DiscordToken, logger)
		if err != nil {
			return fmt.Errorf("initialize discord: %w", err)
		}
	} else {
		logger.Info("DISCORD_BOT_TOKEN not set, Discord transport disabled")
	}

	var sender transport.Sender = hub
	var history transport.HistoryReader = hub
	if discord != nil {
		sender = hub.Fallback(discord)
		history = hub.HistoryFallback(discord)
	}

	engine := listening.NewEngine(ctx, mgr, client, sender, listening.Config{
		Debounce:      cfg.Listening.Debounce,
		MaxTurns:      cfg.Listening.MaxTurns,
		NotesMaxChars: cfg.Listening.NotesMaxChars,
		HistoryDepth:  cfg.Listening.HistoryDepth,
		MaxTokens:     cfg.Listening.MaxTokens,
		Temperature:   cfg.Listening.Temperature,
	}, listening.WithRecorder(repo), listening.WithLogger(logger))

	arguments := argument.NewController(mgr, client, argument.Config{
		MaxTurns:    cfg.Argument.MaxTurns,
		MaxTokens:   cfg.Argument.MaxTokens,
		Temperature: cfg.Argument.Temperature,
	}, argument.WithRecorder(repo), argument.WithLogger(logger))

	limiter := router.NewRateLimiter(cfg.Cooldown.Requests, cfg.Cooldown.Window)
	defer limiter.Close()
	summaryLimiter := router.NewRateLimiter(cfg.SummaryCooldown.Requests, cfg.SummaryCooldown.Window)
	defer summaryLimiter.Close()

	asker := ask.NewService(client, cfg.AI.MaxTokens, cfg.AI.MaxHistory, repo, logger,
		ask.WithSummaryMaxTokens(cfg.AI.SummaryMaxTokens))

	rt := router.New(ctx, router.Deps{
		Listening:      engine,
		Arguments:      arguments,
		Ask:            asker,
		Models:         client,
		Sender:         sender,
		History:        history,
		Limiter:        limiter,
		SummaryLimiter: summaryLimiter,
		Prefix:         cfg.Prefix,
		Logger:         logger,
	})

	retention := cfg.TranscriptRetention
	err = session.StartTTLWorker(ctx, mgr, cfg.TTLSweepSchedule, func(ctx context.Context, _, _ int) {
		deleted, err := repo.DeleteOlderThan(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("Transcript retention sweep failed", "error", err)
			return
		}
		if deleted > 0 {
			logger.Info("Transcript retention sweep removed turns", "deleted", deleted, "retention", retention)
		}
	})
	if err != nil {
		return fmt.Errorf("start ttl worker: %w", err)
	}

	closeDiscord := func() {}
	if discord != nil {
		if err := discord.Start(ctx, rt.Handle); err != nil {
			return fmt.Errorf("start discord: %w", err)
		}
		var once sync.Once
		closeDiscord = func() {
			once.Do(func() {
				if closeErr := discord.Close(); closeErr != nil {
					logger.Warn("Failed to close discord session", "error", closeErr)
				}
			})
		}
		defer closeDiscord()
		logger.Info("Discord transport connected")
	}

	var health *healthcheck.Server
	if cfg.GRPCHealthAddr != "" {
		health, err = healthcheck.Listen(cfg.GRPCHealthAddr, logger)
		if err != nil {
			return fmt.Errorf("start grpc health: %w", err)
		}
		go func() {
			if err := health.Serve(); err != nil {
				logger.Error("gRPC health server failed", "error", err)
			}
		}()
		health.SetServing("", true)
		go health.Watch(ctx, "store", 30*time.Second, repo.Ping)
	}

	var ws http.Handler
	if cfg.WSGateway {
		ws = transport.NewWebSocketHandler(hub, rt.Handle, cfg.FrontendURL, cfg.IsDevelopment(), logger)
	}
	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}
	handler := api.NewRouter(api.NewHandler(mgr, repo, rt, client, logger), ws, origins)

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.Error("Server failed", "error", err)
	}
	cancel()

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if health != nil {
		health.Shutdown()
	}
	hub.CloseAll()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("Server forced to shutdown", "error", shutdownErr)
	}

	// Stop intake, then drain replies, flushes and transcript writes before
	// the deferred repo.Close.
	closeDiscord()
	done := make(chan struct{})
	go func() {
		rt.Wait()
		engine.Close()
		arguments.Wait()
		asker.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("Timed out waiting for in-flight replies")
	}

	if err != nil {
		return fmt.Errorf("serve http: %w", err)
	}
	logger.Info("Server stopped successfully")
	return nil
}
