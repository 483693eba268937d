package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/RichardoC/Pad-i/internal/api"
	"github.com/RichardoC/Pad-i/internal/config"
	"github.com/RichardoC/Pad-i/internal/db"
	"github.com/RichardoC/Pad-i/internal/llm"
	"github.com/RichardoC/Pad-i/internal/logging"
	"github.com/RichardoC/Pad-i/internal/ratelimit"
	"github.com/RichardoC/Pad-i/internal/usage"
)

func main() {
	var configPath, addr, dbPath string

	cmd := &cobra.Command{
		Use:          "pad-i-server",
		Short:        "Pad-i chat backend",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Address = addr
			}
			if cmd.Flags().Changed("db") {
				cfg.Server.DBPath = dbPath
			}
			return run(cfg)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.Flags().StringVarP(&configPath, "config", "c", "pad-i.yaml", "config file path")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) (err error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	database, err := db.New(cfg.Server.DBPath)
	if err != nil {
		logger.Error("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.Server.DBPath))
		return err
	}

	llmService, err := llm.New(llm.Options{
		BaseURL:       cfg.LLM.BaseURL,
		Token:         cfg.LLM.Token,
		DefaultModel:  cfg.LLM.DefaultModel,
		TitleModel:    cfg.LLM.TitleModel,
		StreamTimeout: cfg.LLM.StreamTimeout,
		TitleTimeout:  cfg.LLM.TitleTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize LLM service", zap.Error(err))
		return multierr.Append(err, database.Close())
	}

	maxBody, _ := cfg.MaxBodyBytes()
	handler := api.NewHandler(database, llmService, usage.NewTracker(database, cfg.Limits.QuotaLimits()), api.Options{
		ChatLimiter:  ratelimit.NewPool(cfg.Limits.ChatEvents, cfg.Limits.ChatWindow),
		TitleLimiter: ratelimit.NewPool(cfg.Limits.TitleEvents, cfg.Limits.TitleWindow),
		MaxBody:      maxBody,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return multierr.Append(serve(ctx, srv, logger), database.Close())
}

// serve runs srv until it fails or ctx is done, then shuts it down. A clean
// shutdown returns nil.
func serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", srv.Addr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("Server stopped", zap.Error(err))
		return err
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
