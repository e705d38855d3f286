package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wachat/pkg/wachat/chat"
	"github.com/jholhewres/wachat/pkg/wachat/config"
	"github.com/jholhewres/wachat/pkg/wachat/database"
	_ "github.com/jholhewres/wachat/pkg/wachat/database/backends"
	"github.com/jholhewres/wachat/pkg/wachat/llm"
	"github.com/jholhewres/wachat/pkg/wachat/observability"
)

// loadConfig loads --config, or the first config file found. Without a
// file the defaults are used.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, found, err := config.Load(path)
	if err != nil {
		return nil, found, fmt.Errorf("loading config: %w", err)
	}
	return cfg, found, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer) *slog.Logger {
	level := cfg.LogLevel()
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// runtime is the storage, generator and engine shared by the commands.
type runtime struct {
	cfg     *config.Config
	store   database.Store
	metrics *observability.Metrics
	engine  *chat.Engine
	logger  *slog.Logger
}

// openRuntime opens the store and loads the engine state. downloader may
// be nil for commands that never see media.
func openRuntime(ctx context.Context, cfg *config.Config, downloader chat.MediaDownloader, logger *slog.Logger) (*runtime, error) {
	store, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("database not reachable: %w", err)
	}

	metrics := observability.NewMetrics("")
	engine := chat.NewEngine(cfg.Bot, store, llm.NewClient(cfg.LLM, logger), downloader, logger)
	engine.SetMetrics(metrics)
	engine.Load(ctx)

	return &runtime{
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		engine:  engine,
		logger:  logger,
	}, nil
}

func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		r.logger.Warn("closing database", "error", err)
	}
}
