package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hallveticapro/live-translation/internal/app"
	"github.com/hallveticapro/live-translation/internal/config"
	"github.com/hallveticapro/live-translation/internal/observe"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caption server",
		Long: `Run the caption server: POST /api/transcribe for speaker segments,
GET /ws for listeners, plus /healthz, /readyz, /api/stats and /metrics.

The config file is watched and target languages and the log level are
applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().Bool("no-watch", false, "do not reload the config file when it changes")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := config.RequireProviders(cfg); err != nil {
		return fmt.Errorf("%w (set GROQ_API_KEY or configure providers)", err)
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(newLogger(cfg.Server.LogLevel, &level))

	slog.Info("livecaption starting",
		"version", version,
		"config", path,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "livecaption",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg, tel.Metrics)
	if err != nil {
		return err
	}
	slog.Info("providers created", "stt", providers.STTName, "translate", providers.TranslateName)

	printStartupSummary(cfg, path)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.MetricsHandler()),
		app.WithLogLevel(&level),
	)
	if err != nil {
		return err
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	noWatch, _ := cmd.Flags().GetBool("no-watch")
	if path != "" && !noWatch {
		w, err := config.NewWatcher(path, application.Reload, config.WithEnv(os.LookupEnv))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return err
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
