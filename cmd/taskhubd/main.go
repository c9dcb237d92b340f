package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"taskhub/internal/api"
	"taskhub/internal/behavior"
	"taskhub/internal/config"
	"taskhub/internal/core"
	"taskhub/internal/eventbus"
	"taskhub/internal/hub"
	"taskhub/internal/logging"
	"taskhub/internal/manifest"
	taskhubmcp "taskhub/internal/mcp"
	"taskhub/internal/notify"
	"taskhub/internal/store"
)

var version = "dev"

// errStdinClosed ends an mcp-only daemon once its client goes away.
var errStdinClosed = errors.New("mcp client closed stdin")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "taskhubd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse config: %w", err)
	}
	serveHTTP := cfg.Server.Mode == "http" || cfg.Server.Mode == "both"
	serveStdio := cfg.Server.Mode == "mcp" || cfg.Server.Mode == "both"

	// stdout carries the protocol in mcp modes
	var console io.Writer = os.Stdout
	if serveStdio {
		console = os.Stderr
	}
	logger, logCloser, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Console:    console,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StateDir, cfg.RunRetention)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}

	location := cfg.Location()
	host, err := hub.New(hub.Options{
		Logger: logger,
		Store:  st,
		Bus:    eventbus.New(),
		Scheduler: core.NewScheduler(logger,
			core.WithLocation(location),
			core.WithPollInterval(cfg.Scheduler.PollInterval)),
		Journal:       logging.NewJournal(cfg.Log.JournalSize, logger),
		Notifier:      notifier,
		Behaviors:     behavior.Deps{Pool: behavior.NewPool(cfg.GitConcurrency)},
		NotifySuccess: cfg.Notification.NotifySuccess,
		StopTimeout:   cfg.Scheduler.StopTimeout,
		Location:      location,
	})
	if err != nil {
		return err
	}
	if err := host.Load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	var watcher *manifest.Watcher
	if cfg.Manifest.Path != "" {
		watcher = manifest.NewWatcher(cfg.Manifest.Path, applyManifest(host, logger), logger)
		if err := watcher.Load(ctx); err != nil {
			return fmt.Errorf("load manifest: %w", err)
		}
	}

	host.Start(ctx)
	logger.Info("taskhub started",
		"version", version,
		"mode", cfg.Server.Mode,
		"state_dir", cfg.StateDir,
		"location", location.String())

	mcpServer := taskhubmcp.NewServer(host, logger, version)
	g, gctx := errgroup.WithContext(ctx)

	var httpServer *api.Server
	if serveHTTP {
		httpServer = api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, host, mcpServer.HTTPHandler(), logger)
		g.Go(func() error {
			if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	if serveStdio {
		g.Go(func() error {
			err := mcpServer.ServeStdio(gctx)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				return fmt.Errorf("mcp server: %w", err)
			case gctx.Err() != nil:
				return nil
			case !serveHTTP:
				return errStdinClosed
			}
			logger.Info("mcp stdio closed, http keeps serving")
			return nil
		})
	}
	if watcher != nil && cfg.Manifest.Watch {
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				logger.Error("manifest watcher stopped", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if httpServer != nil {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown", "err", err)
			}
		}
		if err := host.Shutdown(shutdownCtx); err != nil {
			logger.Warn("task shutdown timed out", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errStdinClosed) {
		return err
	}
	logger.Info("taskhub stopped")
	return nil
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	var notifiers []notify.Notifier
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			return nil, fmt.Errorf("bark notifier: %w", err)
		}
		notifiers = append(notifiers, bark)
		logger.Info("bark notifications enabled", "per_minute", cfg.Notification.PerMinute)
	}
	if len(notifiers) == 0 {
		return &notify.NoOpNotifier{}, nil
	}
	return notify.NewThrottled(notify.NewMultiNotifier(notifiers...), cfg.Notification.PerMinute), nil
}

func applyManifest(host *hub.Host, logger *slog.Logger) manifest.ApplyFunc {
	return func(ctx context.Context, doc *manifest.Document) error {
		res, err := host.Apply(ctx, doc)
		if err != nil {
			return err
		}
		for _, msg := range res.Errors {
			logger.Warn("manifest entry skipped", "err", msg)
		}
		return nil
	}
}
