package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/api"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/app"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/config"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/event"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/gateway"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/history"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/sendtask"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/sessions"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/store"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/stream"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/telemetry"
)

func main() {
	var configPath string
	var debug bool

	flag.StringVar(&configPath, "config", "qqenhancer.toml", "Path to the TOML config file")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if debug {
		cfg.Debug = true
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger, err := telemetry.InitLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	mirror, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open mirror store: %w", err)
	}
	defer mirror.Close()

	gw := gateway.NewClient(cfg.GatewayBaseURL, logger)
	sessionStore := sessions.NewStore()
	merger := sessions.Merger{Retention: cfg.Retention, DupWindow: cfg.DupWindow()}
	normalizer := event.Normalizer{MediaBaseURL: cfg.MediaBaseURL, SelfID: cfg.SelfID}

	supervisor := stream.NewSupervisor(cfg.GatewayWSURL, cfg.BackoffBase(), cfg.BackoffCap(), logger)
	reconnects, err := meter.Int64Counter("feed_reconnect_attempts_total")
	if err != nil {
		return fmt.Errorf("failed to create reconnect counter: %w", err)
	}
	supervisor.OnState = func(st stream.State) {
		if st == stream.StateReconnecting {
			reconnects.Add(ctx, 1)
		}
	}
	historyPages, err := meter.Int64Counter("history_pages_fetched_total")
	if err != nil {
		return fmt.Errorf("failed to create history pages counter: %w", err)
	}

	engine := &app.Engine{
		Store:      sessionStore,
		Merger:     merger,
		Normalizer: normalizer,
		Gateway:    gw,
		Mirror:     mirror,
		Poller:     sendtask.NewPoller(gw, cfg.PollInterval(), cfg.TaskLinger(), logger),
		Reloader: &history.Reloader{
			Pager:       gw,
			Importer:    gw,
			Store:       sessionStore,
			Merger:      merger,
			Normalizer:  normalizer,
			PageSize:    cfg.HistoryPageSize,
			PageCeiling: cfg.HistoryPageCeiling,
			Logger:      logger,
			Tracer:      tracer,
			Pages:       historyPages,
		},
		ConnState:     supervisor.State,
		TaskCtx:       ctx,
		WarmLoadLimit: cfg.WarmLoadLimit,
		Logger:        logger,
	}
	if err := engine.InitMetrics(meter); err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	supervisor.OnFrame = engine.HandleFrame

	if err := engine.WarmLoad(ctx); err != nil {
		logger.Warn("warm load failed, starting empty", "error", err)
	}

	go supervisor.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	api.NewHandler(engine, logger).RegisterRoutes(e)

	go func() {
		logger.Info("state API listening", "addr", cfg.ListenAddr)
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("state API stopped", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down state API", "error", err)
	}
	return nil
}
