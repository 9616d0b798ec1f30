// Package app wires configuration, storage, the realtime hub, and the HTTP
// surface into a running server process.
package app

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"

	charmlog "github.com/charmbracelet/log"

	"sparc/server/internal/adventure"
	"sparc/server/internal/ai"
	"sparc/server/internal/character"
	"sparc/server/internal/config"
	"sparc/server/internal/dice"
	servernet "sparc/server/internal/net"
	"sparc/server/internal/net/ws"
	"sparc/server/internal/realtime"
	"sparc/server/internal/session"
	"sparc/server/internal/storage"
	"sparc/server/internal/telemetry"
	"sparc/server/logging"
	loggingSinks "sparc/server/logging/sinks"
)

// Options controls process-level wiring that does not belong in the config
// file, such as where the config file itself lives.
type Options struct {
	// ConfigPath points at a YAML config file. Empty falls back to
	// configs/server.yaml if present, then built-in defaults.
	ConfigPath string
	// Addr overrides the configured listen address when non-empty.
	Addr string
}

// Run boots the server and blocks until ctx is cancelled or the listener
// fails. Shutdown is graceful within the configured timeout.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.HTTPAddr = opts.Addr
	}

	level, err := charmlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	charm := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           level,
		Prefix:          "sparc",
	})
	stdLogger := charm.StandardLog()
	telemetryLogger := telemetry.WrapLogger(stdLogger)

	logCfg := logging.DefaultConfig()
	logCfg.BufferSize = cfg.EventBufferSize
	logCfg.MinimumSeverity = eventSeverity(cfg.LogLevel)
	sinks := map[string]logging.Sink{
		"console": loggingSinks.NewConsole(os.Stdout),
	}
	router, err := logging.NewRouter(logCfg, logging.SystemClock{}, stdLogger, sinks)
	if err != nil {
		return fmt.Errorf("construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(context.Background()); cerr != nil {
			telemetryLogger.Printf("close logging router: %v", cerr)
		}
	}()

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store at %s: %w", cfg.DBPath, err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			telemetryLogger.Printf("close store: %v", cerr)
		}
	}()

	hub := realtime.NewHub(realtime.Config{
		PresenceTTL:   cfg.PresenceTTL,
		SweepInterval: cfg.SweepInterval,
		Logger:        telemetryLogger,
		Metrics:       telemetry.NewCounters(),
		Publisher:     router,
	})
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	engine := dice.NewEngine()
	services := servernet.Services{
		Sessions:   session.NewService(store, engine, hub, router),
		Characters: character.NewService(store),
		Dice:       engine,
		Store:      store,
		Hub:        hub,
		Adventure:  adventure.NewTracker(store),
		Narrator:   ai.NewStubNarrator(),
		Monitor:    ai.NewMonitor(engine.Latency()),
		WS:         ws.NewHandler(hub, ws.HandlerConfig{Logger: telemetryLogger}),
	}

	handler := servernet.NewHTTPHandler(services, servernet.HTTPHandlerConfig{
		Logger:    telemetryLogger,
		Publisher: router,
	})

	srv := &nethttp.Server{Addr: cfg.HTTPAddr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		charm.Info("server listening", "addr", cfg.HTTPAddr, "db", cfg.DBPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	charm.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// eventSeverity maps the process log level onto the structured event
// router's minimum severity so both surfaces filter consistently.
func eventSeverity(level string) logging.Severity {
	switch level {
	case "debug":
		return logging.SeverityDebug
	case "warn":
		return logging.SeverityWarn
	case "error":
		return logging.SeverityError
	default:
		return logging.SeverityInfo
	}
}
