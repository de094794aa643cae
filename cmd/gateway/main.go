// Command gateway launches the realtime gateway sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/internal/infra/config"
	"github.com/coachpo/meltica-realtime/internal/infra/logging"
	"github.com/coachpo/meltica-realtime/internal/infra/persistence"
	httpserver "github.com/coachpo/meltica-realtime/internal/infra/server/http"
	"github.com/coachpo/meltica-realtime/internal/infra/sink"
	"github.com/coachpo/meltica-realtime/internal/infra/telemetry"
	"github.com/coachpo/meltica-realtime/internal/session"
)

const (
	defaultConfigPath            = "config/app.yaml"
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	sessionShutdownTimeout       = 15 * time.Second
	sinkShutdownTimeout          = 5 * time.Second
	storeShutdownTimeout         = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.Load(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:      appCfg.Logging.Level,
		Encoding:   appCfg.Logging.Encoding,
		File:       appCfg.Logging.File,
		MaxSizeMB:  appCfg.Logging.MaxSizeMB,
		MaxBackups: appCfg.Logging.MaxBackups,
		MaxAgeDays: appCfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("configuration initialised",
		zap.String("environment", string(appCfg.Environment)),
		zap.Int("sessions", len(appCfg.Sessions)))

	telemetryProvider, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        appCfg.Telemetry.EnableMetrics,
		OTLPEndpoint:   appCfg.Telemetry.OTLPEndpoint,
		ServiceName:    appCfg.Telemetry.ServiceName,
		Environment:    string(appCfg.Environment),
		MetricInterval: appCfg.Telemetry.MetricInterval,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	store, err := openStore(ctx, appCfg.Storage, logger)
	if err != nil {
		return err
	}
	out, err := openSink(appCfg.Sink, logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	sessions := make([]*session.Session, 0, len(appCfg.Sessions))
	entries := make([]httpserver.Entry, 0, len(appCfg.Sessions))
	for _, sc := range appCfg.Sessions {
		sess, err := buildSession(sc, sessionDeps{store: store, sink: out, logger: logger})
		if err != nil {
			logger.Error("build session", zap.String("session", sc.Key()), zap.Error(err))
			continue
		}
		if err := sess.Open(ctx); err != nil {
			logger.Error("open session", zap.String("session", sc.Key()), zap.Error(err))
			continue
		}
		subscribeConfigured(ctx, sess, sc, logger)
		sessions = append(sessions, sess)
		entries = append(entries, httpserver.Entry{Key: sc.Key(), Session: sess})
	}
	if len(sessions) == 0 {
		logger.Warn("no session opened")
	}

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg.APIServer, string(appCfg.Environment), entries)
	if apiServer != nil {
		startAPIServer(&lifecycle, logger, apiServer)
		logger.Info("control API listening", zap.String("addr", apiServer.Addr))
	}

	logger.Info("gateway started; awaiting shutdown signal", zap.Int("sessions", len(sessions)))
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:    apiServer,
		lifecycle: &lifecycle,
		sessions:  sessions,
		sink:      out,
		store:     store,
		telemetry: telemetryProvider,
	})
	logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(shutdownStart)))
	return nil
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func buildAPIServer(cfg config.APIServerConfig, environment string, entries []httpserver.Entry) *http.Server {
	if cfg.Addr == "" {
		return nil
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(environment, entries),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *zap.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server", zap.Error(err))
		}
	})
}

type gracefulShutdownConfig struct {
	server    *http.Server
	lifecycle *conc.WaitGroup
	sessions  []*session.Session
	sink      sink.Sink
	store     persistence.Store
	telemetry *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *zap.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown: "+name+" failed", zap.Error(err))
		} else {
			logger.Info("shutdown: " + name + " completed")
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}
	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return withDeadline(stepCtx, func() error {
				cfg.lifecycle.Wait()
				return nil
			})
		})
	}
	if len(cfg.sessions) > 0 {
		shutdownStep("closing sessions", sessionShutdownTimeout, func(stepCtx context.Context) error {
			return withDeadline(stepCtx, func() error { return closeSessions(cfg.sessions) })
		})
	}
	if cfg.sink != nil {
		shutdownStep("closing sink", sinkShutdownTimeout, func(stepCtx context.Context) error {
			return withDeadline(stepCtx, cfg.sink.Close)
		})
	}
	if cfg.store != nil {
		shutdownStep("closing store", storeShutdownTimeout, func(stepCtx context.Context) error {
			return withDeadline(stepCtx, cfg.store.Close)
		})
	}
	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func withDeadline(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	}
}
