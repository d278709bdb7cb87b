package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kestrel-tts/runtime/internal/config"
	"github.com/kestrel-tts/runtime/internal/httpapi"
	"github.com/kestrel-tts/runtime/internal/ingress"
	"github.com/kestrel-tts/runtime/internal/phonemize"
	"github.com/kestrel-tts/runtime/internal/runtime"
	"github.com/kestrel-tts/runtime/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

// lazyHandler wraps an http.Handler and returns 503 until the underlying
// Supervisor finishes FastInit, mirroring the teacher's lazyVADServer
// pattern adapted from gRPC's Unavailable status to an HTTP status code.
type lazyHandler struct {
	handler atomic.Pointer[http.Handler]
}

func (l *lazyHandler) set(h http.Handler) {
	l.handler.Store(&h)
}

func (l *lazyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := l.handler.Load()
	if h == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"runtime is initializing, please retry in a moment"}`))
		return
	}
	(*h).ServeHTTP(w, r)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Loader{}.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)

	logger.Info("starting runtime",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"cache_dir", cfg.CacheDir,
		"dev_performance_profile", cfg.DevPerformanceProfile,
	)

	// STEP 1: bind the listener immediately, before the runtime is ready.
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to bind listener", "error", err)
		os.Exit(1)
	}
	defer lis.Close()
	logger.Info("listener bound, port ready", "addr", lis.Addr().String())

	lazy := &lazyHandler{}
	httpServer := &http.Server{Handler: lazy}

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("http server started (503 while initializing)")

	// STEP 2: build the Supervisor and run FastInit; the listener is
	// already accepting connections and returning 503 in the meantime.
	sup := runtime.New(cfg, logger)
	startCtx, cancelStart := context.WithTimeout(ctx, 60*time.Second)
	if err := sup.Start(startCtx); err != nil {
		cancelStart()
		logger.Error("runtime failed to start", "error", err)
		os.Exit(1)
	}
	cancelStart()

	metrics, shutdownTelemetry, err := telemetry.InitProvider(telemetry.ProviderConfig{
		ServiceName:     "kestrel",
		ArenaCurrentMiB: sup.ArenaCurrentMiB,
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown error", "error", err)
		}
	}()
	sup.SetMetrics(metrics)

	gate := ingress.New(ingress.Config{
		LocalhostOnly:       cfg.LocalhostOnly,
		PerMinuteLimit:      cfg.PerMinuteLimit,
		PerHourLimit:        cfg.PerHourLimit,
		SuspiciousThreshold: cfg.SuspiciousLimit,
		BlockDuration:       cfg.BlockDuration,
	})

	server := httpapi.New(sup, gate, phonemize.New(), metrics, logger)
	lazy.set(server.Handler())
	logger.Info("runtime ready to serve requests", "active_provider", sup.Status().ActiveProvider)

	// STEP 3: graceful shutdown, bounded by the configured drain timeout.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		logger.Info("shutdown requested, draining")

		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		sup.Drain(drainCtx)
		cancel()

		stopped := make(chan struct{})
		go func() {
			_ = httpServer.Shutdown(context.Background())
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(cfg.DrainTimeout):
			logger.Warn("graceful http shutdown timed out, forcing close")
			_ = httpServer.Close()
		}
		close(shutdownDone)
	}()

	select {
	case err := <-serverErr:
		logger.Error("http server terminated with error", "error", err)
		os.Exit(1)
	case <-shutdownDone:
	}

	logger.Info("runtime stopped")
}

func newLogger(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

func parseLevel(value string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
