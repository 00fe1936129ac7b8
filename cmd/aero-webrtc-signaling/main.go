package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"allowed_origins", cfg.AllowedOrigins,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"signaling_ws_ping_interval", cfg.SignalingWSPingInterval,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)

	logStartupSecurityWarnings(logger, cfg)

	var turnREST *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnREST, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            cfg.TURNREST.TTL,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			os.Exit(2)
		}
	}

	m := metrics.New()
	router := signaling.NewRouter(signaling.RouterConfig{
		Registry:         registry.New[*signaling.Session](),
		Logger:           logger,
		Metrics:          m,
		Greeting:         cfg.Greeting,
		MaxIdentityBytes: cfg.MaxIdentityBytes,
	})
	sig := signaling.NewWebSocketServer(signaling.WebSocketConfig{
		Router:               router,
		Logger:               logger,
		Metrics:              m,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueLength:      cfg.SendQueueLength,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(httpserver.Options{
		Config:    cfg,
		Logger:    logger,
		Build:     httpserver.BuildInfo{Commit: commit, BuildTime: buildTime},
		Signaling: sig,
		Metrics:   m,
		TURNREST:  turnREST,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		_ = sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received", "active_connections", sig.ActiveConnections())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Upgraded connections are hijacked and invisible to Shutdown.
	_ = sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete", "events", m.Snapshot())
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info, which
	// `go run` and dev builds carry.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
