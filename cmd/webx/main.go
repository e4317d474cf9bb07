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

	"github.com/pranitnpatil/webx/internal/config"
	"github.com/pranitnpatil/webx/internal/httpserver"
	"github.com/pranitnpatil/webx/internal/kurento"
	"github.com/pranitnpatil/webx/internal/media"
	"github.com/pranitnpatil/webx/internal/metrics"
	"github.com/pranitnpatil/webx/internal/room"
	"github.com/pranitnpatil/webx/internal/session"
	"github.com/pranitnpatil/webx/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
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

	logger.Info("starting webx",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"kurento_url", cfg.KurentoURL,
		"static_dir", cfg.StaticDir,
		"relay_call_timeout", cfg.RelayCallTimeout,
		"call_invite_ttl", cfg.CallInviteTTL,
		"video_send_bandwidth_kbps", fmt.Sprintf("%d-%d", cfg.MinVideoSendBandwidth, cfg.MaxVideoSendBandwidth),
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()

	// The relay client dials lazily; an offline media server surfaces as
	// per-operation failures, not a startup failure.
	relayClient := kurento.NewClient(cfg.KurentoURL, cfg.RelayCallTimeout, logger)
	defer relayClient.Close()

	registry := session.NewRegistry()
	rooms := room.NewManager(relayClient, logger, m)
	mediaMgr := media.NewManager(media.Config{
		MinVideoSendBandwidth: cfg.MinVideoSendBandwidth,
		MaxVideoSendBandwidth: cfg.MaxVideoSendBandwidth,
	}, logger, m)

	coord := signaling.NewCoordinator(signaling.Config{
		RelayCallTimeout: cfg.RelayCallTimeout,
		CallInviteTTL:    cfg.CallInviteTTL,
	}, registry, rooms, mediaMgr, logger, m)

	sig := signaling.NewServer(signaling.ServerConfig{
		ReadLimitBytes: cfg.WSReadLimitBytes,
		PongTimeout:    cfg.WSPongTimeout,
		WriteTimeout:   cfg.WSWriteTimeout,
	}, coord, logger)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.Mux().Handle("GET /ws", sig)
	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}

	return commit, built
}
