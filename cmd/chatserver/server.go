package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zereker/dispatch"
	"github.com/Zereker/dispatch/chat"
	"github.com/Zereker/dispatch/internal/config"
	"github.com/Zereker/dispatch/transport/ws"
)

const shutdownTimeout = 5 * time.Second

// newServer builds the chat server and its room. The server is not started.
func newServer(cfg config.ServerConfig, logger *slog.Logger, reg prometheus.Registerer) (*dispatch.Server, *chat.Room, error) {
	var room *chat.Room

	opts := []dispatch.Option{
		dispatch.LoggerOption(logger),
		dispatch.MetricsOption(dispatch.NewMetrics(reg, "chat")),
		dispatch.HeartbeatOption(cfg.Heartbeat),
		dispatch.MaxPayloadSizeOption(cfg.MaxPayloadSize),
		dispatch.OnDisconnectOption(func(clientID int, reason error) {
			room.Leave(clientID, reason)
		}),
	}
	if cfg.Transport == config.TransportWebSocket {
		opts = append(opts, dispatch.ListenOption(ws.ListenConfig{Path: cfg.WSPath}.Listen))
	}

	server := dispatch.NewServer(cfg.Addr, opts...)
	room = chat.NewRoom(server, logger.With("component", "room"))
	if err := room.Register(server.Registry()); err != nil {
		return nil, nil, err
	}
	return server, room, nil
}

// run serves until ctx is canceled.
func run(ctx context.Context, cfg config.ServerConfig, logOut io.Writer) error {
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.LogLevel}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	server, _, err := newServer(cfg, logger, reg)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return errors.Wrap(err, "start chat server")
	}
	logger.Info("chat server ready", "addr", server.Addr(), "transport", cfg.Transport)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("metrics endpoint started", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics endpoint shutdown", "error", err)
		}
	}

	if err := server.Stop(); err != nil {
		logger.Warn("listener close", "error", err)
	}
	return nil
}
