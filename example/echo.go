package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/dispatch"
)

const (
	echoHandler dispatch.HandlerID = 1
	addr                           = "127.0.0.1:12345"
)

func main() {
	var server *dispatch.Server
	server = dispatch.NewServer(addr,
		dispatch.HeartbeatOption(30*time.Second),
		dispatch.OnHandlerErrorOption(func(id dispatch.HandlerID, err error) dispatch.ErrorAction {
			slog.Error("handler error", "handler_id", id, "error", err)
			return dispatch.Disconnect
		}),
	)

	// Echo every message back to its sender
	server.MustHandle(echoHandler, func(ctx context.Context, msg dispatch.Message) error {
		return server.Send(ctx, msg.ClientID, msg.HandlerID, msg.Payload)
	})

	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	client := dispatch.NewClient()
	client.MustHandle(echoHandler, func(ctx context.Context, msg dispatch.Message) error {
		slog.Info("echo", "payload", string(msg.Payload))
		return nil
	})

	if err := client.Connect(context.Background(), server.Addr().String()); err != nil {
		slog.Error("failed to connect", "error", err)
		server.Stop()
		os.Exit(1)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			slog.Info("shutting down...")
			client.Disconnect()
			server.Stop()
			return
		case t := <-ticker.C:
			if err := client.Send(context.Background(), echoHandler, []byte(t.Format(time.RFC3339))); err != nil {
				slog.Error("send failed", "error", err)
			}
		}
	}
}
