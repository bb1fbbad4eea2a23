package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zereker/dispatch/internal/config"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		server     string
		transport  string
		wsPath     string
		username   string
		logLevel   string
		heartbeat  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chatclient",
		Short: "Chat from the terminal",
		Long: `Connect to a chat server and chat from the terminal.

Type a line to send it to everyone else in the room.
  username   choose a new username
  exit       leave

Examples:
  chatclient --username=alice
  chatclient --server=chat.example.com:4200 --transport=ws`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(configPath)
			if err != nil {
				return err
			}

			// Apply command-line overrides
			flags := cmd.Flags()
			if flags.Changed("server") {
				cfg.Server = server
			}
			if flags.Changed("transport") {
				cfg.Transport = transport
			}
			if flags.Changed("ws-path") {
				cfg.WSPath = wsPath
			}
			if flags.Changed("username") {
				cfg.Username = username
			}
			if flags.Changed("heartbeat") {
				cfg.Heartbeat = heartbeat
			}
			if flags.Changed("log-level") {
				if cfg.LogLevel, err = config.ParseLogLevel(logLevel); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	cmd.Flags().StringVarP(&server, "server", "s", config.DefaultAddr, "Chat server address")
	cmd.Flags().StringVar(&transport, "transport", config.TransportTCP, "Transport: tcp or ws")
	cmd.Flags().StringVar(&wsPath, "ws-path", "/", "Request path for the ws transport")
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username, prompted for when empty")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 0, "Heartbeat interval, 0 to disable")

	return cmd
}
