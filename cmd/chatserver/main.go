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
		configPath  string
		addr        string
		transport   string
		wsPath      string
		metricsAddr string
		logLevel    string
		heartbeat   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chatserver",
		Short: "Run the chat relay server",
		Long: `Run the chat relay server.

Clients set a username and send lines of text; the server relays every
line, tagged with the sender's username, to all other connected clients.

Examples:
  chatserver
  chatserver --addr=0.0.0.0:4200 --metrics-addr=:9100
  chatserver --config=chatserver.toml --transport=ws`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(configPath)
			if err != nil {
				return err
			}

			// Apply command-line overrides
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = addr
			}
			if flags.Changed("transport") {
				cfg.Transport = transport
			}
			if flags.Changed("ws-path") {
				cfg.WSPath = wsPath
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
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

			return run(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	cmd.Flags().StringVarP(&addr, "addr", "a", config.DefaultAddr, "Address to listen on")
	cmd.Flags().StringVar(&transport, "transport", config.TransportTCP, "Transport: tcp or ws")
	cmd.Flags().StringVar(&wsPath, "ws-path", "/", "Request path accepted by the ws transport")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 0, "Heartbeat interval, 0 to disable")

	return cmd
}
