// Package config loads the TOML configuration of the chat programs. Keys
// absent from a file keep their defaults.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// DefaultAddr is where the chat server listens and the client connects.
const DefaultAddr = "127.0.0.1:4200"

// Transports.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

// ServerConfig configures cmd/chatserver.
type ServerConfig struct {
	Addr           string
	Transport      string
	WSPath         string
	MetricsAddr    string // empty disables the /metrics endpoint
	LogLevel       slog.Level
	Heartbeat      time.Duration
	MaxPayloadSize int
}

// ClientConfig configures cmd/chatclient.
type ClientConfig struct {
	Server         string
	Transport      string
	WSPath         string
	Username       string // prompted for when empty
	LogLevel       slog.Level
	Heartbeat      time.Duration
	MaxPayloadSize int
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      DefaultAddr,
		Transport: TransportTCP,
		WSPath:    "/",
		LogLevel:  slog.LevelInfo,
	}
}

// DefaultClientConfig returns the client defaults. The client logs warnings
// only, so events do not interleave with the conversation.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Server:    DefaultAddr,
		Transport: TransportTCP,
		WSPath:    "/",
		LogLevel:  slog.LevelWarn,
	}
}

type serverFile struct {
	Addr           string `toml:"addr"`
	Transport      string `toml:"transport"`
	WSPath         string `toml:"ws_path"`
	MetricsAddr    string `toml:"metrics_addr"`
	LogLevel       string `toml:"log_level"`
	Heartbeat      string `toml:"heartbeat"`
	MaxPayloadSize int    `toml:"max_payload_size"`
}

type clientFile struct {
	Server         string `toml:"server"`
	Transport      string `toml:"transport"`
	WSPath         string `toml:"ws_path"`
	Username       string `toml:"username"`
	LogLevel       string `toml:"log_level"`
	Heartbeat      string `toml:"heartbeat"`
	MaxPayloadSize int    `toml:"max_payload_size"`
}

// LoadServer reads path over the defaults. An empty path returns the defaults.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}

	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, errors.Wrap(err, "load server config")
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.TrimSpace(raw.Transport)
	}
	if meta.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		if cfg.LogLevel, err = ParseLogLevel(raw.LogLevel); err != nil {
			return ServerConfig{}, err
		}
	}
	if meta.IsDefined("heartbeat") {
		if cfg.Heartbeat, err = parseDuration("heartbeat", raw.Heartbeat); err != nil {
			return ServerConfig{}, err
		}
	}
	if meta.IsDefined("max_payload_size") {
		cfg.MaxPayloadSize = raw.MaxPayloadSize
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadClient reads path over the defaults. An empty path returns the defaults.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		return cfg, nil
	}

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, errors.Wrap(err, "load client config")
	}

	if meta.IsDefined("server") {
		cfg.Server = strings.TrimSpace(raw.Server)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.TrimSpace(raw.Transport)
	}
	if meta.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("username") {
		cfg.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("log_level") {
		if cfg.LogLevel, err = ParseLogLevel(raw.LogLevel); err != nil {
			return ClientConfig{}, err
		}
	}
	if meta.IsDefined("heartbeat") {
		if cfg.Heartbeat, err = parseDuration("heartbeat", raw.Heartbeat); err != nil {
			return ClientConfig{}, err
		}
	}
	if meta.IsDefined("max_payload_size") {
		cfg.MaxPayloadSize = raw.MaxPayloadSize
	}

	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.Heartbeat < 0 {
		return errors.Errorf("heartbeat must not be negative, got %s", c.Heartbeat)
	}
	return validateTransport(c.Transport)
}

// Validate reports the first invalid setting.
func (c ClientConfig) Validate() error {
	if c.Server == "" {
		return errors.New("server is required")
	}
	if c.Heartbeat < 0 {
		return errors.Errorf("heartbeat must not be negative, got %s", c.Heartbeat)
	}
	return validateTransport(c.Transport)
}

// ParseLogLevel accepts the slog level names, case-insensitively.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, errors.Wrapf(err, "parse log_level %q", s)
	}
	return level, nil
}

func validateTransport(transport string) error {
	switch transport {
	case TransportTCP, TransportWebSocket:
		return nil
	default:
		return errors.Errorf("unknown transport %q, want %q or %q", transport, TransportTCP, TransportWebSocket)
	}
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return d, nil
}
