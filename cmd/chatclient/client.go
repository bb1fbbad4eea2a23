package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/Zereker/dispatch"
	"github.com/Zereker/dispatch/chat"
	"github.com/Zereker/dispatch/internal/config"
	"github.com/Zereker/dispatch/transport/ws"
)

// Console commands.
const (
	cmdExit     = "exit"
	cmdUsername = "username"
)

// console serializes terminal output between the input loop and handlers.
type console struct {
	mu  sync.Mutex
	out io.Writer

	lines <-chan string
}

func newConsole(in io.Reader, out io.Writer) *console {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return &console{out: out, lines: lines}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// readLine returns the next input line, or false once input ended or ctx is done.
func (c *console) readLine(ctx context.Context) (string, bool) {
	select {
	case line, ok := <-c.lines:
		return strings.TrimSpace(line), ok
	case <-ctx.Done():
		return "", false
	}
}

// promptUsername asks until the input is a valid username.
func (c *console) promptUsername(ctx context.Context) (string, bool) {
	for {
		c.printf("Set username: ")
		line, ok := c.readLine(ctx)
		if !ok {
			return "", false
		}

		username, err := chat.ParseUsername([]byte(line))
		if err == nil {
			return username, true
		}
		if !errors.Is(err, chat.ErrEmptyUsername) {
			c.printf("%v\n", err)
		}
	}
}

// run connects to the server and chats until the user exits, input ends,
// ctx is canceled or the server goes away.
func run(ctx context.Context, cfg config.ClientConfig, in io.Reader, out, logOut io.Writer) error {
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.LogLevel}))
	term := newConsole(in, out)

	opts := []dispatch.Option{
		dispatch.LoggerOption(logger),
		dispatch.HeartbeatOption(cfg.Heartbeat),
		dispatch.MaxPayloadSizeOption(cfg.MaxPayloadSize),
	}
	if cfg.Transport == config.TransportWebSocket {
		opts = append(opts, dispatch.DialerOption(ws.Dialer{Path: cfg.WSPath}))
	}

	client := dispatch.NewClient(opts...)
	client.MustHandle(chat.HandlerMessage, func(ctx context.Context, msg dispatch.Message) error {
		m, err := chat.DecodeMessage(msg.Payload)
		if err != nil {
			return err
		}
		term.printf("%s said: %s\n", m.Username, m.Content)
		return nil
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	client.OnDisconnect(func(reason error) {
		term.printf("Disconnected from server: %v\n", reason)
		cancel()
	})

	if err := client.Connect(ctx, cfg.Server); err != nil {
		return errors.Wrap(err, "connect")
	}
	defer client.Disconnect()

	username := cfg.Username
	if username == "" {
		var ok bool
		if username, ok = term.promptUsername(ctx); !ok {
			return nil
		}
	}
	if err := client.Send(ctx, chat.HandlerSetUsername, []byte(username)); err != nil {
		return errors.Wrap(err, "set username")
	}

	for {
		line, ok := term.readLine(ctx)
		if !ok {
			return nil
		}

		switch {
		case line == "":
			continue
		case strings.EqualFold(line, cmdExit):
			return nil
		case strings.EqualFold(line, cmdUsername):
			if username, ok = term.promptUsername(ctx); !ok {
				return nil
			}
			if err := client.Send(ctx, chat.HandlerSetUsername, []byte(username)); err != nil {
				return errors.Wrap(err, "set username")
			}
			continue
		}

		if err := client.Send(ctx, chat.HandlerMessage, []byte(line)); err != nil {
			if errors.Is(err, dispatch.ErrNotConnected) || errors.Is(err, dispatch.ErrConnectionClosed) {
				return nil
			}
			return errors.Wrap(err, "send")
		}
	}
}
