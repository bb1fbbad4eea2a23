package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Zereker/dispatch"
	"github.com/Zereker/dispatch/chat"
	"github.com/Zereker/dispatch/internal/config"
)

// syncBuffer is a bytes.Buffer safe for concurrent handlers and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startChatServer runs a room and returns its address and an observer inbox.
func startChatServer(t *testing.T) (*dispatch.Server, <-chan chat.Message) {
	t.Helper()

	var room *chat.Room
	server := dispatch.NewServer("127.0.0.1:0",
		dispatch.LoggerOption(dispatch.NopLogger()),
		dispatch.OnDisconnectOption(func(clientID int, reason error) {
			room.Leave(clientID, reason)
		}),
	)
	room = chat.NewRoom(server, nil)
	if err := room.Register(server.Registry()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	inbox := make(chan chat.Message, 8)
	observer := dispatch.NewClient(dispatch.LoggerOption(dispatch.NopLogger()))
	observer.MustHandle(chat.HandlerMessage, func(ctx context.Context, msg dispatch.Message) error {
		m, err := chat.DecodeMessage(msg.Payload)
		if err != nil {
			return err
		}
		inbox <- m
		return nil
	})
	if err := observer.Connect(context.Background(), server.Addr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { observer.Disconnect() })

	return server, inbox
}

func testConfig(server *dispatch.Server) config.ClientConfig {
	cfg := config.DefaultClientConfig()
	cfg.Server = server.Addr().String()
	return cfg
}

func expectMessage(t *testing.T, inbox <-chan chat.Message, want chat.Message) {
	t.Helper()

	select {
	case got := <-inbox:
		if got != want {
			t.Errorf("observer received %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %+v", want)
	}
}

func TestRun_Conversation(t *testing.T) {
	server, inbox := startChatServer(t)

	in := strings.NewReader("\n  \nalice\nHello, world\n\nusername\nbob\nsecond\nEXIT\nnever sent\n")
	var out syncBuffer

	if err := run(context.Background(), testConfig(server), in, &out, io.Discard); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectMessage(t, inbox, chat.Message{Username: "alice", Content: "Hello, world"})
	expectMessage(t, inbox, chat.Message{Username: "bob", Content: "second"})

	select {
	case m := <-inbox:
		t.Errorf("unexpected message %+v", m)
	case <-time.After(100 * time.Millisecond):
	}

	if n := strings.Count(out.String(), "Set username: "); n != 4 {
		t.Errorf("prompted %d times, want 4:\n%s", n, out.String())
	}
}

func TestRun_UsernameFromConfig(t *testing.T) {
	server, inbox := startChatServer(t)

	cfg := testConfig(server)
	cfg.Username = "carol"
	var out syncBuffer

	if err := run(context.Background(), cfg, strings.NewReader("hi\n"), &out, io.Discard); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectMessage(t, inbox, chat.Message{Username: "carol", Content: "hi"})
	if strings.Contains(out.String(), "Set username") {
		t.Error("prompted although the username was configured")
	}
}

func TestRun_PrintsRelayedMessages(t *testing.T) {
	server, _ := startChatServer(t)

	cfg := testConfig(server)
	cfg.Username = "dave"
	inR, inW := io.Pipe()
	defer inW.Close()
	var out syncBuffer

	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), cfg, inR, &out, io.Discard)
	}()

	// wait for dave's session, then speak as the server
	deadline := time.Now().Add(5 * time.Second)
	for len(server.Clients()) != 2 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for the client")
		}
		time.Sleep(5 * time.Millisecond)
	}
	payload := chat.Message{Username: "eve", Content: "welcome"}.Encode()
	server.Broadcast(context.Background(), chat.HandlerMessage, payload)

	deadline = time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "eve said: welcome") {
		if time.Now().After(deadline) {
			t.Fatalf("relayed message not printed:\n%s", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// the server going away ends the session
	server.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after the server stopped")
	}
	if !strings.Contains(out.String(), "Disconnected from server") {
		t.Errorf("disconnect not reported:\n%s", out.String())
	}
}

func TestRun_ConnectFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	cfg := config.DefaultClientConfig()
	cfg.Server = addr

	if err := run(context.Background(), cfg, strings.NewReader(""), io.Discard, io.Discard); err == nil {
		t.Fatal("expected a connect error")
	}
}
