package ws

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
)

// DefaultHandshakeTimeout bounds the HTTP upgrade of an accepted connection.
const DefaultHandshakeTimeout = 5 * time.Second

// ListenConfig configures the server side of the transport.
type ListenConfig struct {
	// Path restricts upgrades to one request path. Empty accepts any path.
	Path string
	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

// Listen is a dispatch.ListenFunc accepting WebSocket connections on any path.
func Listen(ctx context.Context, network, address string) (net.Listener, error) {
	return ListenConfig{}.Listen(ctx, network, address)
}

// Listen announces on the local address. Accept returns as soon as the TCP
// connection is established; the upgrade runs on the connection's first read
// or write, so a slow client never holds up the accept loop.
func (lc ListenConfig) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	var tcp net.ListenConfig
	inner, err := tcp.Listen(ctx, network, address)
	if err != nil {
		return nil, err
	}

	timeout := lc.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	return &listener{Listener: inner, path: lc.Path, timeout: timeout}, nil
}

type listener struct {
	net.Listener

	path    string
	timeout time.Duration
}

func (l *listener) Accept() (net.Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := raw.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	return newConn(raw, ws.StateServerSide, nil, func() error {
		return l.upgrade(raw)
	}), nil
}

func (l *listener) upgrade(raw net.Conn) error {
	_ = raw.SetDeadline(time.Now().Add(l.timeout))
	defer raw.SetDeadline(time.Time{})

	upgrader := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			if l.path != "" && pathOf(uri) != l.path {
				return ws.RejectConnectionError(
					ws.RejectionStatus(http.StatusNotFound),
					ws.RejectionReason("unknown path"),
				)
			}
			return nil
		},
	}

	_, err := upgrader.Upgrade(raw)
	return err
}

// pathOf strips the query from a request URI.
func pathOf(uri []byte) string {
	for i, b := range uri {
		if b == '?' {
			return string(uri[:i])
		}
	}
	return string(uri)
}
