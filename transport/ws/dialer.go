package ws

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gobwas/ws"
)

// Dialer is a dispatch.Dialer opening WebSocket connections.
type Dialer struct {
	// Path is the request path, "/" when empty.
	Path string
	// Timeout bounds connecting and the upgrade. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// DialContext connects to address ("host:port") and performs the upgrade.
// Only the "tcp" family is supported.
func (d Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("ws: unsupported network %q", network)
	}

	path := d.Path
	if path == "" {
		path = "/"
	}

	dialer := ws.Dialer{Timeout: d.Timeout}
	raw, br, _, err := dialer.Dial(ctx, "ws://"+address+path)
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := raw.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	// br holds bytes the server sent right after its handshake response
	if br != nil {
		return newConn(raw, ws.StateClientSide, br, nil), nil
	}
	return newConn(raw, ws.StateClientSide, nil, nil), nil
}
