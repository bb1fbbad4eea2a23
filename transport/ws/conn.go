// Package ws carries dispatch frames over WebSocket. Listen and Dialer plug
// into dispatch.ListenOption and dispatch.DialerOption; the connections they
// produce are plain byte streams, so sessions run over them unchanged.
//
// Each Write becomes one binary message. Reads ignore message boundaries and
// answer ping and close control frames as they arrive.
package ws

import (
	stderrors "errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
)

// closeTimeout bounds the close frame written by Close.
const closeTimeout = time.Second

// errPeerClosed ends the stream once the peer sent a close frame, whether or
// not our reply made it out.
var errPeerClosed = stderrors.New("websocket closed by peer")

// Conn is a WebSocket connection seen as a byte stream.
type Conn struct {
	net.Conn

	state ws.State

	handshakeOnce sync.Once
	handshakeErr  error
	handshake     func() error // server side upgrade, nil on the client side
	upgraded      atomic.Bool

	readMu    sync.Mutex
	reader    *wsutil.Reader
	control   wsutil.FrameHandlerFunc
	inMessage bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ net.Conn = (*Conn)(nil)

func newConn(raw net.Conn, state ws.State, src io.Reader, handshake func() error) *Conn {
	if src == nil {
		src = raw
	}

	c := &Conn{
		Conn:      raw,
		state:     state,
		handshake: handshake,
	}
	c.upgraded.Store(handshake == nil)
	c.control = wsutil.ControlFrameHandler(lockedWriter{c}, state)
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          state,
		OnIntermediate: c.onControl,
	}
	return c
}

// Read reads payload bytes of incoming data messages.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := c.upgrade(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		if c.inMessage {
			n, err := c.reader.Read(p)
			if err == io.EOF {
				c.inMessage = false
				err = nil
			}
			if n > 0 || err != nil {
				return n, readError(err)
			}
			continue
		}

		hdr, err := c.reader.NextFrame()
		if err != nil {
			return 0, readError(err)
		}

		if hdr.OpCode.IsControl() {
			if err := c.onControl(hdr, c.reader); err != nil {
				return 0, readError(err)
			}
			continue
		}

		if hdr.OpCode&(ws.OpBinary|ws.OpText) == 0 {
			if err := c.reader.Discard(); err != nil {
				return 0, readError(err)
			}
			continue
		}
		c.inMessage = true
	}
}

// Write sends p as one binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.upgrade(); err != nil {
		return 0, err
	}
	if err := wsutil.WriteMessage(c.Conn, c.state, ws.OpBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal closure frame when the connection is idle and closes
// the underlying connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.writeMu.TryLock() {
			if c.upgraded.Load() {
				_ = c.Conn.SetWriteDeadline(time.Now().Add(closeTimeout))
				body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
				_ = wsutil.WriteMessage(c.Conn, c.state, ws.OpClose, body)
			}
			c.writeMu.Unlock()
		}
		err = c.Conn.Close()
	})
	return err
}

// onControl answers a control frame. The reply to a close frame is best
// effort: the peer may already have hung up, and the stream ends either way.
func (c *Conn) onControl(hdr ws.Header, r io.Reader) error {
	err := c.control(hdr, r)
	if hdr.OpCode == ws.OpClose {
		return errPeerClosed
	}
	return err
}

// upgrade runs the server side handshake once, before the first read or write.
func (c *Conn) upgrade() error {
	c.handshakeOnce.Do(func() {
		if c.handshake == nil {
			return
		}
		c.handshakeErr = c.handshake()
		c.upgraded.Store(c.handshakeErr == nil)
	})
	return c.handshakeErr
}

// readError turns a close handshake into a clean end of stream.
func readError(err error) error {
	var closed wsutil.ClosedError
	if errors.Is(err, errPeerClosed) || errors.As(err, &closed) {
		return io.EOF
	}
	return err
}

// lockedWriter serializes control frame replies with Write.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.Conn.Write(p)
}
