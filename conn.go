// Package dispatch implements a bidirectional message-dispatch protocol over
// TCP. Either side sends length-delimited frames tagged with a numeric handler
// id; each endpoint routes incoming frames to the handler registered for that id.
//
// A Server accepts many clients, tags each with a client id that is never
// reused and runs one session per connection. A Client owns a single session.
// Frames of one connection are handled strictly in arrival order.
package dispatch

import (
	"bufio"
	"context"
	stderrors "errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle stage of a session.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errSessionStarted = stderrors.New("session already started")

// Conn is the session bound to one transport connection. It owns the stream,
// runs the receive loop that dispatches frames to the registry and serializes
// sends from any number of goroutines.
type Conn struct {
	id       int
	role     string
	rawConn  net.Conn
	reader   *bufio.Reader
	registry *Registry
	logger   Logger
	opts     options

	// onClose runs once after the stream is closed, before Done is closed.
	onClose func(c *Conn, reason error)

	writeMu sync.Mutex

	state        atomic.Int32
	closing      atomic.Bool
	awaitingPong atomic.Bool

	closeOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	err       error

	causeMu sync.Mutex
	cause   error // why the session aborted itself, if it did
}

func newConn(raw net.Conn, id int, role string, registry *Registry, opts options, onClose func(*Conn, error)) *Conn {
	return &Conn{
		id:       id,
		role:     role,
		rawConn:  raw,
		reader:   bufio.NewReader(raw),
		registry: registry,
		logger:   opts.logger,
		opts:     opts,
		onClose:  onClose,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the client id the server assigned to this session, 0 on the client side.
func (c *Conn) ID() int {
	return c.id
}

// RemoteAddr returns the remote address of the connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.rawConn.LocalAddr()
}

// State returns the current lifecycle stage.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Done is closed once the session has fully terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal reason after Done is closed, nil before.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Run starts the receive loop and blocks until the session ends: the context
// is canceled, Close is called, the peer hangs up, or a transport or framing
// error occurs. It returns the terminal reason, ErrCancelled for an
// owner-initiated shutdown. The stream is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return errSessionStarted
	}
	defer close(c.done)

	c.logger.Info("session started", "role", c.role, "client_id", c.id, "addr", c.RemoteAddr())
	c.opts.metrics.sessionOpened(c.role)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.watch(ctx, child)
	})

	if c.opts.heartbeat > 0 {
		group.Go(func() error {
			return c.heartbeatLoop(child)
		})
	}

	reason := group.Wait()
	if reason == nil || errors.Is(reason, ErrCancelled) {
		reason = ErrCancelled
		if cause := c.abortCause(); cause != nil {
			reason = cause
		}
	}

	c.state.Store(int32(StateDraining))
	_ = c.closeConn()
	c.err = reason

	if errors.Is(reason, ErrCancelled) {
		c.logger.Info("session closed", "role", c.role, "client_id", c.id, "addr", c.RemoteAddr())
	} else {
		c.logger.Warn("session closed with error", "role", c.role, "client_id", c.id, "addr", c.RemoteAddr(), "error", reason)
	}
	c.opts.metrics.sessionClosed(c.role, reason)

	if c.onClose != nil {
		c.onClose(c, reason)
	}
	c.state.Store(int32(StateClosed))

	return reason
}

// Close shuts the session down. It is safe to call multiple times and from
// any goroutine, including handlers. It does not wait for the loop to exit;
// use Done for that.
func (c *Conn) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return c.closeConn()
}

// Send writes one frame. Concurrent calls never interleave their bytes. The
// context bounds the write; a write that fails midway closes the session,
// since a partial frame cannot be recovered by the peer.
func (c *Conn) Send(ctx context.Context, id HandlerID, payload []byte) error {
	if id == PingHandlerID {
		return errors.WithMessagef(ErrReservedHandler, "id %d", id)
	}
	return c.send(ctx, id, payload)
}

// watch closes the stream when the session is told to stop, which unblocks a
// pending read.
func (c *Conn) watch(parent, ctx context.Context) error {
	select {
	case <-c.stop:
	case <-ctx.Done():
		if parent.Err() == nil {
			// a sibling loop failed; its error is the reason
			return nil
		}
	}

	_ = c.closeConn()
	return ErrCancelled
}

// readLoop reads frames and dispatches them one at a time, in arrival order.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		if c.opts.heartbeat > 0 {
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))
		}

		frame, err := ReadFrame(c.reader, c.opts.maxPayloadSize)
		if err != nil {
			if c.closing.Load() {
				return ErrCancelled
			}
			c.logger.Debug("read error", "role", c.role, "client_id", c.id, "error", err)
			return err
		}
		c.opts.metrics.frameReceived(c.role, frame.HandlerID, c.registry)

		if frame.HandlerID == PingHandlerID {
			if err := c.handlePing(ctx); err != nil {
				return err
			}
			continue
		}

		msg := Message{ClientID: c.id, HandlerID: frame.HandlerID, Payload: frame.Payload}
		if err := c.registry.Dispatch(ctx, msg); err != nil {
			if errors.Is(err, ErrUnknownHandler) {
				c.logger.Warn("no handler for message", "role", c.role, "client_id", c.id, "handler_id", frame.HandlerID)
				c.opts.metrics.unknownHandler(c.role)
				continue
			}

			c.logger.Error("handler failed", "role", c.role, "client_id", c.id, "handler_id", frame.HandlerID, "error", err)
			c.opts.metrics.handlerError(c.role, frame.HandlerID)
			if c.opts.onHandlerError(frame.HandlerID, err) == Disconnect {
				return errors.WithMessagef(err, "handler %d", frame.HandlerID)
			}
		}
	}
}

// handlePing answers a ping, or consumes the answer to our own ping.
func (c *Conn) handlePing(ctx context.Context) error {
	if c.awaitingPong.Swap(false) {
		c.logger.Debug("pong", "role", c.role, "client_id", c.id)
		return nil
	}

	if err := c.send(ctx, PingHandlerID, nil); err != nil {
		if c.closing.Load() {
			return ErrCancelled
		}
		return err
	}
	return nil
}

// heartbeatLoop sends a ping every heartbeat interval.
func (c *Conn) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.awaitingPong.Store(true)
			if err := c.send(ctx, PingHandlerID, nil); err != nil {
				if c.closing.Load() {
					return ErrCancelled
				}
				return err
			}
		}
	}
}

// send writes one frame under the write lock.
func (c *Conn) send(ctx context.Context, id HandlerID, payload []byte) error {
	if c.closing.Load() {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPayloadSize(uint64(len(payload)), c.opts.maxPayloadSize); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = c.rawConn.SetWriteDeadline(deadline)

	var err error
	if ctx.Done() == nil {
		err = WriteFrame(c.rawConn, id, payload, 0)
	} else {
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			_ = c.rawConn.SetWriteDeadline(time.Unix(1, 0))
			close(fired)
		})
		err = WriteFrame(c.rawConn, id, payload, 0)
		if !stop() {
			<-fired
			if err != nil {
				err = errors.WithMessage(ctx.Err(), "write")
			}
		}
	}

	if err != nil {
		if c.closing.Load() {
			return ErrConnectionClosed
		}
		if peerHungUp(err) {
			c.logger.Debug("peer gone, closing session", "role", c.role, "client_id", c.id, "handler_id", id, "error", err)
			err = errors.WithMessage(ErrConnectionClosed, "write")
		} else {
			c.logger.Warn("write failed, closing session", "role", c.role, "client_id", c.id, "handler_id", id, "error", err)
		}
		c.abort(err)
		return err
	}

	c.opts.metrics.frameSent(c.role, id)
	return nil
}

// abort closes the session on its own initiative and records why.
func (c *Conn) abort(err error) {
	c.causeMu.Lock()
	if c.cause == nil {
		c.cause = err
	}
	c.causeMu.Unlock()
	_ = c.Close()
}

func (c *Conn) abortCause() error {
	c.causeMu.Lock()
	defer c.causeMu.Unlock()
	return c.cause
}

// closeConn marks the session as closing and closes the stream exactly once.
func (c *Conn) closeConn() (err error) {
	c.closing.Store(true)
	c.closeOnce.Do(func() {
		err = c.rawConn.Close()
	})
	return err
}
