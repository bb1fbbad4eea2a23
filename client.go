package dispatch

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

// Client is the outbound endpoint: one connection to a Server, a private
// handler registry and a disconnect notification.
type Client struct {
	registry *Registry
	opts     options
	logger   Logger

	connectMu sync.Mutex
	current   atomic.Pointer[Conn]
	last      atomic.Pointer[Conn] // most recent connection, live or not

	observersMu sync.Mutex
	observers   []func(reason error)
}

// NewClient creates a client. It is not connected until Connect succeeds.
func NewClient(opt ...Option) *Client {
	opts := newOptions(opt)
	return &Client{
		registry: NewRegistry(),
		opts:     opts,
		logger:   opts.logger,
	}
}

// Registry returns the client's handler registry.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Handle registers fn for messages tagged id. See Registry.Register.
func (c *Client) Handle(id HandlerID, fn HandlerFunc) error {
	return c.registry.Register(id, fn)
}

// MustHandle is like Handle but panics on error.
func (c *Client) MustHandle(id HandlerID, fn HandlerFunc) {
	c.registry.MustRegister(id, fn)
}

// OnDisconnect registers an observer run when the connection ends for any
// reason other than a call to Disconnect. It runs at most once per
// connection, after the receive loop has finished and the client is marked
// as not running; calling Disconnect or Connect from it is safe.
func (c *Client) OnDisconnect(fn func(reason error)) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	c.observers = append(c.observers, fn)
}

// Connect dials address ("host:port") and starts the receive loop. A failed
// dial is reported once and leaves the client not running; there is no retry.
func (c *Client) Connect(ctx context.Context, address string) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.current.Load() != nil {
		return ErrAlreadyConnected
	}

	raw, err := c.opts.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		c.logger.Error("could not connect", "addr", address, "error", err)
		return &TransportError{Op: "dial", Err: err}
	}

	var lost bool
	conn := newConn(raw, 0, roleClient, c.registry, c.opts, func(conn *Conn, reason error) {
		lost = c.current.CompareAndSwap(conn, nil)
	})
	c.current.Store(conn)
	c.last.Store(conn)

	go func() {
		reason := conn.Run(context.Background())
		if lost {
			c.notifyDisconnect(reason)
		}
	}()

	c.logger.Info("connected", "addr", raw.RemoteAddr())
	return nil
}

// IsRunning reports whether the client has a live connection.
func (c *Client) IsRunning() bool {
	return c.current.Load() != nil
}

// RemoteAddr returns the server address, or nil when not connected.
func (c *Client) RemoteAddr() net.Addr {
	if conn := c.current.Load(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

// Send writes one frame to the server.
func (c *Client) Send(ctx context.Context, id HandlerID, payload []byte) error {
	conn := c.current.Load()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(ctx, id, payload)
}

// Disconnect closes the connection and waits for the receive loop to finish.
// It is idempotent. It must not be called from a handler, which runs on the
// loop it would wait for; return an error under the Disconnect policy instead.
func (c *Client) Disconnect() error {
	conn := c.current.Swap(nil)
	if conn == nil {
		// a session ending on its own still gets waited for
		if last := c.last.Load(); last != nil {
			<-last.Done()
		}
		return nil
	}

	err := conn.Close()
	<-conn.Done()

	c.logger.Info("disconnected", "addr", conn.RemoteAddr())
	return err
}

// notifyDisconnect runs the observers of a connection that ended on its own.
func (c *Client) notifyDisconnect(reason error) {
	c.observersMu.Lock()
	observers := make([]func(error), len(c.observers))
	copy(observers, c.observers)
	c.observersMu.Unlock()

	for _, fn := range observers {
		fn(reason)
	}
}
