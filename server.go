package dispatch

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Accept retry delays after a failed Accept that was not a shutdown.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Server listens for inbound connections and runs one session per client.
// Every accepted connection gets a client id that is never reused for the
// lifetime of the Server value, even across Stop and Start.
type Server struct {
	address  string
	registry *Registry
	opts     options
	logger   Logger

	mu       sync.Mutex // serializes Start and Stop
	running  atomic.Bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	listener net.Listener

	addrMu sync.RWMutex
	addr   net.Addr

	nextID atomic.Int64

	clientsMu sync.RWMutex
	clients   map[int]*Conn
}

// NewServer creates a server for address ("host:port"; port 0 picks a free
// port). It does not listen until Start.
func NewServer(address string, opt ...Option) *Server {
	opts := newOptions(opt)
	return &Server{
		address:  address,
		registry: NewRegistry(),
		opts:     opts,
		logger:   opts.logger,
		clients:  make(map[int]*Conn),
	}
}

// Registry returns the handler registry shared by all sessions.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handle registers fn for messages tagged id. See Registry.Register.
func (s *Server) Handle(id HandlerID, fn HandlerFunc) error {
	return s.registry.Register(id, fn)
}

// MustHandle is like Handle but panics on error.
func (s *Server) MustHandle(id HandlerID, fn HandlerFunc) {
	s.registry.MustRegister(id, fn)
}

// Start binds the listener and starts accepting connections in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return ErrServerRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	listener, err := s.opts.listen(ctx, "tcp", s.address)
	if err != nil {
		cancel()
		return &TransportError{Op: "listen", Err: err}
	}

	s.cancel = cancel
	s.listener = listener
	s.group = &errgroup.Group{}

	s.addrMu.Lock()
	s.addr = listener.Addr()
	s.addrMu.Unlock()

	group := s.group
	group.Go(func() error {
		s.acceptLoop(ctx, listener, group)
		return nil
	})

	s.running.Store(true)
	s.logger.Info("server started", "addr", listener.Addr())
	return nil
}

// Stop cancels the accept loop and every session, closes the listener and
// waits until all of them have finished. It is idempotent and a no-op before
// Start. The returned error comes from closing the listener and is not fatal.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return nil
	}

	s.cancel()
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	s.logger.Debug("waiting for sessions to finish", "clients", s.clientCount())
	_ = s.group.Wait()

	s.running.Store(false)
	s.logger.Info("server stopped", "addr", s.Addr())
	return err
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the listener's network address, nil before the first Start.
func (s *Server) Addr() net.Addr {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

// Clients returns the ids of the connected clients in ascending order. The
// snapshot may be stale as soon as it is returned.
func (s *Server) Clients() []int {
	s.clientsMu.RLock()
	ids := make([]int, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	sort.Ints(ids)
	return ids
}

// Send writes one frame to a client. A client that is not (or no longer)
// connected is silently skipped.
func (s *Server) Send(ctx context.Context, clientID int, id HandlerID, payload []byte) error {
	conn := s.client(clientID)
	if conn == nil {
		return nil
	}

	err := conn.Send(ctx, id, payload)
	if errors.Is(err, ErrConnectionClosed) {
		// raced a disconnect
		return nil
	}
	return err
}

// SendMany sends the same frame to each client independently. A failure for
// one client does not stop the others; all failures are returned joined.
func (s *Server) SendMany(ctx context.Context, clientIDs []int, id HandlerID, payload []byte) error {
	var errs []error
	for _, clientID := range clientIDs {
		if err := s.Send(ctx, clientID, id, payload); err != nil {
			errs = append(errs, errors.WithMessagef(err, "client %d", clientID))
		}
	}
	return joinErrors(errs)
}

// Broadcast sends the same frame to every connected client except the listed ones.
func (s *Server) Broadcast(ctx context.Context, id HandlerID, payload []byte, except ...int) error {
	skip := make(map[int]struct{}, len(except))
	for _, clientID := range except {
		skip[clientID] = struct{}{}
	}

	targets := make([]int, 0)
	for _, clientID := range s.Clients() {
		if _, ok := skip[clientID]; !ok {
			targets = append(targets, clientID)
		}
	}
	return s.SendMany(ctx, targets, id, payload)
}

// Kick closes one client's session. An unknown id is a no-op.
func (s *Server) Kick(clientID int) error {
	conn := s.client(clientID)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// acceptLoop accepts connections until ctx is canceled. Accept failures that
// are not a shutdown are retried after a growing delay.
func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, group *errgroup.Group) {
	var delay time.Duration

	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("accept loop stopped", "addr", listener.Addr())
				return
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Warn("accept error", "error", err, "retry_in", delay)

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		delay = 0

		if tcpConn, ok := raw.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		clientID := int(s.nextID.Add(1))
		conn := newConn(raw, clientID, roleServer, s.registry, s.opts, s.sessionClosed)
		s.addClient(clientID, conn)
		s.logger.Info("client connected", "client_id", clientID, "remote_addr", raw.RemoteAddr())

		if s.opts.onConnect != nil {
			s.opts.onConnect(clientID)
		}

		group.Go(func() error {
			_ = conn.Run(ctx)
			return nil
		})
	}
}

// sessionClosed runs on a session's loop goroutine once it has ended.
func (s *Server) sessionClosed(conn *Conn, reason error) {
	s.removeClient(conn)
	s.logger.Info("client disconnected", "client_id", conn.ID(), "reason", reason)

	if s.opts.onDisconnect != nil {
		s.opts.onDisconnect(conn.ID(), reason)
	}
}

func (s *Server) addClient(clientID int, conn *Conn) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[clientID] = conn
}

func (s *Server) removeClient(conn *Conn) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if s.clients[conn.ID()] == conn {
		delete(s.clients, conn.ID())
	}
}

func (s *Server) client(clientID int) *Conn {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return s.clients[clientID]
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
