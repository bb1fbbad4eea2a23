package dispatch

import (
	"context"
	"net"
	"time"
)

// ErrorAction defines the action to take when a handler fails.
type ErrorAction int

const (
	// Disconnect closes the session.
	Disconnect ErrorAction = iota
	// Continue logs the error and reads the next frame.
	Continue
)

// Dialer opens the outbound stream of a Client. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ListenFunc opens the listener of a Server.
type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

// options holds the configuration shared by Client and Server.
type options struct {
	logger  Logger
	metrics *Metrics

	maxPayloadSize int
	heartbeat      time.Duration // ping interval; reads time out after heartbeat * 2

	// onHandlerError decides whether a failing handler ends its session.
	onHandlerError func(HandlerID, error) ErrorAction

	dialer Dialer     // client only
	listen ListenFunc // server only

	onConnect    func(clientID int)               // server only
	onDisconnect func(clientID int, reason error) // server only
}

// Option configures a Client or a Server. Options that only make sense for
// one role are ignored by the other.
type Option func(*options)

func newOptions(opt []Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// checkOptions fills in default values.
func checkOptions(opts *options) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.maxPayloadSize <= 0 {
		opts.maxPayloadSize = DefaultMaxPayloadSize
	}

	if opts.heartbeat < 0 {
		opts.heartbeat = 0
	}

	if opts.onHandlerError == nil {
		opts.onHandlerError = func(HandlerID, error) ErrorAction { return Continue }
	}

	if opts.dialer == nil {
		opts.dialer = &net.Dialer{}
	}

	if opts.listen == nil {
		opts.listen = func(ctx context.Context, network, address string) (net.Listener, error) {
			var lc net.ListenConfig
			return lc.Listen(ctx, network, address)
		}
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption enables Prometheus instrumentation of sessions and frames.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// MaxPayloadSizeOption bounds the payload size of frames in both directions.
// An inbound frame announcing more closes the session.
func MaxPayloadSizeOption(size int) Option {
	return func(o *options) {
		o.maxPayloadSize = size
	}
}

// HeartbeatOption enables the id 0 liveness ping: a ping is sent every
// interval and a session that hears nothing for two intervals is closed.
// Zero, the default, disables it.
func HeartbeatOption(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeat = interval
	}
}

// OnHandlerErrorOption sets the policy applied when a handler returns an
// error. The default logs the error and continues with the next frame.
func OnHandlerErrorOption(cb func(HandlerID, error) ErrorAction) Option {
	return func(o *options) {
		o.onHandlerError = cb
	}
}

// DialerOption sets how a Client opens its stream.
func DialerOption(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// ListenOption sets how a Server opens its listener.
func ListenOption(fn ListenFunc) Option {
	return func(o *options) {
		o.listen = fn
	}
}

// OnConnectOption sets a hook run by a Server after a client is registered.
// It runs on the accept loop, before the client's session starts: it delays
// further accepts while it runs and must not call Server.Stop, which waits
// for that loop. Send and Kick are safe from it.
func OnConnectOption(cb func(clientID int)) Option {
	return func(o *options) {
		o.onConnect = cb
	}
}

// OnDisconnectOption sets a hook run by a Server after a client's session
// ended and the client was removed. It runs on that session's loop, which
// Server.Stop waits for, so it must not call Stop.
func OnDisconnectOption(cb func(clientID int, reason error)) Option {
	return func(o *options) {
		o.onDisconnect = cb
	}
}
