package dispatch

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	roleClient = "client"
	roleServer = "server"
)

// unknownHandlerLabel stands in for every inbound id without a handler, so a
// peer cannot create one series per id it sends.
const unknownHandlerLabel = "unknown"

// Metrics holds the Prometheus collectors of an endpoint. A nil *Metrics
// records nothing, so endpoints without MetricsOption pay no cost.
type Metrics struct {
	activeSessions  *prometheus.GaugeVec
	sessionsClosed  *prometheus.CounterVec
	framesReceived  *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	unknownHandlers *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
}

// NewMetrics creates the collectors under namespace and registers them with
// reg. A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "dispatch"
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of running sessions",
		}, []string{"role"}),

		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions ended, by terminal reason",
		}, []string{"role", "reason"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from peers, by handler id; unregistered ids share the \"unknown\" label",
		}, []string{"role", "handler"}),

		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to peers, by handler id",
		}, []string{"role", "handler"}),

		unknownHandlers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_handler_total",
			Help:      "Frames received for an unregistered handler id",
		}, []string{"role"}),

		handlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handler invocations that returned an error",
		}, []string{"role", "handler"}),
	}
}

func (m *Metrics) sessionOpened(role string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(role).Inc()
}

func (m *Metrics) sessionClosed(role string, reason error) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(role).Dec()
	m.sessionsClosed.WithLabelValues(role, closeReason(reason)).Inc()
}

func (m *Metrics) frameReceived(role string, id HandlerID, reg *Registry) {
	if m == nil {
		return
	}
	label := unknownHandlerLabel
	if id == PingHandlerID {
		label = id.String()
	} else if _, ok := reg.Lookup(id); ok {
		label = id.String()
	}
	m.framesReceived.WithLabelValues(role, label).Inc()
}

func (m *Metrics) frameSent(role string, id HandlerID) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(role, id.String()).Inc()
}

func (m *Metrics) unknownHandler(role string) {
	if m == nil {
		return
	}
	m.unknownHandlers.WithLabelValues(role).Inc()
}

func (m *Metrics) handlerError(role string, id HandlerID) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(role, id.String()).Inc()
}

// closeReason maps a terminal session error to a bounded label value.
func closeReason(err error) string {
	var transportErr *TransportError
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrPayloadTooLarge):
		return "oversize"
	case errors.As(err, &transportErr):
		return "transport"
	default:
		return "handler"
	}
}
