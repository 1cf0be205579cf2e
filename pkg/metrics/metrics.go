// Package metrics provides Prometheus metrics for supervised processes and
// their proxies.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xrun"

var (
	processStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "starts_total",
		Help:      "Processes spawned",
	}, []string{"project"})

	processExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "exits_total",
		Help:      "Process exits, split by whether a stop was in progress",
	}, []string{"project", "expected"})

	processRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "restarts_total",
		Help:      "Restarts requested by triggers, operators or crash recovery",
	}, []string{"project", "reason"})

	processState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "state",
		Help:      "1 for the current lifecycle state of the project process, 0 otherwise",
	}, []string{"project", "state"})

	proxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "http_requests_total",
		Help:      "Proxied HTTP requests by upstream status class",
	}, []string{"project", "code"})

	proxyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "errors_total",
		Help:      "Proxy failures by kind",
	}, []string{"project", "kind"})

	websocketConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "websocket_connections",
		Help:      "Live proxied WebSocket connection pairs",
	}, []string{"project"})

	websocketMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "websocket_messages_total",
		Help:      "Relayed WebSocket messages by origin",
	}, []string{"project", "from"})
)

// ProcessStarted records a spawned process.
func ProcessStarted(project string) {
	processStarts.WithLabelValues(project).Inc()
}

// ProcessExited records a process exit.
func ProcessExited(project string, expected bool) {
	processExits.WithLabelValues(project, strconv.FormatBool(expected)).Inc()
}

// ProcessRestarted records a restart and its reason.
func ProcessRestarted(project, reason string) {
	processRestarts.WithLabelValues(project, reason).Inc()
}

// SetProcessState marks state as current for project and clears the others.
func SetProcessState(project, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}

		processState.WithLabelValues(project, s).Set(v)
	}
}

// HTTPRequest records a proxied request by status class ("2xx", "5xx", ...).
func HTTPRequest(project string, status int) {
	proxyRequests.WithLabelValues(project, strconv.Itoa(status/100)+"xx").Inc()
}

// ProxyError records a proxy failure such as "before_request" or "read_timeout".
func ProxyError(project, kind string) {
	proxyErrors.WithLabelValues(project, kind).Inc()
}

// WebsocketOpened increments the live WebSocket pair gauge.
func WebsocketOpened(project string) {
	websocketConnections.WithLabelValues(project).Inc()
}

// WebsocketClosed decrements the live WebSocket pair gauge.
func WebsocketClosed(project string) {
	websocketConnections.WithLabelValues(project).Dec()
}

// WebsocketMessage records a relayed message.
func WebsocketMessage(project, from string) {
	websocketMessages.WithLabelValues(project, from).Inc()
}
