// Package metrics defines the server's Prometheus instrumentation,
// following the registration style used throughout client/doublezerod
// (promauto.NewCounterVec/NewGaugeVec against package-level vars).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/VlastikK/libhwio/wire"
)

const (
	labelCommand = "command"
	labelError   = "error"
)

var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hwio_server_connections_accepted_total",
		Help: "Total number of accepted client connections.",
	})

	ConnectionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hwio_server_connections_closed_total",
		Help: "Total number of client connections torn down.",
	})

	ClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hwio_server_clients_active",
		Help: "Number of currently connected clients.",
	})

	DevicesOwned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hwio_server_devices_owned",
		Help: "Number of devices currently owned by some client.",
	})

	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwio_server_commands_dispatched_total",
		Help: "Total number of requests dispatched, by command.",
	}, []string{labelCommand})

	ErrorsReplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwio_server_errors_replied_total",
		Help: "Total number of ERROR_MSG replies sent, by error code.",
	}, []string{labelError})
)

// ObserveCommand increments the per-command dispatch counter.
func ObserveCommand(cmd wire.Command) {
	CommandsDispatched.WithLabelValues(cmd.String()).Inc()
}

// ObserveError increments the per-error-code reply counter.
func ObserveError(code wire.ErrCode) {
	ErrorsReplied.WithLabelValues(code.String()).Inc()
}
