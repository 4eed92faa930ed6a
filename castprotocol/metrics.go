package castprotocol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "castremote",
		Name:      "messages_sent_total",
		Help:      "Cast messages written to device connections",
	}, []string{"namespace"})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "castremote",
		Name:      "messages_received_total",
		Help:      "Cast messages received from device connections, by delivery result",
	}, []string{"namespace", "result"})

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "castremote",
		Name:      "commands_total",
		Help:      "Control commands issued to sessions",
	}, []string{"command", "result"})

	connectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "castremote",
		Name:      "connected_sessions",
		Help:      "Sessions currently holding a device connection",
	})
)

func observeCommand(command string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	commandsTotal.WithLabelValues(command, result).Inc()
}
