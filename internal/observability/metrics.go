package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	nodesConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "capturectl",
			Subsystem: "hub",
			Name:      "nodes_connected",
			Help:      "Nodes with a registered command channel.",
		},
	)
	nodesOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "capturectl",
			Subsystem: "hub",
			Name:      "nodes_online",
			Help:      "Connected nodes heard from within the liveness window.",
		},
	)
	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturectl",
			Subsystem: "heartbeat",
			Name:      "received_total",
			Help:      "Heartbeats received by the hub.",
		},
		[]string{"node", "accepted"},
	)
	clockOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "capturectl",
			Subsystem: "clock",
			Name:      "offset_seconds",
			Help:      "Last reported node clock offset against the hub.",
		},
		[]string{"node", "stale"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturectl",
			Subsystem: "channel",
			Name:      "commands_total",
			Help:      "Commands issued over command channels.",
		},
		[]string{"command", "status"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "capturectl",
			Subsystem: "channel",
			Name:      "command_duration_seconds",
			Help:      "Time from first send to ack, including resends.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturectl",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Hub session state transitions.",
		},
		[]string{"state"},
	)
	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturectl",
			Subsystem: "transfer",
			Name:      "archives_total",
			Help:      "Session archives received by the hub.",
		},
		[]string{"result"},
	)
	transferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "capturectl",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Bytes of accepted session archives.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests served by the metrics endpoint.",
		},
		[]string{"path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			nodesConnected,
			nodesOnline,
			heartbeats,
			clockOffset,
			commands,
			commandDuration,
			sessionTransitions,
			transfers,
			transferBytes,
			httpRequests,
		)
	})
}

func SetNodeCounts(connected, online int) {
	RegisterMetrics()
	nodesConnected.Set(float64(connected))
	nodesOnline.Set(float64(online))
}

func RecordHeartbeat(node string, accepted bool) {
	RegisterMetrics()
	label := "false"
	if accepted {
		label = "true"
	}
	heartbeats.WithLabelValues(node, label).Inc()
}

// RecordClockOffset keeps one series per node; the stale label flips rather
// than accumulating.
func RecordClockOffset(node string, offsetNS int64, stale bool) {
	RegisterMetrics()
	fresh, old := "false", "true"
	if stale {
		fresh, old = old, fresh
	}
	clockOffset.DeleteLabelValues(node, old)
	clockOffset.WithLabelValues(node, fresh).Set(time.Duration(offsetNS).Seconds())
}

func ForgetNode(node string) {
	RegisterMetrics()
	clockOffset.DeleteLabelValues(node, "false")
	clockOffset.DeleteLabelValues(node, "true")
}

func RecordCommand(command string, ok bool, duration time.Duration) {
	RegisterMetrics()
	status := "ok"
	if !ok {
		status = "error"
	}
	commands.WithLabelValues(command, status).Inc()
	commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func RecordSessionState(state string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(state).Inc()
}

func RecordTransfer(accepted bool, bytes int64) {
	RegisterMetrics()
	if !accepted {
		transfers.WithLabelValues("rejected").Inc()
		return
	}
	transfers.WithLabelValues("accepted").Inc()
	transferBytes.Add(float64(bytes))
}
