// Package metrics holds the Prometheus collectors shared by tabsync components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tabsync"

// Registry is the process-wide registry every collector below is registered with.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// BusMessages counts cross-tab messages by direction ("out", "in", "dropped") and type.
	BusMessages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "messages_total",
		Help:      "Cross-tab bus messages by direction and type.",
	}, []string{"direction", "type"})

	// StorageErrors counts durable store failures by operation.
	StorageErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Durable store failures by operation.",
	}, []string{"op"})

	// SessionEvents counts session transitions ("login", "logout", "refresh", "remote_login", ...).
	SessionEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "events_total",
		Help:      "Session state machine transitions by event.",
	}, []string{"event"})

	// RefreshCycles counts background refresh checks by result
	// ("refreshed", "partial", "fresh", "hidden", "discarded").
	RefreshCycles = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refresh",
		Name:      "cycles_total",
		Help:      "Background refresh checks by result.",
	}, []string{"result"})

	// FetchErrors counts failed monitoring fetches by collection.
	FetchErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitoring",
		Name:      "fetch_errors_total",
		Help:      "Failed monitoring fetches by collection.",
	}, []string{"collection"})

	// RelayConnections is the number of tabs connected to the relay.
	RelayConnections = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "connections",
		Help:      "Websocket connections currently held by the relay.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
