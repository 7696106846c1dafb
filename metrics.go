package clientagent

import (
	"github.com/otpgo/clientagent/caclient"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors for an [Agent] and its clients.
// Use [NewMetrics] to create and register them.
type Metrics struct {
	ConnectedClients  prometheus.Gauge
	AllocatedChannels prometheus.Gauge

	PendingOperations   prometheus.Gauge
	CompletedOperations prometheus.Counter
	VisibleObjects      prometheus.Gauge
	Disconnects         *prometheus.CounterVec
}

// NewMetrics creates the agent's collectors and registers them with reg.
// It panics if any collector is already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const ns = "clientagent"

	m := &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connected_clients",
			Help:      "Clients currently running.",
		}),
		AllocatedChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "allocated_channels",
			Help:      "Client channels currently allocated from the agent's range.",
		}),

		PendingOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pending_interest_operations",
			Help:      "Interest operations waiting for objects.",
		}),
		CompletedOperations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "completed_interest_operations_total",
			Help:      "Interest operations completed.",
		}),
		VisibleObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "visible_objects",
			Help:      "Objects visible, summed over all clients.",
		}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "disconnects_total",
			Help:      "Client disconnects by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.ConnectedClients,
		m.AllocatedChannels,
		m.PendingOperations,
		m.CompletedOperations,
		m.VisibleObjects,
		m.Disconnects,
	)

	return m
}

func (m *Metrics) clientMetrics() *caclient.Metrics {
	if m == nil {
		return nil
	}
	return &caclient.Metrics{
		PendingOperations:   m.PendingOperations,
		CompletedOperations: m.CompletedOperations,
		VisibleObjects:      m.VisibleObjects,
		Disconnects:         m.Disconnects,
	}
}

func (m *Metrics) clientStarted(allocated int) {
	if m == nil {
		return
	}
	m.ConnectedClients.Inc()
	m.AllocatedChannels.Set(float64(allocated))
}

func (m *Metrics) clientStopped(allocated int) {
	if m == nil {
		return
	}
	m.ConnectedClients.Dec()
	m.AllocatedChannels.Set(float64(allocated))
}
