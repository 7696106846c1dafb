package caclient

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the collectors a [Client] updates.
// Any field, or the whole value, may be nil.
type Metrics struct {
	// Interest operations waiting for objects.
	PendingOperations prometheus.Gauge

	// Interest operations completed, including immediate completions.
	CompletedOperations prometheus.Counter

	// Objects visible across all clients.
	VisibleObjects prometheus.Gauge

	// Disconnects, labeled by "reason".
	Disconnects *prometheus.CounterVec
}

func (m *Metrics) addPending(n float64) {
	if m != nil && m.PendingOperations != nil {
		m.PendingOperations.Add(n)
	}
}

func (m *Metrics) completed() {
	if m != nil && m.CompletedOperations != nil {
		m.CompletedOperations.Inc()
	}
}

func (m *Metrics) addVisible(n float64) {
	if m != nil && m.VisibleObjects != nil {
		m.VisibleObjects.Add(n)
	}
}

func (m *Metrics) disconnected(r DisconnectReason) {
	if m != nil && m.Disconnects != nil {
		m.Disconnects.WithLabelValues(r.String()).Inc()
	}
}
