// Package metrics registers the prometheus collectors the dispatcher
// and its subsystems update, so operators can scrape connection
// health, admission/ban activity, and fragment/integrity counters
// (SPEC_FULL §10.6). Grounded on firestige's
// metrics.ReassemblyActiveFragments gauge pattern, extended to cover
// every subsystem in this transport.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every collector this transport exposes. Construct one
// with NewRegistry, which registers it with the prometheus.Registerer
// it is given (cmd/bae0netd passes prometheus.DefaultRegisterer).
type Registry struct {
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter

	ConnectedClients prometheus.Gauge
	PacketLoss       prometheus.Gauge
	AverageLatencyMs prometheus.Gauge

	PacketsDropped   *prometheus.CounterVec // label: reason
	AdmissionRejects *prometheus.CounterVec // label: decision
	BansIssued       prometheus.Counter
	IntegrityFailures prometheus.Counter

	FragmentsActive prometheus.Gauge
	FragmentsEvicted prometheus.Counter

	RetransmitCount prometheus.Counter
	TimeoutCount    prometheus.Counter
}

// NewRegistry builds a fresh set of collectors under namespace
// "bae0net" and registers them with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bae0net", Name: "bytes_sent_total", Help: "Total bytes written to the socket.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bae0net", Name: "bytes_received_total", Help: "Total bytes read from the socket.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bae0net", Name: "connected_clients", Help: "Connections currently in the CONNECTED state.",
		}),
		PacketLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bae0net", Name: "packet_loss_ratio", Help: "Fraction of reliable sends that required at least one retransmit.",
		}),
		AverageLatencyMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bae0net", Name: "average_latency_ms", Help: "Mean RTT across connected peers, in milliseconds.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bae0net", Name: "packets_dropped_total", Help: "Datagrams dropped by decode/validate, labeled by reason.",
		}, []string{"reason"}),
		AdmissionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bae0net", Name: "admission_rejects_total", Help: "Datagrams rejected by the admission gate, labeled by decision.",
		}, []string{"decision"}),
		BansIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bae0net", Name: "bans_issued_total", Help: "Bans issued by the admission gate.",
		}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bae0net", Name: "integrity_failures_total", Help: "Failed integrity challenge/response attempts.",
		}),
		FragmentsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bae0net", Name: "fragments_active", Help: "Fragment groups currently awaiting completion.",
		}),
		FragmentsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bae0net", Name: "fragments_evicted_total", Help: "Fragment groups evicted after exceeding their TTL.",
		}),
		RetransmitCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bae0net", Name: "retransmits_total", Help: "Reliable frames resent by the retransmit driver.",
		}),
		TimeoutCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bae0net", Name: "timeouts_total", Help: "Reliable frames dropped after exceeding their profile's MaxRetries.",
		}),
	}
	reg.MustRegister(
		r.BytesSent, r.BytesReceived, r.ConnectedClients, r.PacketLoss, r.AverageLatencyMs,
		r.PacketsDropped, r.AdmissionRejects, r.BansIssued, r.IntegrityFailures,
		r.FragmentsActive, r.FragmentsEvicted, r.RetransmitCount, r.TimeoutCount,
	)
	return r
}
