// Package metrics exports the node's operational counters. The registry is
// private to the process; the collectors are only scraped through the debug
// surface of the loopback ingress.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	InboundAccepted prometheus.Counter
	InboundRejected *prometheus.CounterVec
	ReplayHits      prometheus.Counter
	SendResults     *prometheus.CounterVec
	InviteAccepted  prometheus.Counter
	InviteRejected  *prometheus.CounterVec
	TransportState  prometheus.Gauge
	RetrySweeps     prometheus.Counter
}

// New builds the node metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		InboundAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "enclave_inbound_accepted_total",
			Help: "Envelopes accepted by the inbound pipeline.",
		}),
		InboundRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_inbound_rejected_total",
			Help: "Envelopes rejected by the inbound pipeline, by code.",
		}, []string{"code"}),
		ReplayHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "enclave_replay_rejected_total",
			Help: "Envelopes rejected by the replay window.",
		}),
		SendResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_send_results_total",
			Help: "Outbound send outcomes, by result tag.",
		}, []string{"result"}),
		InviteAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "enclave_invite_accepted_total",
			Help: "Invite tokens consumed successfully.",
		}),
		InviteRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_invite_rejected_total",
			Help: "Invite acceptance rejections, by code.",
		}, []string{"code"}),
		TransportState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enclave_transport_state",
			Help: "Orchestrator state as an ordinal (0 stopped .. 5 ready, -1 error).",
		}),
		RetrySweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "enclave_retry_sweeps_total",
			Help: "Retry worker sweeps over queued messages.",
		}),
	}
}
