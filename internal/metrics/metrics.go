// Package metrics holds the process-wide Prometheus collectors and the host
// sampling used by the JSON metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	Registry *prometheus.Registry

	Connections     prometheus.Gauge
	FramesIn        *prometheus.CounterVec
	FramesOut       prometheus.Counter
	DecodeErrors    prometheus.Counter
	Backpressure    prometheus.Counter
	ConnectRejected prometheus.Counter
}

// New builds a registry with the Go and process collectors plus the plaza
// counters. Rooms and parties are sampled through gauge funcs so the values
// always match the registries.
func New(rooms, parties func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plaza", Name: "connections",
			Help: "Open WebSocket connections.",
		}),
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plaza", Name: "frames_in_total",
			Help: "Inbound events by type.",
		}, []string{"type"}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plaza", Name: "frames_out_total",
			Help: "Frames written to clients.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plaza", Name: "decode_errors_total",
			Help: "Inbound frames that failed to decode or validate.",
		}),
		Backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plaza", Name: "backpressure_total",
			Help: "Frames refused because a send buffer was full.",
		}),
		ConnectRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plaza", Name: "connect_rejected_total",
			Help: "Upgrade requests refused by the connect limiter.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections, m.FramesIn, m.FramesOut, m.DecodeErrors, m.Backpressure, m.ConnectRejected,
	)
	if rooms != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "plaza", Name: "rooms", Help: "Live spaces.",
		}, func() float64 { return float64(rooms()) }))
	}
	if parties != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "plaza", Name: "parties", Help: "Live parties.",
		}, func() float64 { return float64(parties()) }))
	}
	return m
}
