// Package metrics holds the prometheus collectors for the gateway and voice
// subsystems. A Set is created per server instance so tests stay isolated.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Set struct {
	Registry *prometheus.Registry

	Connections       prometheus.Gauge
	DispatchedEvents  *prometheus.CounterVec
	VoiceParticipants prometheus.Gauge
}

func New() *Set {
	s := &Set{
		Registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Live gateway connections.",
		}),
		DispatchedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatched_events_total",
			Help: "Dispatch events published, by event type.",
		}, []string{"event"}),
		VoiceParticipants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voice_participants",
			Help: "Participants currently in voice rooms.",
		}),
	}
	s.Registry.MustRegister(s.Connections, s.DispatchedEvents, s.VoiceParticipants)
	return s
}
