package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Connections     prometheus.Gauge
	OnlineAccounts  prometheus.Gauge
	Frames          *prometheus.CounterVec
	RateLimited     prometheus.Counter
	EventsDelivered prometheus.Counter
	EventsDropped   prometheus.Counter
	VoiceOccupants  prometheus.Gauge
	SignalsRelayed  *prometheus.CounterVec
	Flushes         *prometheus.CounterVec
}

// newMetrics registers the collectors on reg. Each hub gets its own registry so
// tests can build as many as they like.
func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ruscord", Name: "connections",
			Help: "Live websocket connections, bound or not.",
		}),
		OnlineAccounts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ruscord", Name: "online_accounts",
			Help: "Accounts with at least one bound session.",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruscord", Name: "frames_total",
			Help: "Inbound frames by action kind.",
		}, []string{"action"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ruscord", Name: "frames_rate_limited_total",
			Help: "Inbound frames dropped by the per-connection limiter.",
		}),
		EventsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ruscord", Name: "events_delivered_total",
			Help: "Events queued onto a connection send buffer.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ruscord", Name: "events_dropped_total",
			Help: "Events dropped because the recipient buffer was full or closed.",
		}),
		VoiceOccupants: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ruscord", Name: "voice_occupants",
			Help: "Accounts currently joined to a voice channel.",
		}),
		SignalsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruscord", Name: "signals_total",
			Help: "Signaling payloads by outcome.",
		}, []string{"outcome"}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruscord", Name: "persistence_flushes_total",
			Help: "Snapshot flushes by result.",
		}, []string{"result"}),
	}
}
