package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the server's Prometheus collectors.
type Metrics struct {
	Instances    prometheus.Gauge
	Sessions     *prometheus.GaugeVec
	FramesIn     *prometheus.CounterVec
	EventsOut    *prometheus.CounterVec
	Mutations    *prometheus.CounterVec
	Dropped      prometheus.Counter
	AuthFailures *prometheus.CounterVec
	Flushes      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Instances: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mindcache",
			Name:      "instances",
			Help:      "Instances loaded by the hub",
		}),
		Sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mindcache",
			Name:      "sessions",
			Help:      "Attached sync sessions",
		}, []string{"instance"}),
		FramesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mindcache",
			Name:      "frames_in_total",
			Help:      "Frames received from clients by type",
		}, []string{"type"}),
		EventsOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mindcache",
			Name:      "events_out_total",
			Help:      "Events broadcast to sessions by type",
		}, []string{"type"}),
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mindcache",
			Name:      "mutations_total",
			Help:      "Client mutations by operation and result code",
		}, []string{"op", "result"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mindcache",
			Name:      "dropped_broadcasts_total",
			Help:      "Broadcasts dropped because a session queue was full",
		}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mindcache",
			Name:      "auth_failures_total",
			Help:      "Rejected handshakes by code",
		}, []string{"code"}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mindcache",
			Name:      "flushes_total",
			Help:      "Snapshot flushes to the persister by result",
		}, []string{"result"}),
	}
}
