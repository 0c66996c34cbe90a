// Package prom implements telemetry.Observer on top of
// prometheus/client_golang, matching the metric families the teacher
// registers in its own observability/prom package.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxrelay/trabas/internal/telemetry"
)

// Observer is a telemetry.Observer backed by Prometheus collectors.
type Observer struct {
	tunnelsConnected  *prometheus.CounterVec
	tunnelsDisconnect *prometheus.CounterVec
	tunnelCount       *prometheus.GaugeVec
	requestsEnqueued  *prometheus.CounterVec
	requestsForwarded *prometheus.HistogramVec
	requestsTimedOut  *prometheus.CounterVec
	requestsLimited   *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	handshakeRejected *prometheus.CounterVec
}

// New registers the relay's metric families against reg and returns an
// Observer ready to be installed with telemetry.Set.
func New(reg prometheus.Registerer) *Observer {
	factory := promauto.With(reg)
	return &Observer{
		tunnelsConnected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trabas", Name: "tunnels_connected_total",
			Help: "Tunnel connections accepted, by client id.",
		}, []string{"client_id"}),
		tunnelsDisconnect: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trabas", Name: "tunnels_disconnected_total",
			Help: "Tunnel connections torn down, by client id.",
		}, []string{"client_id"}),
		tunnelCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trabas", Name: "tunnel_count",
			Help: "Current live tunnel count, by client id.",
		}, []string{"client_id"}),
		requestsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trabas", Name: "public_requests_enqueued_total",
			Help: "Public requests queued for a client.",
		}, []string{"client_id"}),
		requestsForwarded: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trabas", Name: "public_request_duration_seconds",
			Help:    "End-to-end public request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"client_id"}),
		requestsTimedOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trabas", Name: "public_requests_timed_out_total",
			Help: "Public requests that hit the response deadline.",
		}, []string{"client_id"}),
		requestsLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trabas", Name: "public_requests_rate_limited_total",
			Help: "Public requests rejected by the per-client queue limit.",
		}, []string{"client_id"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trabas", Name: "cache_hits_total",
			Help: "Public requests served from cache.",
		}, []string{"client_id"}),
		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trabas", Name: "cache_misses_total",
			Help: "Public requests that missed the cache.",
		}, []string{"client_id"}),
		handshakeRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trabas", Name: "handshake_rejected_total",
			Help: "Tunnel handshakes rejected, by reason.",
		}, []string{"reason"}),
	}
}

func (o *Observer) TunnelConnected(clientID string)    { o.tunnelsConnected.WithLabelValues(clientID).Inc() }
func (o *Observer) TunnelDisconnected(clientID string) { o.tunnelsDisconnect.WithLabelValues(clientID).Inc() }
func (o *Observer) TunnelCount(clientID string, n int) { o.tunnelCount.WithLabelValues(clientID).Set(float64(n)) }
func (o *Observer) RequestEnqueued(clientID string)    { o.requestsEnqueued.WithLabelValues(clientID).Inc() }
func (o *Observer) RequestForwarded(clientID string, durationSeconds float64) {
	o.requestsForwarded.WithLabelValues(clientID).Observe(durationSeconds)
}
func (o *Observer) RequestTimedOut(clientID string)    { o.requestsTimedOut.WithLabelValues(clientID).Inc() }
func (o *Observer) RequestRateLimited(clientID string) { o.requestsLimited.WithLabelValues(clientID).Inc() }
func (o *Observer) CacheHit(clientID string)           { o.cacheHits.WithLabelValues(clientID).Inc() }
func (o *Observer) CacheMiss(clientID string)          { o.cacheMisses.WithLabelValues(clientID).Inc() }
func (o *Observer) HandshakeRejected(reason string)    { o.handshakeRejected.WithLabelValues(reason).Inc() }

var _ telemetry.Observer = (*Observer)(nil)
