// Package metrics exposes Prometheus counters for the streaming core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_ticks_decoded_total", Help: "Ticks decoded from the upstream feed"},
	)
	DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "feed_decode_errors_total", Help: "Malformed frames dropped"},
		[]string{"kind"},
	)
	StaleDrops = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_stale_ticks_dropped_total", Help: "Ticks rejected for stale sequence numbers"},
	)
	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Upstream reconnect attempts"},
	)
	AuthFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_auth_failures_total", Help: "Upstream authentication failures"},
	)
	BroadcastDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_updates_dropped_total", Help: "Updates dropped by full subscriber queues"},
		[]string{"reason"},
	)
	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "broadcast_subscribers", Help: "Live downstream connections"},
	)
)

func init() {
	prometheus.MustRegister(TicksDecoded, DecodeErrors, StaleDrops, Reconnects, AuthFailures, BroadcastDrops, Subscribers)
}

// Serve starts the /metrics endpoint in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
