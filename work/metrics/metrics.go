// Package metrics exposes the Prometheus instrumentation for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions currently holding a ConnectionState.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vod_proxy_active_sessions",
		Help: "Number of VOD sessions currently registered",
	})

	// BytesTransferred counts relayed bytes by direction.
	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vod_proxy_bytes_transferred_total",
		Help: "Total bytes transferred through the proxy",
	}, []string{"direction"})

	// StreamErrors counts errors by kind (upstream, client, probe, lock).
	StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vod_proxy_stream_errors_total",
		Help: "Total stream errors by kind",
	}, []string{"kind"})

	// LimitRejections counts requests rejected by the profile limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vod_proxy_profile_limit_rejections_total",
		Help: "Total requests rejected because a profile was at capacity",
	})

	// SessionsReclaimed counts sessions torn down, by how.
	SessionsReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vod_proxy_sessions_reclaimed_total",
		Help: "Total sessions reclaimed, labeled by trigger",
	}, []string{"trigger"})

	// RequestsServed counts proxy requests by response class.
	RequestsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vod_proxy_requests_total",
		Help: "Total VOD requests served by status class",
	}, []string{"status"})

	// ProbeResults counts content-length probe outcomes.
	ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vod_proxy_probe_results_total",
		Help: "Content-length probe outcomes",
	}, []string{"result"})
)
