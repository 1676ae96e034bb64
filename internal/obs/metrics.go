package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions      = promauto.NewGauge(prometheus.GaugeOpts{Name: "castle_active_sessions", Help: "Currently connected control sessions"})
	ActiveTunnels       = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "castle_active_tunnels", Help: "Active tunnels by type"}, []string{"type"})
	PendingFlows        = promauto.NewGauge(prometheus.GaugeOpts{Name: "castle_pending_flows", Help: "Flows invited but not yet connected by a client"})
	FlowsStartedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "castle_flows_started_total", Help: "Relay flows established, by tunnel type"}, []string{"type"})
	FlowTimeoutTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "castle_flow_timeout_total", Help: "Flows abandoned before the client connected"})
	RelayedBytes        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "castle_relayed_bytes_total", Help: "Bytes relayed, by direction (in = public to backend)"}, []string{"direction"})
	ErrorsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "castle_errors_total", Help: "Errors by type"}, []string{"type"})
	FlowDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "castle_flow_duration_seconds", Help: "Relay flow lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
