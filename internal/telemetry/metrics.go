package telemetry

import "github.com/prometheus/client_golang/prometheus"

// NewMetricsRegistry builds a fresh Prometheus registry with the Go/process
// collectors plus every application collector in cs.
func NewMetricsRegistry(cs ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range cs {
		reg.MustRegister(c)
	}
	return reg
}

var HuntsRunningGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "viewer",
		Subsystem: "hunt",
		Name:      "engine_running",
		Help:      "1 if this node currently holds the hunt engine singleton.",
	},
)

var HuntsCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "viewer",
		Subsystem: "hunt",
		Name:      "completed_total",
		Help:      "Total number of hunts that reached a terminal state, by status.",
	},
	[]string{"status"},
)

var HuntSessionsMatchedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "viewer",
		Subsystem: "hunt",
		Name:      "sessions_matched_total",
		Help:      "Total number of sessions found to match a hunt's search criteria.",
	},
)

var HuntTickDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "viewer",
		Subsystem: "hunt",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one hunt engine scheduling tick.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"outcome"},
)

var CronRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "viewer",
		Subsystem: "cron",
		Name:      "runs_total",
		Help:      "Total number of cron query executions, by result.",
	},
	[]string{"result"},
)

var CronMatchedSessionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "viewer",
		Subsystem: "cron",
		Name:      "matched_sessions_total",
		Help:      "Total number of sessions matched and actioned by cron queries.",
	},
)

var ExpirySweepsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "viewer",
		Subsystem: "expiry",
		Name:      "sweeps_total",
		Help:      "Total number of expiry engine sweeps, by result.",
	},
	[]string{"result"},
)

var ExpiryFilesDeletedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "viewer",
		Subsystem: "expiry",
		Name:      "files_deleted_total",
		Help:      "Total number of PCAP files removed by the expiry engine.",
	},
)

var ExpiryBytesFreedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "viewer",
		Subsystem: "expiry",
		Name:      "bytes_freed_total",
		Help:      "Total number of bytes freed by the expiry engine.",
	},
)

var PeerProxyRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "viewer",
		Subsystem: "cluster",
		Name:      "peer_proxy_requests_total",
		Help:      "Total number of requests forwarded to a remote node, by outcome.",
	},
	[]string{"node", "outcome"},
)

var NotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "viewer",
		Subsystem: "notifier",
		Name:      "sent_total",
		Help:      "Total number of completion notifications sent, by notifier and outcome.",
	},
	[]string{"notifier", "outcome"},
)

// All returns every application-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HuntsRunningGauge,
		HuntsCompletedTotal,
		HuntSessionsMatchedTotal,
		HuntTickDuration,
		CronRunsTotal,
		CronMatchedSessionsTotal,
		ExpirySweepsTotal,
		ExpiryFilesDeletedTotal,
		ExpiryBytesFreedTotal,
		PeerProxyRequestsTotal,
		NotificationsTotal,
	}
}
