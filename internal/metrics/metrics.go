// Package metrics provides Prometheus metrics for xctl.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Config store metrics.
	StoreSavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xctl",
		Subsystem: "store",
		Name:      "saves_total",
		Help:      "Config writes by result (ok, invalid, error).",
	}, []string{"result"})
	StoreRestoresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xctl",
		Subsystem: "store",
		Name:      "restores_total",
		Help:      "Backup restores by result.",
	}, []string{"result"})
	StoreBackups = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "xctl",
		Subsystem: "store",
		Name:      "backups",
		Help:      "Number of retained config backups.",
	})

	// Hot reload metrics.
	ReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xctl",
		Subsystem: "reload",
		Name:      "total",
		Help:      "Config change detections by result (applied, invalid).",
	}, []string{"result"})

	// Telemetry metrics.
	PollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xctl",
		Subsystem: "stats",
		Name:      "polls_total",
		Help:      "Stats polls by result (ok, unreachable, parse_error).",
	}, []string{"result"})
	UserRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "xctl",
		Subsystem: "user",
		Name:      "rate_bytes_per_second",
		Help:      "Instantaneous per-user traffic rate.",
	}, []string{"email", "direction"}) // "uplink" or "downlink"
	UserBytesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "xctl",
		Subsystem: "user",
		Name:      "bytes_total",
		Help:      "Lifetime per-user traffic, surviving proxy counter resets.",
	}, []string{"email", "direction"})
	CounterResetsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xctl",
		Subsystem: "user",
		Name:      "counter_resets_total",
		Help:      "Detected proxy counter resets per user.",
	}, []string{"email"})

	// Proxy lifecycle metrics.
	ProxyRestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xctl",
		Subsystem: "proxy",
		Name:      "restarts_total",
		Help:      "Proxy restarts triggered by config changes, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		StoreSavesTotal,
		StoreRestoresTotal,
		StoreBackups,

		ReloadsTotal,

		PollsTotal,
		UserRate,
		UserBytesTotal,
		CounterResetsTotal,

		ProxyRestartsTotal,
	)
}
