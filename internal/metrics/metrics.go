// Package metrics exposes greyd's runtime state as Prometheus metrics:
// connection engine occupancy, greylist database size, and sync traffic.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every gauge and counter greyd exports.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	StutterSlotsInUse prometheus.Gauge
	BlacklistedConns  prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec // label: outcome (greylist, tarpit, rejected)

	WhitelistSize prometheus.Gauge
	TraplistSize  prometheus.Gauge
	TupleCount    prometheus.Gauge
	ScanDuration  prometheus.Histogram

	SyncPacketsSent     *prometheus.CounterVec // label: kind
	SyncPacketsReceived *prometheus.CounterVec // label: kind
	SyncPacketsDropped  *prometheus.CounterVec // label: reason (hmac, truncated, echo)

	ConfigReloads *prometheus.CounterVec // label: status
}

// New constructs Metrics. Callers register it with a *prometheus.Registry
// via Register before starting the daemon's metrics HTTP endpoint.
func New() *Metrics {
	return &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greyd_active_connections",
			Help: "Number of connections currently held by the engine.",
		}),
		StutterSlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greyd_stutter_slots_in_use",
			Help: "Number of connections currently being stuttered (tarpitted).",
		}),
		BlacklistedConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greyd_blacklisted_connections",
			Help: "Number of currently open connections matched against a blacklist.",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greyd_connections_total",
			Help: "Total accepted connections by outcome.",
		}, []string{"outcome"}),

		WhitelistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greyd_whitelist_entries",
			Help: "Number of addresses currently whitelisted.",
		}),
		TraplistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greyd_traplist_entries",
			Help: "Number of addresses currently trapped.",
		}),
		TupleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greyd_tuple_entries",
			Help: "Number of pending greylist tuples.",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "greyd_scan_duration_seconds",
			Help: "Duration of each greylist database scan pass.",
		}),

		SyncPacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greyd_sync_packets_sent_total",
			Help: "Sync protocol packets sent, by record kind.",
		}, []string{"kind"}),
		SyncPacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greyd_sync_packets_received_total",
			Help: "Sync protocol packets accepted from peers, by record kind.",
		}, []string{"kind"}),
		SyncPacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greyd_sync_packets_dropped_total",
			Help: "Sync protocol packets dropped before processing, by reason.",
		}, []string{"reason"}),

		ConfigReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greyd_config_reloads_total",
			Help: "SIGHUP-triggered configuration reloads, by status.",
		}, []string{"status"}),
	}
}

// Register adds every collector to reg. Tests use a private registry to
// avoid collisions with prometheus.DefaultRegisterer.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.ActiveConnections, m.StutterSlotsInUse, m.BlacklistedConns, m.ConnectionsTotal,
		m.WhitelistSize, m.TraplistSize, m.TupleCount, m.ScanDuration,
		m.SyncPacketsSent, m.SyncPacketsReceived, m.SyncPacketsDropped,
		m.ConfigReloads,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveReload records a SIGHUP reload outcome.
func (m *Metrics) ObserveReload(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.ConfigReloads.WithLabelValues(status).Inc()
}
