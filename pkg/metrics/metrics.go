// Package metrics exposes the store daemon's internal counters as
// Prometheus gauges and counters: sessions currently connected, the
// housekeeping scanner's last round, and per-account quota usage. It
// is monitoring surface only; the backup protocol itself never touches
// this package (spec §6's framing is untouched by it).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns one Prometheus registry for the daemon process.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive prometheus.Gauge

	housekeepingLastRunTimestamp prometheus.Gauge
	housekeepingLastRunDuration  prometheus.Gauge
	housekeepingAccountsScanned  prometheus.Gauge
	housekeepingBlocksFreed      prometheus.Gauge
	housekeepingErrors           prometheus.Gauge

	quotaBlocksUsed *prometheus.GaugeVec
	quotaSoftLimit  *prometheus.GaugeVec
	quotaHardLimit  *prometheus.GaugeVec
}

// NewCollector builds a Collector with its own registry, namespaced
// under "backupstore".
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backupstore",
			Name:      "sessions_active",
			Help:      "Number of protocol sessions currently connected.",
		}),
		housekeepingLastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backupstore",
			Subsystem: "housekeeping",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix timestamp of the start of the most recently completed housekeeping round.",
		}),
		housekeepingLastRunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backupstore",
			Subsystem: "housekeeping",
			Name:      "last_run_duration_seconds",
			Help:      "Wall-clock duration of the most recently completed housekeeping round.",
		}),
		housekeepingAccountsScanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backupstore",
			Subsystem: "housekeeping",
			Name:      "accounts_scanned",
			Help:      "Number of accounts covered by the most recent housekeeping round.",
		}),
		housekeepingBlocksFreed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backupstore",
			Subsystem: "housekeeping",
			Name:      "blocks_freed",
			Help:      "Blocks reclaimed by the most recent housekeeping round.",
		}),
		housekeepingErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backupstore",
			Subsystem: "housekeeping",
			Name:      "errors",
			Help:      "Per-account errors encountered during the most recent housekeeping round.",
		}),
		quotaBlocksUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "backupstore",
			Subsystem: "quota",
			Name:      "blocks_used",
			Help:      "Blocks currently used by an account.",
		}, []string{"account_id"}),
		quotaSoftLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "backupstore",
			Subsystem: "quota",
			Name:      "soft_limit_blocks",
			Help:      "An account's soft block limit, above which housekeeping reclaims space.",
		}, []string{"account_id"}),
		quotaHardLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "backupstore",
			Subsystem: "quota",
			Name:      "hard_limit_blocks",
			Help:      "An account's hard block limit, above which writes are rejected.",
		}, []string{"account_id"}),
	}

	registry.MustRegister(
		c.sessionsActive,
		c.housekeepingLastRunTimestamp,
		c.housekeepingLastRunDuration,
		c.housekeepingAccountsScanned,
		c.housekeepingBlocksFreed,
		c.housekeepingErrors,
		c.quotaBlocksUsed,
		c.quotaSoftLimit,
		c.quotaHardLimit,
	)

	return c
}

// Registry returns the Prometheus registry backing this Collector, for
// wiring into an HTTP handler (promhttp.HandlerFor).
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// SessionOpened records a new protocol session.
func (c *Collector) SessionOpened() { c.sessionsActive.Inc() }

// SessionClosed records a protocol session ending.
func (c *Collector) SessionClosed() { c.sessionsActive.Dec() }

// HousekeepingStats is the subset of housekeeping.Scanner.Stats this
// package reads. It is declared independently rather than imported
// directly so this package carries no dependency on the housekeeping
// package's internals; its fields differ in name and type from
// housekeeping.Stats (Unix seconds and float seconds in place of
// time.Time and time.Duration), so a housekeeping.Stats value is not
// accepted as-is.
type HousekeepingStats struct {
	LastRunAtUnix       int64
	LastRunDurationSecs float64
	AccountsScanned     int
	BlocksFreed         int64
	Errors              int
}

// RecordHousekeeping updates the housekeeping gauges from the
// scanner's most recent round.
func (c *Collector) RecordHousekeeping(stats HousekeepingStats) {
	c.housekeepingLastRunTimestamp.Set(float64(stats.LastRunAtUnix))
	c.housekeepingLastRunDuration.Set(stats.LastRunDurationSecs)
	c.housekeepingAccountsScanned.Set(float64(stats.AccountsScanned))
	c.housekeepingBlocksFreed.Set(float64(stats.BlocksFreed))
	c.housekeepingErrors.Set(float64(stats.Errors))
}

// SetAccountQuota updates one account's quota gauges.
func (c *Collector) SetAccountQuota(accountID uint64, blocksUsed, softLimit, hardLimit int64) {
	label := prometheus.Labels{"account_id": strconv.FormatUint(accountID, 10)}
	c.quotaBlocksUsed.With(label).Set(float64(blocksUsed))
	c.quotaSoftLimit.With(label).Set(float64(softLimit))
	c.quotaHardLimit.With(label).Set(float64(hardLimit))
}
