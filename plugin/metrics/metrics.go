// Package metrics provides a plugin that records custodian lifecycle
// events as Prometheus metrics.
package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/custodian/plugin"
)

// Compile-time hook checks.
var (
	_ plugin.Plugin              = (*Collector)(nil)
	_ plugin.UserCreated         = (*Collector)(nil)
	_ plugin.UserUpdated         = (*Collector)(nil)
	_ plugin.UserDeleted         = (*Collector)(nil)
	_ plugin.RoleCreated         = (*Collector)(nil)
	_ plugin.RoleUpdated         = (*Collector)(nil)
	_ plugin.RoleDeleted         = (*Collector)(nil)
	_ plugin.ConcurrencyConflict = (*Collector)(nil)
	_ plugin.MigrationApplied    = (*Collector)(nil)
	_ plugin.MigrationFailed     = (*Collector)(nil)
)

// Collector counts record writes, stamp conflicts and migration outcomes.
type Collector struct {
	writes     *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	migrations *prometheus.CounterVec
	migrated   *prometheus.CounterVec
	version    prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_writes_total",
			Help: "Committed record writes by kind and operation.",
		}, []string{"kind", "op"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_concurrency_conflicts_total",
			Help: "Writes rejected for a stale concurrency stamp.",
		}, []string{"kind"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_migrations_total",
			Help: "Migration steps by outcome.",
		}, []string{"step", "outcome"}),
		migrated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_migrated_documents_total",
			Help: "Documents rewritten by migration steps.",
		}, []string{"step"}),
		version: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "custodian_schema_version",
			Help: "Highest migration version applied by this process.",
		}),
	}

	reg.MustRegister(
		c.writes,
		c.conflicts,
		c.migrations,
		c.migrated,
		c.version,
	)

	return c
}

// Name implements plugin.Plugin.
func (c *Collector) Name() string { return "prometheus" }

func (c *Collector) OnUserCreated(context.Context, string) error {
	c.writes.WithLabelValues("user", "create").Inc()
	return nil
}

func (c *Collector) OnUserUpdated(context.Context, string) error {
	c.writes.WithLabelValues("user", "update").Inc()
	return nil
}

func (c *Collector) OnUserDeleted(context.Context, string) error {
	c.writes.WithLabelValues("user", "delete").Inc()
	return nil
}

func (c *Collector) OnRoleCreated(context.Context, string, string) error {
	c.writes.WithLabelValues("role", "create").Inc()
	return nil
}

func (c *Collector) OnRoleUpdated(context.Context, string, string) error {
	c.writes.WithLabelValues("role", "update").Inc()
	return nil
}

func (c *Collector) OnRoleDeleted(context.Context, string, string) error {
	c.writes.WithLabelValues("role", "delete").Inc()
	return nil
}

func (c *Collector) OnConcurrencyConflict(_ context.Context, kind, _ string) error {
	c.conflicts.WithLabelValues(kind).Inc()
	return nil
}

func (c *Collector) OnMigrationApplied(_ context.Context, version int, name string, migrated int) error {
	step := stepLabel(version, name)
	c.migrations.WithLabelValues(step, "applied").Inc()
	c.migrated.WithLabelValues(step).Add(float64(migrated))
	c.version.Set(float64(version))
	return nil
}

func (c *Collector) OnMigrationFailed(_ context.Context, version int, name string, _ error) error {
	c.migrations.WithLabelValues(stepLabel(version, name), "failed").Inc()
	return nil
}

func stepLabel(version int, name string) string {
	return strconv.Itoa(version) + "_" + name
}
