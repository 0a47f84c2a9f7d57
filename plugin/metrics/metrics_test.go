package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

func TestWritesAreCountedByKindAndOp(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	ctx := context.Background()

	_ = c.OnUserCreated(ctx, "user_01")
	_ = c.OnUserCreated(ctx, "user_02")
	_ = c.OnRoleDeleted(ctx, "role_01", "ADMIN")

	metrics := gather(t, reg, "custodian_writes_total")
	if len(metrics) != 2 {
		t.Fatalf("expected 2 series, got %d", len(metrics))
	}
	for _, m := range metrics {
		labels := map[string]string{}
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		want := 1.0
		if labels["kind"] == "user" {
			want = 2
		}
		if got := m.GetCounter().GetValue(); got != want {
			t.Errorf("%v = %v, want %v", labels, got, want)
		}
	}
}

func TestConflictsAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	_ = c.OnConcurrencyConflict(context.Background(), "role", "role_01")

	metrics := gather(t, reg, "custodian_concurrency_conflicts_total")
	if got := metrics[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
}

func TestMigrationOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	ctx := context.Background()

	_ = c.OnMigrationApplied(ctx, 1, "embedded_roles", 5)
	_ = c.OnMigrationFailed(ctx, 2, "claims_field", errors.New("boom"))

	if got := gather(t, reg, "custodian_schema_version")[0].GetGauge().GetValue(); got != 1 {
		t.Errorf("schema_version = %v, want 1", got)
	}
	if got := gather(t, reg, "custodian_migrated_documents_total")[0].GetCounter().GetValue(); got != 5 {
		t.Errorf("migrated = %v, want 5", got)
	}
	if n := len(gather(t, reg, "custodian_migrations_total")); n != 2 {
		t.Errorf("expected applied and failed series, got %d", n)
	}
}
