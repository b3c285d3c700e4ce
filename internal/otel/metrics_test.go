package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.MigrationDuration == nil {
		t.Error("MigrationDuration is nil")
	}
	if m.MigrationSteps == nil {
		t.Error("MigrationSteps is nil")
	}
	if m.MigrationFailures == nil {
		t.Error("MigrationFailures is nil")
	}
	if m.RollbackSteps == nil {
		t.Error("RollbackSteps is nil")
	}
	if m.ConnectionOpens == nil {
		t.Error("ConnectionOpens is nil")
	}
	if m.ConnectionRetries == nil {
		t.Error("ConnectionRetries is nil")
	}
	if m.ConnectionFailures == nil {
		t.Error("ConnectionFailures is nil")
	}
	if m.OpenConnections == nil {
		t.Error("OpenConnections is nil")
	}
	if m.ContextSwitches == nil {
		t.Error("ContextSwitches is nil")
	}
	if m.ValidationFailures == nil {
		t.Error("ValidationFailures is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
