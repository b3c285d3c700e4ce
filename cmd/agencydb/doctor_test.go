package main

import (
	"context"
	"testing"
)

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	setHome(t)

	// No tenants yet: warnings only, diagnosis stays healthy.
	code := runDoctorCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("doctor exit = %d, want 0 with only warnings", code)
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	setHome(t)

	if code := runDoctorCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("doctor -json exit = %d, want 0", code)
	}
	if code := runDoctorCommand(context.Background(), []string{"--json"}); code != 0 {
		t.Fatalf("doctor --json exit = %d, want 0", code)
	}
}

func TestRunDoctorCommand_HealthyTenant(t *testing.T) {
	setHome(t)
	ctx := context.Background()

	if code := runMigrateCommand(ctx, []string{"-agency", "acme"}); code != 0 {
		t.Fatalf("migrate failed")
	}
	if code := runDoctorCommand(ctx, nil); code != 0 {
		t.Fatalf("doctor exit = %d, want 0 for a healthy tenant", code)
	}
}

func TestRunDoctorCommand_UnmigratedTenantFails(t *testing.T) {
	setHome(t)
	ctx := context.Background()

	seedTenantFile(t, "fresh")
	if code := runDoctorCommand(ctx, nil); code != 1 {
		t.Fatalf("doctor exit = %d, want 1 with an unmigrated tenant", code)
	}
}

func TestRunDoctorCommand_NeedsGenesis(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENCYDB_HOME", home)
	// No config.yaml at all: doctor diagnoses the gap instead of crashing.
	code := runDoctorCommand(context.Background(), nil)
	if code < 0 || code == 2 {
		t.Fatalf("unexpected exit code %d", code)
	}
}
