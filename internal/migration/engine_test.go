package migration

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/basket/agencydb/internal/pool"
	"github.com/basket/agencydb/internal/shared"
)

func testSteps() []Step {
	return []Step{
		{
			Version:     1,
			Description: "agencies ledger",
			Up:          []string{"CREATE TABLE agencies (id TEXT PRIMARY KEY, name TEXT NOT NULL);"},
			Down:        []string{"DROP TABLE agencies;"},
		},
		{
			Version:     2,
			Description: "products",
			Up: []string{
				"CREATE TABLE products (id TEXT PRIMARY KEY, name TEXT NOT NULL, price_cents INTEGER NOT NULL DEFAULT 0);",
				"CREATE INDEX idx_products_name ON products(name);",
			},
			Down: []string{"DROP TABLE products;"},
		},
		{
			Version:     3,
			Description: "customers",
			Up:          []string{"CREATE TABLE customers (id TEXT PRIMARY KEY, name TEXT NOT NULL);"},
			Down:        []string{"DROP TABLE customers;"},
		},
	}
}

func newTestEngine(t *testing.T, steps []Step) (*Engine, *pool.Handle) {
	t.Helper()
	r, err := NewRegistry(steps)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	p, err := pool.New(pool.Settings{
		DataDir:            t.TempDir(),
		MaxConnectAttempts: 2,
		BackoffBase:        time.Millisecond,
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() { _ = p.CloseAll() })

	h, err := p.Get(context.Background(), "acme", pool.DefaultOptions())
	if err != nil {
		t.Fatalf("get handle: %v", err)
	}
	return NewEngine(r, nil, nil, nil, nil), h
}

func TestMigrate_FreshDatabaseAppliesAllAscending(t *testing.T) {
	e, h := newTestEngine(t, testSteps())
	ctx := context.Background()

	outcomes, err := e.Migrate(ctx, h)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}
	for i, want := range []int64{1, 2, 3} {
		if outcomes[i].Version != want || !outcomes[i].Success {
			t.Errorf("outcome[%d] = %+v, want successful version %d", i, outcomes[i], want)
		}
	}

	v, err := e.CurrentVersion(ctx, h)
	if err != nil || v != 3 {
		t.Errorf("current version = %d (%v), want 3", v, err)
	}
	for _, table := range []string{"agencies", "products", "customers"} {
		exists, err := tableExists(ctx, h.DB, table)
		if err != nil || !exists {
			t.Errorf("table %s missing after migrate (err=%v)", table, err)
		}
	}
}

func TestMigrate_SecondRunIsNoOp(t *testing.T) {
	e, h := newTestEngine(t, testSteps())
	ctx := context.Background()

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	outcomes, err := e.Migrate(ctx, h)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("second migrate outcomes = %v, want none", outcomes)
	}
}

func TestMigrate_MidStepFailureRollsBackWholeRun(t *testing.T) {
	steps := testSteps()
	steps[1].Up = append(steps[1].Up, "INSERT INTO no_such_table VALUES (1);")
	e, h := newTestEngine(t, steps)
	ctx := context.Background()

	outcomes, err := e.Migrate(ctx, h)
	var mErr *MigrationError
	if !errors.As(err, &mErr) {
		t.Fatalf("error = %v, want MigrationError", err)
	}
	if mErr.Version != 2 {
		t.Errorf("failed version = %d, want 2", mErr.Version)
	}
	if len(outcomes) == 0 || outcomes[len(outcomes)-1].Err == nil {
		t.Error("last outcome should carry the step error")
	}

	// Step 1 succeeded inside the transaction but must not survive the
	// rollback: the run is all-or-nothing.
	exists, err := tableExists(ctx, h.DB, "agencies")
	if err != nil {
		t.Fatalf("probe agencies: %v", err)
	}
	if exists {
		t.Error("agencies table survived a failed run")
	}
	v, err := e.CurrentVersion(ctx, h)
	if err != nil || v != 0 {
		t.Errorf("current version = %d (%v), want 0 after failed run", v, err)
	}
}

func TestMigrate_RejectsReadOnlyHandle(t *testing.T) {
	e, h := newTestEngine(t, testSteps())
	ro := &pool.Handle{AgencyID: h.AgencyID, DB: h.DB, Path: h.Path, ReadOnly: true}

	_, err := e.Migrate(context.Background(), ro)
	var mErr *MigrationError
	if !errors.As(err, &mErr) {
		t.Fatalf("error = %v, want MigrationError", err)
	}
}

func TestRollback_DescendingToTarget(t *testing.T) {
	e, h := newTestEngine(t, testSteps())
	ctx := context.Background()

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	outcomes, err := e.Rollback(ctx, h, 1)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	want := []int64{3, 2}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %d, want %d", len(outcomes), len(want))
	}
	for i, v := range want {
		if outcomes[i].Version != v || !outcomes[i].Success {
			t.Errorf("outcome[%d] = %+v, want successful version %d", i, outcomes[i], v)
		}
	}

	v, err := e.CurrentVersion(ctx, h)
	if err != nil || v != 1 {
		t.Errorf("current version = %d (%v), want 1", v, err)
	}
	if exists, _ := tableExists(ctx, h.DB, "customers"); exists {
		t.Error("customers table should be gone after rollback")
	}
	if exists, _ := tableExists(ctx, h.DB, "agencies"); !exists {
		t.Error("agencies table should survive rollback to 1")
	}
}

func TestRollback_RoundTripRestoresBaseline(t *testing.T) {
	e, h := newTestEngine(t, testSteps())
	ctx := context.Background()

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := e.Rollback(ctx, h, 0); err != nil {
		t.Fatalf("rollback to 0: %v", err)
	}
	v, err := e.CurrentVersion(ctx, h)
	if err != nil || v != 0 {
		t.Errorf("current version = %d (%v), want 0", v, err)
	}
	// A second migrate after full rollback replays cleanly.
	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
}

func TestRollback_IrreversibleStepFailsBeforeTouchingDB(t *testing.T) {
	steps := testSteps()
	steps[1].Down = nil // version 2 cannot be reversed
	e, h := newTestEngine(t, steps)
	ctx := context.Background()

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	outcomes, err := e.Rollback(ctx, h, 0)
	var mErr *MigrationError
	if !errors.As(err, &mErr) {
		t.Fatalf("error = %v, want MigrationError", err)
	}
	if mErr.Version != 2 {
		t.Errorf("failed version = %d, want 2", mErr.Version)
	}
	if len(outcomes) != 0 {
		t.Errorf("outcomes = %v, irreversibility must be detected before execution", outcomes)
	}
	// Version 3 sits above the irreversible step and must still be applied.
	v, err := e.CurrentVersion(ctx, h)
	if err != nil || v != 3 {
		t.Errorf("current version = %d (%v), want 3 untouched", v, err)
	}
}

func TestRollback_TargetAboveCurrentFails(t *testing.T) {
	e, h := newTestEngine(t, testSteps())
	ctx := context.Background()

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := e.Rollback(ctx, h, 9); err == nil {
		t.Error("rollback above current version should fail")
	}
	if _, err := e.Rollback(ctx, h, -1); err == nil {
		t.Error("negative rollback target should fail")
	}
}

func TestStatus(t *testing.T) {
	e, h := newTestEngine(t, testSteps())
	ctx := context.Background()

	st, err := e.Status(ctx, h)
	if err != nil {
		t.Fatalf("status on fresh db: %v", err)
	}
	if st.CurrentVersion != 0 || st.PendingCount != 3 || st.MaxVersion != 3 {
		t.Errorf("fresh status = %+v", st)
	}

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err = e.Status(ctx, h)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.CurrentVersion != 3 || st.PendingCount != 0 || len(st.Applied) != 3 {
		t.Errorf("status after migrate = %+v", st)
	}
	if st.Drift != 0 {
		t.Errorf("drift = %d, want 0", st.Drift)
	}
	if st.Applied[0].Description != "agencies ledger" {
		t.Errorf("applied[0] description = %q", st.Applied[0].Description)
	}
}

func TestStatus_CountsDrift(t *testing.T) {
	e, h := newTestEngine(t, testSteps())
	ctx := context.Background()

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// A row from a build this registry has never heard of.
	if _, err := h.DB.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, description, applied_at, checksum)
		VALUES (99, 'from the future', 0, 'abc');
	`); err != nil {
		t.Fatalf("insert foreign row: %v", err)
	}

	st, err := e.Status(ctx, h)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Drift != 1 {
		t.Errorf("drift = %d, want 1", st.Drift)
	}
	if st.CurrentVersion != 99 {
		t.Errorf("current version = %d, want 99", st.CurrentVersion)
	}
}

func TestVerifyChecksums(t *testing.T) {
	e, h := newTestEngine(t, testSteps())
	ctx := context.Background()

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mismatches, err := e.VerifyChecksums(ctx, h)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("mismatches = %v, want none", mismatches)
	}

	// Tamper with the recorded checksum for version 2.
	if _, err := h.DB.ExecContext(ctx, `
		UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 2;
	`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	mismatches, err = e.VerifyChecksums(ctx, h)
	if err != nil {
		t.Fatalf("verify after tamper: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Version != 2 {
		t.Fatalf("mismatches = %+v, want one for version 2", mismatches)
	}
	if mismatches[0].Recorded != "tampered" {
		t.Errorf("recorded = %q, want tampered", mismatches[0].Recorded)
	}
}

func TestMigrate_PropagatesTraceID(t *testing.T) {
	e, h := newTestEngine(t, testSteps())

	var buf bytes.Buffer
	logged := NewEngine(e.Registry(), slog.New(slog.NewJSONHandler(&buf, nil)), nil, nil, nil)

	ctx := shared.WithTraceID(context.Background(), "trace-feedbeef")
	if _, err := logged.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(buf.String(), "trace-feedbeef") {
		t.Error("migration log should carry the caller's trace id")
	}

	// Without a caller-supplied id the run still logs a generated one.
	buf.Reset()
	if _, err := logged.Rollback(context.Background(), h, 0); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !strings.Contains(buf.String(), `"trace_id":"`) || strings.Contains(buf.String(), `"trace_id":"-"`) {
		t.Error("rollback log should carry a generated trace id")
	}
}
