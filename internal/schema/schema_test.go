package schema

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/agencydb/internal/migration"
	"github.com/basket/agencydb/internal/pool"
)

func newTenantHandle(t *testing.T) *pool.Handle {
	t.Helper()
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
	return h
}

func TestRegistryBuilds(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if r.MaxVersion() != 8 {
		t.Errorf("max version = %d, want 8", r.MaxVersion())
	}
	for _, s := range r.Steps() {
		if s.Checksum == "" {
			t.Errorf("step %d has no checksum", s.Version)
		}
	}
}

func TestFullMigrationCreatesEveryRequiredTable(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	e := migration.NewEngine(r, nil, nil, nil, nil)
	h := newTenantHandle(t)
	ctx := context.Background()

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	res := e.ValidateSchema(ctx, h, RequiredTables(), Probes())
	if !res.Valid {
		t.Errorf("fresh fully migrated tenant failed validation: %+v", res)
	}

	st, err := e.Status(ctx, h)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.CurrentVersion != 8 || st.PendingCount != 0 {
		t.Errorf("status = %+v, want version 8 with nothing pending", st)
	}
}

func TestSchemaEnforcesBusinessRules(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	e := migration.NewEngine(r, nil, nil, nil, nil)
	h := newTenantHandle(t)
	ctx := context.Background()

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Now().Unix()
	if _, err := h.DB.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, price_cents, created_at) VALUES ('p1', 'SKU-1', 'Widget', -100, ?);
	`, now); err == nil {
		t.Error("negative price should violate the CHECK constraint")
	}
	if _, err := h.DB.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, status, created_at, updated_at) VALUES ('o1', 'missing', 'draft', ?, ?);
	`, now, now); err == nil {
		t.Error("order for an unknown customer should violate the foreign key")
	}
	if _, err := h.DB.ExecContext(ctx, `
		INSERT INTO employees (id, username, display_name, role, password_hash, created_at)
		VALUES ('e1', 'jo', 'Jo', 'superuser', 'x', ?);
	`, now); err == nil {
		t.Error("unknown role should violate the CHECK constraint")
	}
}

func TestOrderLinesCascadeWithOrder(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	e := migration.NewEngine(r, nil, nil, nil, nil)
	h := newTenantHandle(t)
	ctx := context.Background()

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Now().Unix()
	seed := []string{
		`INSERT INTO customers (id, name, created_at) VALUES ('c1', 'Acme Retail', 0);`,
		`INSERT INTO products (id, sku, name, price_cents, created_at) VALUES ('p1', 'SKU-1', 'Widget', 500, 0);`,
	}
	for _, q := range seed {
		if _, err := h.DB.ExecContext(ctx, q); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := h.DB.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, created_at, updated_at) VALUES ('o1', 'c1', ?, ?);
	`, now, now); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	if _, err := h.DB.ExecContext(ctx, `
		INSERT INTO order_lines (order_id, product_id, quantity, unit_price_cents) VALUES ('o1', 'p1', 2, 500);
	`); err != nil {
		t.Fatalf("insert line: %v", err)
	}

	if _, err := h.DB.ExecContext(ctx, `DELETE FROM orders WHERE id = 'o1';`); err != nil {
		t.Fatalf("delete order: %v", err)
	}
	var lines int
	if err := h.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_lines;`).Scan(&lines); err != nil {
		t.Fatalf("count lines: %v", err)
	}
	if lines != 0 {
		t.Errorf("order_lines = %d after order delete, want 0 (cascade)", lines)
	}
}

func TestRollbackStopsAtIrreversibleBackfill(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	e := migration.NewEngine(r, nil, nil, nil, nil)
	h := newTenantHandle(t)
	ctx := context.Background()

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// The balance backfill has no down path; rolling back past it fails
	// before any statement runs.
	_, err = e.Rollback(ctx, h, 7)
	var mErr *migration.MigrationError
	if !errors.As(err, &mErr) {
		t.Fatalf("rollback error = %v, want MigrationError", err)
	}
	if mErr.Version != 8 {
		t.Errorf("failed version = %d, want 8", mErr.Version)
	}

	st, err := e.Status(ctx, h)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.CurrentVersion != 8 {
		t.Errorf("version after failed rollback = %d, want 8 untouched", st.CurrentVersion)
	}
}

func TestPartialHistoryRollsBackCleanly(t *testing.T) {
	// Versions 1..7 are all reversible; a registry cut before the backfill
	// round-trips.
	r, err := migration.NewRegistry(Steps()[:7])
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	e := migration.NewEngine(r, nil, nil, nil, nil)
	h := newTenantHandle(t)
	ctx := context.Background()

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	outcomes, err := e.Rollback(ctx, h, 3)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	want := []int64{7, 6, 5, 4}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %d, want %d", len(outcomes), len(want))
	}
	for i, v := range want {
		if outcomes[i].Version != v {
			t.Errorf("outcome[%d] = %d, want %d", i, outcomes[i].Version, v)
		}
	}
	st, err := e.Status(ctx, h)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.CurrentVersion != 3 || st.PendingCount != 4 {
		t.Errorf("status = %+v, want version 3 with 4 pending", st)
	}
}

func TestProbesDetectOrphanedLines(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	e := migration.NewEngine(r, nil, nil, nil, nil)
	h := newTenantHandle(t)
	ctx := context.Background()

	if _, err := e.Migrate(ctx, h); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// Disable FK enforcement on this connection to plant a broken row the
	// way a corrupted file would carry one.
	if _, err := h.DB.ExecContext(ctx, `PRAGMA foreign_keys=OFF;`); err != nil {
		t.Fatalf("disable fk: %v", err)
	}
	if _, err := h.DB.ExecContext(ctx, `
		INSERT INTO order_lines (order_id, product_id, quantity, unit_price_cents)
		VALUES ('ghost', 'ghost', 1, 100);
	`); err != nil {
		t.Fatalf("plant orphan: %v", err)
	}
	if _, err := h.DB.ExecContext(ctx, `PRAGMA foreign_keys=ON;`); err != nil {
		t.Fatalf("re-enable fk: %v", err)
	}

	res := e.ValidateSchema(ctx, h, RequiredTables(), Probes())
	if res.Valid {
		t.Fatal("orphaned order line should fail validation")
	}
	if res.FirstViolated != "foreign-key-integrity" {
		t.Errorf("first violated = %q, want foreign-key-integrity", res.FirstViolated)
	}
}
