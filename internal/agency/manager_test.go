package agency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/basket/agencydb/internal/pool"
	"github.com/basket/agencydb/internal/shared"
)

func newTestManager(t *testing.T) (*Manager, *pool.Pool) {
	t.Helper()
	p, err := pool.New(pool.Settings{
		DataDir:            t.TempDir(),
		MaxConnectAttempts: 2,
		BackoffBase:        time.Millisecond,
		ConnectTimeout:     2 * time.Second,
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() { _ = p.CloseAll() })

	m := NewManager(p, 3, nil, nil, nil)
	m.Initialize()
	return m, p
}

// seedTenants creates tenant database files so context switches have
// something real to validate against.
func seedTenants(t *testing.T, p *pool.Pool, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := p.Get(context.Background(), id, pool.DefaultOptions()); err != nil {
			t.Fatalf("seed tenant %s: %v", id, err)
		}
	}
}

func TestSetContext_InstallsCurrent(t *testing.T) {
	m, p := newTestManager(t)
	ctx := context.Background()
	seedTenants(t, p, "acme")

	if err := m.SetContext(ctx, "acme", "user-1", "Acme Travel"); err != nil {
		t.Fatalf("set context: %v", err)
	}
	c, ok, err := m.Current()
	if err != nil || !ok {
		t.Fatalf("current = %v, ok=%v, err=%v", c, ok, err)
	}
	if c.AgencyID != "acme" || c.SetBy != "user-1" || c.AgencyName != "Acme Travel" {
		t.Errorf("context = %+v, want acme set by user-1", c)
	}
	if c.IsDefault {
		t.Error("explicit switch should not be marked default")
	}
}

func TestSetContext_UnknownTenantRejected(t *testing.T) {
	m, p := newTestManager(t)
	ctx := context.Background()

	err := m.SetContext(ctx, "ghost-tenant", "user-1", "")
	var ctxErr *ContextError
	if !errors.As(err, &ctxErr) {
		t.Fatalf("error = %v, want ContextError for nonexistent tenant", err)
	}
	if _, ok, _ := m.Current(); ok {
		t.Error("failed switch must not install a context")
	}

	// The rejected switch must not fabricate a tenant database either.
	path, err := p.TenantPath("ghost-tenant")
	if err != nil {
		t.Fatalf("tenant path: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("switch fabricated a tenant database at %s", path)
	}
}

func TestSetContext_ActorFromContext(t *testing.T) {
	m, p := newTestManager(t)
	seedTenants(t, p, "acme")

	ctx := shared.WithActorID(context.Background(), "ctx-user")
	if err := m.SetContext(ctx, "acme", "", ""); err != nil {
		t.Fatalf("set context: %v", err)
	}
	c, ok, _ := m.Current()
	if !ok || c.SetBy != "ctx-user" {
		t.Errorf("SetBy = %q, want actor id carried on the context", c.SetBy)
	}
}

func TestSetContext_InvalidTenantLeavesPriorContext(t *testing.T) {
	m, p := newTestManager(t)
	ctx := context.Background()
	seedTenants(t, p, "acme")

	if err := m.SetContext(ctx, "acme", "user-1", ""); err != nil {
		t.Fatalf("set context: %v", err)
	}

	err := m.SetContext(ctx, "../escape", "user-1", "")
	var ctxErr *ContextError
	if !errors.As(err, &ctxErr) {
		t.Fatalf("error = %v, want ContextError", err)
	}

	c, ok, _ := m.Current()
	if !ok || c.AgencyID != "acme" {
		t.Errorf("current = %+v, want acme preserved after failed switch", c)
	}
	if m.HistorySize() != 0 {
		t.Errorf("history size = %d, failed switch must not push history", m.HistorySize())
	}
}

func TestUninitializedManagerErrors(t *testing.T) {
	p, err := pool.New(pool.Settings{DataDir: t.TempDir()}, nil, nil, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer p.CloseAll()
	m := NewManager(p, 0, nil, nil, nil)

	if err := m.SetContext(context.Background(), "acme", "u", ""); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SetContext error = %v, want ErrNotInitialized", err)
	}
	if _, _, err := m.Current(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Current error = %v, want ErrNotInitialized", err)
	}
	if err := m.ClearContext(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ClearContext error = %v, want ErrNotInitialized", err)
	}
}

func TestSwitchToPrevious_RestoresFullContext(t *testing.T) {
	m, p := newTestManager(t)
	ctx := context.Background()
	seedTenants(t, p, "alpha", "beta")

	if err := m.SetContext(ctx, "alpha", "user-1", "Alpha Tours"); err != nil {
		t.Fatalf("set alpha: %v", err)
	}
	if err := m.SetContext(ctx, "beta", "user-2", "Beta Travel"); err != nil {
		t.Fatalf("set beta: %v", err)
	}

	restored, ok, err := m.SwitchToPrevious(ctx)
	if err != nil || !ok {
		t.Fatalf("switch to previous: ok=%v err=%v", ok, err)
	}
	if restored.AgencyID != "alpha" || restored.SetBy != "user-1" || restored.AgencyName != "Alpha Tours" {
		t.Errorf("restored = %+v, want alpha with original metadata", restored)
	}
	// The replaced context is not pushed back, so history is now empty.
	if _, ok, _ := m.SwitchToPrevious(ctx); ok {
		t.Error("second switch-to-previous should report empty history")
	}
}

func TestHistoryBoundedEvictsOldest(t *testing.T) {
	m, p := newTestManager(t) // depth 3
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("agency-%d", i)
		seedTenants(t, p, id)
		if err := m.SetContext(ctx, id, "user-1", ""); err != nil {
			t.Fatalf("set %s: %v", id, err)
		}
	}
	if m.HistorySize() != 3 {
		t.Fatalf("history size = %d, want 3", m.HistorySize())
	}

	// The three retained entries are the most recent superseded contexts:
	// agency-4, agency-3, agency-2 in pop order.
	want := []string{"agency-4", "agency-3", "agency-2"}
	for _, id := range want {
		c, ok, err := m.SwitchToPrevious(ctx)
		if err != nil || !ok {
			t.Fatalf("pop %s: ok=%v err=%v", id, ok, err)
		}
		if c.AgencyID != id {
			t.Errorf("popped %s, want %s", c.AgencyID, id)
		}
	}
}

func TestClearContext_KeepsHistory(t *testing.T) {
	m, p := newTestManager(t)
	ctx := context.Background()
	seedTenants(t, p, "alpha", "beta")

	if err := m.SetContext(ctx, "alpha", "u", ""); err != nil {
		t.Fatalf("set alpha: %v", err)
	}
	if err := m.SetContext(ctx, "beta", "u", ""); err != nil {
		t.Fatalf("set beta: %v", err)
	}
	if err := m.ClearContext(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if _, ok, _ := m.Current(); ok {
		t.Error("current should be empty after clear")
	}
	if m.HistorySize() != 1 {
		t.Errorf("history size = %d, clear must not touch history", m.HistorySize())
	}
}

func TestCurrentDB_NoContext(t *testing.T) {
	m, _ := newTestManager(t)

	h, ok, err := m.CurrentDB(context.Background())
	if err != nil {
		t.Fatalf("current db: %v", err)
	}
	if ok || h != nil {
		t.Errorf("expected (nil, false, nil) with no context, got (%v, %v)", h, ok)
	}
}

func TestCurrentDB_ResolvesHandle(t *testing.T) {
	m, p := newTestManager(t)
	ctx := context.Background()
	seedTenants(t, p, "acme")

	if err := m.SetContext(ctx, "acme", "u", ""); err != nil {
		t.Fatalf("set context: %v", err)
	}
	h, ok, err := m.CurrentDB(ctx)
	if err != nil || !ok {
		t.Fatalf("current db: ok=%v err=%v", ok, err)
	}
	var one int
	if err := h.DB.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		t.Fatalf("probe query: %v", err)
	}
}

func TestValidate(t *testing.T) {
	m, p := newTestManager(t)
	ctx := context.Background()
	seedTenants(t, p, "acme")

	if m.Validate(ctx) {
		t.Error("validate with no context should report false")
	}
	if err := m.SetContext(ctx, "acme", "u", ""); err != nil {
		t.Fatalf("set context: %v", err)
	}
	if !m.Validate(ctx) {
		t.Error("validate on a live context should report true")
	}
}

func TestAutoSelect_PreferredTenant(t *testing.T) {
	m, p := newTestManager(t)
	ctx := context.Background()
	seedTenants(t, p, "hq")

	c, err := m.AutoSelect(ctx, AutoSelectCriteria{
		Role:        RoleOperator,
		ActorID:     "admin",
		PreferredID: "hq",
	})
	if err != nil {
		t.Fatalf("auto-select: %v", err)
	}
	if c.AgencyID != "hq" || !c.IsDefault {
		t.Errorf("context = %+v, want default hq context", c)
	}
}

func TestAutoSelect_FirstTenantOnDisk(t *testing.T) {
	m, p := newTestManager(t)
	ctx := context.Background()
	seedTenants(t, p, "bravo", "alpha")

	c, err := m.AutoSelect(ctx, AutoSelectCriteria{
		Role:           RoleOperator,
		ActorID:        "admin",
		DefaultToFirst: true,
	})
	if err != nil {
		t.Fatalf("auto-select: %v", err)
	}
	if c.AgencyID != "alpha" {
		t.Errorf("selected %q, want first tenant alpha", c.AgencyID)
	}
}

func TestAutoSelect_StandardRoleNotImplemented(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.AutoSelect(context.Background(), AutoSelectCriteria{
		Role:    RoleStandard,
		ActorID: "user-1",
	})
	var ctxErr *ContextError
	if !errors.As(err, &ctxErr) {
		t.Fatalf("error = %v, want ContextError", err)
	}
	if ctxErr.Op != "auto-select" {
		t.Errorf("op = %q, want auto-select", ctxErr.Op)
	}
}

func TestReset(t *testing.T) {
	m, p := newTestManager(t)
	ctx := context.Background()
	seedTenants(t, p, "acme")

	if err := m.SetContext(ctx, "acme", "u", ""); err != nil {
		t.Fatalf("set context: %v", err)
	}
	m.Reset()

	if _, _, err := m.Current(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Current after Reset = %v, want ErrNotInitialized", err)
	}
}
