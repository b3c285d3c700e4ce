// Package agency tracks which tenant is active for the calling process. The
// manager is the single source of truth for "who is acting as which agency"
// and validates every switch against the connection pool before trusting it.
//
// The manager is explicitly constructed and process-wide mutable: a
// multi-actor process must either serialize context switches through one
// manager or give each actor its own instance.
package agency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agencydb/internal/audit"
	"github.com/basket/agencydb/internal/bus"
	otelPkg "github.com/basket/agencydb/internal/otel"
	"github.com/basket/agencydb/internal/pool"
	"github.com/basket/agencydb/internal/shared"
)

// Role classifies the acting user for auto-selection purposes.
type Role string

const (
	// RoleOperator is an elevated role allowed to auto-select any tenant.
	RoleOperator Role = "operator"
	// RoleStandard users belong to a fixed home tenant and must select it
	// explicitly; auto-selection for them is an unimplemented gap.
	RoleStandard Role = "standard"
)

// Context records who is acting as which agency right now.
type Context struct {
	AgencyID   string
	AgencyName string
	SetAt      time.Time
	SetBy      string
	IsDefault  bool
}

// ContextError wraps any failure while establishing or validating a tenant
// context.
type ContextError struct {
	Op       string
	AgencyID string
	Err      error
}

func (e *ContextError) Error() string {
	if e.AgencyID != "" {
		return fmt.Sprintf("agency context %s for %q: %v", e.Op, e.AgencyID, e.Err)
	}
	return fmt.Sprintf("agency context %s: %v", e.Op, e.Err)
}

func (e *ContextError) Unwrap() error { return e.Err }

// ErrNotInitialized reports manager misuse: reads before Initialize are a
// programmer error, not a runtime condition.
var ErrNotInitialized = fmt.Errorf("agency context manager not initialized")

const defaultHistoryDepth = 10

// AutoSelectCriteria drives AutoSelect.
type AutoSelectCriteria struct {
	Role        Role
	ActorID     string
	PreferredID string
	// DefaultToFirst falls back to the first tenant on disk with a live
	// connection when the preferred id is unusable.
	DefaultToFirst bool
}

// Manager owns the current agency context and a bounded history stack for
// "switch back" semantics.
type Manager struct {
	pool         *pool.Pool
	historyDepth int
	logger       *slog.Logger
	bus          *bus.Bus         // may be nil
	metrics      *otelPkg.Metrics // may be nil

	mu          sync.Mutex
	initialized bool
	current     *Context
	history     []Context // oldest first
}

// NewManager builds a manager bound to the given pool. historyDepth <= 0
// uses the default bound.
func NewManager(p *pool.Pool, historyDepth int, logger *slog.Logger, eventBus *bus.Bus, metrics *otelPkg.Metrics) *Manager {
	if historyDepth <= 0 {
		historyDepth = defaultHistoryDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pool:         p,
		historyDepth: historyDepth,
		logger:       logger,
		bus:          eventBus,
		metrics:      metrics,
	}
}

// Initialize marks the manager ready. Calling it again is a no-op.
func (m *Manager) Initialize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
}

// Reset returns the manager to its pre-Initialize state, dropping the
// current context and all history. Meant for teardown and test isolation.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	m.current = nil
	m.history = nil
}

// SetContext validates the agency through the pool and installs it as
// current. On failure the previous context is left untouched.
func (m *Manager) SetContext(ctx context.Context, agencyID, actorID, displayName string) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	m.mu.Unlock()

	// Probe outside the lock: Test may open a connection and block. The
	// probe never creates a tenant, so an unknown id fails here.
	if !m.pool.Test(ctx, agencyID) {
		return &ContextError{Op: "switch", AgencyID: agencyID, Err: fmt.Errorf("tenant database does not exist or is not reachable")}
	}

	if actorID == "" {
		actorID = shared.ActorID(ctx)
	}

	next := Context{
		AgencyID:   agencyID,
		AgencyName: displayName,
		SetAt:      time.Now().UTC(),
		SetBy:      actorID,
	}

	m.mu.Lock()
	prev := m.current
	if prev != nil {
		m.pushHistoryLocked(*prev)
	}
	m.current = &next
	m.mu.Unlock()

	m.announceSwitch(ctx, prev, next)
	return nil
}

// Current returns the active context. ok is false when nothing is selected.
func (m *Manager) Current() (Context, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return Context{}, false, ErrNotInitialized
	}
	if m.current == nil {
		return Context{}, false, nil
	}
	return *m.current, true, nil
}

// CurrentAgencyID returns the active agency id, "" when none is selected.
func (m *Manager) CurrentAgencyID() (string, error) {
	c, ok, err := m.Current()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return c.AgencyID, nil
}

// CurrentDB resolves the current context to a live connection. ok is false
// with a nil error when no context is set, distinguishing "nothing
// selected" from "selection is broken".
func (m *Manager) CurrentDB(ctx context.Context) (*pool.Handle, bool, error) {
	c, ok, err := m.Current()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	h, err := m.pool.Get(ctx, c.AgencyID, pool.DefaultOptions())
	if err != nil {
		return nil, false, &ContextError{Op: "resolve", AgencyID: c.AgencyID, Err: err}
	}
	return h, true, nil
}

// AutoSelect installs a default context for an elevated role: the preferred
// id first, then the first tenant on disk with a live connection when
// DefaultToFirst is set. Standard actors must select explicitly; that path
// fails with a ContextError rather than guessing a home tenant.
func (m *Manager) AutoSelect(ctx context.Context, criteria AutoSelectCriteria) (Context, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return Context{}, ErrNotInitialized
	}
	m.mu.Unlock()

	if criteria.Role != RoleOperator {
		return Context{}, &ContextError{
			Op:  "auto-select",
			Err: fmt.Errorf("not implemented for role %q: standard actors must select their agency explicitly", criteria.Role),
		}
	}

	if criteria.PreferredID != "" && m.pool.Test(ctx, criteria.PreferredID) {
		return m.installDefault(ctx, criteria.PreferredID, criteria.ActorID)
	}

	if criteria.DefaultToFirst {
		tenants, err := m.pool.ListTenants()
		if err != nil {
			return Context{}, &ContextError{Op: "auto-select", Err: err}
		}
		for _, id := range tenants {
			if m.pool.Test(ctx, id) {
				return m.installDefault(ctx, id, criteria.ActorID)
			}
		}
	}

	return Context{}, &ContextError{Op: "auto-select", Err: fmt.Errorf("no usable tenant found")}
}

func (m *Manager) installDefault(ctx context.Context, agencyID, actorID string) (Context, error) {
	next := Context{
		AgencyID:  agencyID,
		SetAt:     time.Now().UTC(),
		SetBy:     actorID,
		IsDefault: true,
	}
	m.mu.Lock()
	prev := m.current
	if prev != nil {
		m.pushHistoryLocked(*prev)
	}
	m.current = &next
	m.mu.Unlock()

	m.announceSwitch(ctx, prev, next)
	return next, nil
}

// SwitchToPrevious pops the most recent history entry and installs it as
// current. ok is false when history is empty. The replaced context is NOT
// pushed back, preventing history oscillation.
func (m *Manager) SwitchToPrevious(ctx context.Context) (Context, bool, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return Context{}, false, ErrNotInitialized
	}
	if len(m.history) == 0 {
		m.mu.Unlock()
		return Context{}, false, nil
	}
	prev := m.current
	restored := m.history[len(m.history)-1]
	m.history = m.history[:len(m.history)-1]
	m.current = &restored
	m.mu.Unlock()

	m.announceSwitch(ctx, prev, restored)
	return restored, true, nil
}

// ClearContext drops the current context without touching history.
func (m *Manager) ClearContext() error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	prev := m.current
	m.current = nil
	m.mu.Unlock()

	if prev != nil {
		prevID := prev.AgencyID
		m.logger.Info("agency context cleared", "agency_id", prevID)
		audit.ContextCleared(prevID)
		if m.bus != nil {
			m.bus.Publish(bus.TopicAgencyContextCleared, bus.AgencyContextEvent{PrevID: prevID})
		}
	}
	return nil
}

// Validate re-resolves the current context through the pool and runs a
// trivial read. It reports false on any failure: "context is currently
// invalid" is an expected steady state, not an error.
func (m *Manager) Validate(ctx context.Context) bool {
	c, ok, err := m.Current()
	if err != nil || !ok {
		return false
	}
	return m.pool.Test(ctx, c.AgencyID)
}

// HistorySize reports how many superseded contexts are retained.
func (m *Manager) HistorySize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

func (m *Manager) pushHistoryLocked(c Context) {
	m.history = append(m.history, c)
	if len(m.history) > m.historyDepth {
		// Evict oldest first.
		m.history = m.history[len(m.history)-m.historyDepth:]
	}
}

func (m *Manager) announceSwitch(ctx context.Context, prev *Context, next Context) {
	prevID := ""
	if prev != nil {
		prevID = prev.AgencyID
	}
	m.logger.Info("agency context switched",
		"agency_id", next.AgencyID, "prev_agency_id", prevID,
		"actor_id", next.SetBy, "is_default", next.IsDefault)
	audit.ContextSwitched(next.AgencyID, prevID, next.SetBy, next.IsDefault)
	if m.bus != nil {
		m.bus.Publish(bus.TopicAgencyContextChanged, bus.AgencyContextEvent{
			AgencyID:   next.AgencyID,
			PrevID:     prevID,
			ActorID:    next.SetBy,
			IsDefault:  next.IsDefault,
			AgencyName: next.AgencyName,
		})
	}
	if m.metrics != nil {
		m.metrics.ContextSwitches.Add(ctx, 1)
	}
}
