// Package pool owns the lifecycle of one SQLite handle per agency. Tenant
// databases are single-file stores with no cross-process writer support, so
// the pool keeps at most one open writable handle per agency id within this
// process and hands out borrowed references only.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/agencydb/internal/bus"
	otelPkg "github.com/basket/agencydb/internal/otel"
)

const (
	tenantFileName = "agency.db"

	defaultConnectTimeout = 5 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoffBase    = 100 * time.Millisecond
	maxBackoff            = 2 * time.Second
)

// pragmaProfile is applied identically on every open, durable or transient,
// so operational behavior is uniform across tenants. External tooling relies
// on this profile; it is not configurable.
var pragmaProfile = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA cache_size=-8000;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA mmap_size=67108864;",
	"PRAGMA foreign_keys=ON;",
}

// Options selects how a tenant database is opened.
type Options struct {
	// Durable false opens a transient in-memory store that vanishes on close.
	Durable bool
	// ReadOnly opens without write permission; schema mutation is rejected
	// downstream for such handles.
	ReadOnly bool
	// ConnectTimeout bounds each individual open attempt. Zero uses the
	// pool default.
	ConnectTimeout time.Duration
}

// DefaultOptions opens a durable, writable store with the pool's timeout.
func DefaultOptions() Options {
	return Options{Durable: true}
}

// Handle is a borrowed reference to a tenant connection. Callers must not
// close the underlying DB; the pool owns it.
type Handle struct {
	AgencyID string
	DB       *sql.DB
	Path     string
	ReadOnly bool
}

// Settings configures a Pool at construction.
type Settings struct {
	// DataDir is the root under which every durable tenant file must live.
	DataDir string
	// MaxConnectAttempts bounds the retry loop per Get call.
	MaxConnectAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// ConnectTimeout is the per-attempt deadline when Options does not set one.
	ConnectTimeout time.Duration
}

type conn struct {
	db       *sql.DB
	path     string
	readOnly bool
	attempts int
	openedAt time.Time
}

// Pool hands out live, fully configured connections keyed by agency id.
type Pool struct {
	settings Settings
	logger   *slog.Logger
	bus      *bus.Bus         // may be nil
	metrics  *otelPkg.Metrics // may be nil

	// mu guards the maps and the closed flag only; it is never held across
	// an open or a backoff sleep. Open/close of one tenant is serialized by
	// that tenant's own lock so a slow tenant cannot stall the others.
	mu     sync.Mutex
	conns  map[string]*conn
	locks  map[string]*sync.Mutex
	closed bool
}

// New creates a Pool. bus and metrics may be nil; the pool then skips
// publishing and recording.
func New(settings Settings, logger *slog.Logger, eventBus *bus.Bus, metrics *otelPkg.Metrics) (*Pool, error) {
	if strings.TrimSpace(settings.DataDir) == "" {
		return nil, &ConfigurationError{Field: "data dir", Reason: "must not be empty"}
	}
	if err := checkDataDir(settings.DataDir); err != nil {
		return nil, err
	}
	if settings.MaxConnectAttempts <= 0 {
		settings.MaxConnectAttempts = defaultMaxAttempts
	}
	if settings.BackoffBase <= 0 {
		settings.BackoffBase = defaultBackoffBase
	}
	if settings.ConnectTimeout <= 0 {
		settings.ConnectTimeout = defaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		settings: settings,
		logger:   logger,
		bus:      eventBus,
		metrics:  metrics,
		conns:    make(map[string]*conn),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// tenantLock returns the mutex serializing one agency's open/close lifecycle.
func (p *Pool) tenantLock(agencyID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[agencyID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[agencyID] = l
	}
	return l
}

// Get returns a live handle for the agency, reusing an existing healthy
// connection or opening a new one with bounded retries.
func (p *Pool) Get(ctx context.Context, agencyID string, opts Options) (*Handle, error) {
	if err := validateAgencyID(agencyID); err != nil {
		return nil, err
	}

	lock := p.tenantLock(agencyID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &ConfigurationError{Field: "pool", Reason: "pool is closed"}
	}
	existing, ok := p.conns[agencyID]
	p.mu.Unlock()

	if ok {
		sameMode := existing.readOnly == opts.ReadOnly && (existing.path == ":memory:") == !opts.Durable
		if sameMode && p.healthy(ctx, existing) {
			return &Handle{AgencyID: agencyID, DB: existing.db, Path: existing.path, ReadOnly: existing.readOnly}, nil
		}
		// Broken handle or access-mode mismatch: evict and reopen.
		p.evict(agencyID, existing)
	}

	c, err := p.openWithRetry(ctx, agencyID, opts)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.db.Close()
		return nil, &ConfigurationError{Field: "pool", Reason: "pool is closed"}
	}
	p.conns[agencyID] = c
	p.mu.Unlock()

	p.logger.Info("tenant connection opened",
		"agency_id", agencyID, "path", c.path, "read_only", c.readOnly, "attempts", c.attempts)
	if p.bus != nil {
		p.bus.Publish(bus.TopicPoolConnectionOpened, bus.PoolConnectionEvent{
			AgencyID: agencyID, Path: c.path, ReadOnly: c.readOnly,
		})
	}
	if p.metrics != nil {
		p.metrics.ConnectionOpens.Add(ctx, 1)
		p.metrics.OpenConnections.Add(ctx, 1)
	}
	return &Handle{AgencyID: agencyID, DB: c.db, Path: c.path, ReadOnly: c.readOnly}, nil
}

// Test is a best-effort liveness probe: it runs a trivial read against the
// agency's database and reports the outcome. It never returns an error and
// never creates a tenant; an agency with no open handle must already have a
// database file on disk, so probing a typo'd id fails instead of fabricating
// an empty store.
func (p *Pool) Test(ctx context.Context, agencyID string) bool {
	if err := validateAgencyID(agencyID); err != nil {
		return false
	}

	p.mu.Lock()
	existing, open := p.conns[agencyID]
	p.mu.Unlock()
	if open {
		var one int
		return existing.db.QueryRowContext(ctx, "SELECT 1").Scan(&one) == nil && one == 1
	}

	path, err := p.resolveTenantPath(agencyID)
	if err != nil {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}

	h, err := p.Get(ctx, agencyID, DefaultOptions())
	if err != nil {
		return false
	}
	var one int
	return h.DB.QueryRowContext(ctx, "SELECT 1").Scan(&one) == nil && one == 1
}

// Close releases the agency's handle. Closing an agency that has no open
// handle is a no-op.
func (p *Pool) Close(agencyID string) error {
	lock := p.tenantLock(agencyID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	c, ok := p.conns[agencyID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.evict(agencyID, c)
	return nil
}

// CloseAll releases every handle and marks the pool closed.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*conn)
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for id, c := range conns {
		if err := c.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close agency %q: %w", id, err)
		}
	}
	return firstErr
}

// OpenAgencies returns the ids with a currently open handle, sorted order
// not guaranteed.
func (p *Pool) OpenAgencies() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	return ids
}

// ListTenants scans the data root for agency directories that contain a
// tenant database file. It reports what exists on disk, open or not.
func (p *Pool) ListTenants() ([]string, error) {
	entries, err := os.ReadDir(p.settings.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(p.settings.DataDir, entry.Name(), tenantFileName)); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// TenantPath returns the durable file path the pool would use for an agency.
func (p *Pool) TenantPath(agencyID string) (string, error) {
	if err := validateAgencyID(agencyID); err != nil {
		return "", err
	}
	return filepath.Join(p.settings.DataDir, agencyID, tenantFileName), nil
}

func (p *Pool) healthy(ctx context.Context, c *conn) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.settings.ConnectTimeout)
	defer cancel()
	return c.db.PingContext(probeCtx) == nil
}

func (p *Pool) evict(agencyID string, c *conn) {
	p.mu.Lock()
	delete(p.conns, agencyID)
	p.mu.Unlock()
	_ = c.db.Close()
	p.logger.Debug("tenant connection closed", "agency_id", agencyID, "path", c.path)
	if p.bus != nil {
		p.bus.Publish(bus.TopicPoolConnectionClosed, bus.PoolConnectionEvent{
			AgencyID: agencyID, Path: c.path, ReadOnly: c.readOnly,
		})
	}
	if p.metrics != nil {
		p.metrics.OpenConnections.Add(context.Background(), -1)
	}
}

// openWithRetry makes up to MaxConnectAttempts opens with exponential
// backoff between attempts. Connection failures are often transient on a
// desktop host (file lock contention, slow disk), so retrying here is
// correct; migration failures are never retried.
func (p *Pool) openWithRetry(ctx context.Context, agencyID string, opts Options) (*conn, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = p.settings.ConnectTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= p.settings.MaxConnectAttempts; attempt++ {
		if attempt > 1 && p.metrics != nil {
			p.metrics.ConnectionRetries.Add(ctx, 1)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		c, err := p.openOnce(attemptCtx, agencyID, opts)
		cancel()
		if err == nil {
			c.attempts = attempt
			return c, nil
		}
		lastErr = err

		// Caller bugs do not improve with retries.
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, err
		}

		if attempt == p.settings.MaxConnectAttempts {
			break
		}
		// Exponential backoff with bounded jitter: base, 2*base, 4*base...
		delay := p.settings.BackoffBase << uint(attempt-1)
		if delay > maxBackoff {
			delay = maxBackoff
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		p.logger.Warn("tenant connection attempt failed, retrying",
			"agency_id", agencyID, "attempt", attempt, "delay", delay.String(), "error", err)

		select {
		case <-ctx.Done():
			if p.metrics != nil {
				p.metrics.ConnectionFailures.Add(ctx, 1)
			}
			return nil, &ConnectionError{AgencyID: agencyID, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	if p.metrics != nil {
		p.metrics.ConnectionFailures.Add(ctx, 1)
	}
	return nil, &ConnectionError{AgencyID: agencyID, Attempts: p.settings.MaxConnectAttempts, Err: lastErr}
}

func (p *Pool) openOnce(ctx context.Context, agencyID string, opts Options) (*conn, error) {
	var dsn, path string
	if !opts.Durable {
		// Named in-memory store so the handle survives across the pool's
		// single cached connection.
		path = ":memory:"
		dsn = fmt.Sprintf("file:agencydb-%s?mode=memory&cache=shared&_busy_timeout=5000", url.QueryEscape(agencyID))
	} else {
		var err error
		path, err = p.resolveTenantPath(agencyID)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create tenant directory: %w", err)
		}
		mode := "rwc"
		if opts.ReadOnly {
			mode = "ro"
		}
		dsn = fmt.Sprintf("file:%s?mode=%s&_busy_timeout=5000", path, mode)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// Single-writer discipline: one physical connection per tenant handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := configurePragmas(ctx, db, opts.ReadOnly); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &conn{db: db, path: path, readOnly: opts.ReadOnly, openedAt: time.Now().UTC()}, nil
}

// resolveTenantPath joins the agency id under the data root and refuses any
// shape that would escape it.
func (p *Pool) resolveTenantPath(agencyID string) (string, error) {
	path := filepath.Join(p.settings.DataDir, agencyID, tenantFileName)
	cleaned := filepath.Clean(path)
	root := filepath.Clean(p.settings.DataDir)
	if !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return "", &ConfigurationError{Field: "agency id", Reason: "resolves outside the data root"}
	}
	return cleaned, nil
}

func configurePragmas(ctx context.Context, db *sql.DB, readOnly bool) error {
	for _, q := range pragmaProfile {
		// journal_mode requires write access; a read-only handle keeps
		// whatever mode the file already has.
		if readOnly && strings.Contains(q, "journal_mode") {
			continue
		}
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func validateAgencyID(agencyID string) error {
	id := strings.TrimSpace(agencyID)
	if id == "" {
		return &ConfigurationError{Field: "agency id", Reason: "must not be empty"}
	}
	if strings.ContainsRune(id, 0) {
		return &ConfigurationError{Field: "agency id", Reason: "contains a NUL byte"}
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return &ConfigurationError{Field: "agency id", Reason: "contains path traversal characters"}
	}
	return nil
}

func checkDataDir(dir string) error {
	if strings.ContainsRune(dir, 0) {
		return &ConfigurationError{Field: "data dir", Reason: "contains a NUL byte"}
	}
	cleaned := filepath.Clean(dir)
	if cleaned == string(filepath.Separator) || cleaned == "." {
		return &ConfigurationError{Field: "data dir", Reason: "must be an absolute directory below the filesystem root"}
	}
	return nil
}
