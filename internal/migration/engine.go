package migration

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agencydb/internal/audit"
	"github.com/basket/agencydb/internal/bus"
	otelPkg "github.com/basket/agencydb/internal/otel"
	"github.com/basket/agencydb/internal/pool"
	"github.com/basket/agencydb/internal/shared"
)

const versionTableDDL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		applied_at INTEGER NOT NULL,
		checksum TEXT NOT NULL
	);
`

// Outcome reports one step of a migrate or rollback run.
type Outcome struct {
	Version    int64
	Success    bool
	ExecutedAt time.Time
	Duration   time.Duration
	Err        error
}

// AppliedStep is one row of the schema_migrations ledger.
type AppliedStep struct {
	Version     int64
	Description string
	AppliedAt   time.Time
	Checksum    string
}

// SchemaStatus summarizes where a tenant database stands relative to the
// registry.
type SchemaStatus struct {
	CurrentVersion int64
	MaxVersion     int64
	PendingCount   int
	Applied        []AppliedStep
	// Drift counts applied ledger rows whose version is unknown to the
	// registry. Non-zero drift means the file was touched by a newer or
	// foreign build.
	Drift int
}

// ChecksumMismatch reports one applied step whose recorded checksum differs
// from the registry's.
type ChecksumMismatch struct {
	Version  int64
	Recorded string
	Expected string
}

// Engine applies registry steps to tenant databases. Safe for concurrent use
// across distinct databases; SQLite serializes writers per file regardless.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
	bus      *bus.Bus         // may be nil
	metrics  *otelPkg.Metrics // may be nil
	tracer   trace.Tracer
}

// NewEngine binds a registry to the ambient stack. bus, metrics and tracer
// may be nil.
func NewEngine(r *Registry, logger *slog.Logger, eventBus *bus.Bus, metrics *otelPkg.Metrics, tracer trace.Tracer) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("agencydb")
	}
	return &Engine{registry: r, logger: logger, bus: eventBus, metrics: metrics, tracer: tracer}
}

// Registry returns the step set the engine runs from.
func (e *Engine) Registry() *Registry { return e.registry }

// Migrate applies every pending step in one transaction. The run is
// all-or-nothing: a failing statement rolls back every step of the run and
// surfaces a MigrationError naming the offending version. Connection-level
// retries happen below in the pool; a failed migration is never retried.
func (e *Engine) Migrate(ctx context.Context, h *pool.Handle) ([]Outcome, error) {
	if h.ReadOnly {
		return nil, &MigrationError{Op: "migrate", Err: fmt.Errorf("handle for %q is read-only", h.AgencyID)}
	}

	runID := shared.NewRunID()
	ctx = shared.WithRunID(ctx, runID)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
		ctx = shared.WithTraceID(ctx, traceID)
	}
	ctx, span := otelPkg.StartSpan(ctx, e.tracer, "migration.migrate",
		otelPkg.AttrAgencyID.String(h.AgencyID),
		otelPkg.AttrRunID.String(runID),
	)
	defer span.End()

	start := time.Now()
	current, err := e.ensureVersionTable(ctx, h.DB)
	if err != nil {
		return nil, &MigrationError{Op: "migrate", Err: err}
	}
	pending := e.registry.Pending(current)
	span.SetAttributes(otelPkg.AttrMigrationSteps.Int(len(pending)))
	if len(pending) == 0 {
		e.logger.Info("schema already current",
			"agency_id", h.AgencyID, "version", current, "run_id", runID, "trace_id", traceID)
		return nil, nil
	}

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, &MigrationError{Op: "migrate", Err: fmt.Errorf("begin migration tx: %w", err)}
	}
	defer func() { _ = tx.Rollback() }()

	outcomes := make([]Outcome, 0, len(pending))
	for _, step := range pending {
		stepStart := time.Now()
		if err := e.applyStepTx(ctx, tx, step); err != nil {
			outcomes = append(outcomes, Outcome{
				Version: step.Version, ExecutedAt: stepStart.UTC(),
				Duration: time.Since(stepStart), Err: err,
			})
			e.failRun(ctx, h.AgencyID, runID, current, step.Version, "migrate", err)
			return outcomes, &MigrationError{Version: step.Version, Op: "migrate", Err: err}
		}
		outcomes = append(outcomes, Outcome{
			Version: step.Version, Success: true,
			ExecutedAt: stepStart.UTC(), Duration: time.Since(stepStart),
		})
	}

	if err := tx.Commit(); err != nil {
		last := pending[len(pending)-1].Version
		e.failRun(ctx, h.AgencyID, runID, current, last, "migrate", err)
		return nil, &MigrationError{Version: last, Op: "migrate", Err: fmt.Errorf("commit migration tx: %w", err)}
	}

	target := pending[len(pending)-1].Version
	e.logger.Info("migration applied",
		"agency_id", h.AgencyID, "run_id", runID, "trace_id", traceID,
		"from_version", current, "to_version", target, "steps", len(pending))
	for _, o := range outcomes {
		audit.MigrationApplied(h.AgencyID, o.Version)
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicMigrationApplied, bus.MigrationEvent{
			AgencyID: h.AgencyID, RunID: runID,
			FromVersion: current, ToVersion: target, Steps: len(pending),
		})
	}
	if e.metrics != nil {
		e.metrics.MigrationSteps.Add(ctx, int64(len(pending)))
		e.metrics.MigrationDuration.Record(ctx, time.Since(start).Seconds())
	}
	return outcomes, nil
}

// Rollback reverses every applied step above target, descending, in one
// transaction. Any irreversible step in range fails the call before the
// database is touched.
func (e *Engine) Rollback(ctx context.Context, h *pool.Handle, target int64) ([]Outcome, error) {
	if h.ReadOnly {
		return nil, &MigrationError{Op: "rollback", Err: fmt.Errorf("handle for %q is read-only", h.AgencyID)}
	}
	if target < 0 {
		return nil, &MigrationError{Op: "rollback", Err: fmt.Errorf("target version %d is negative", target)}
	}

	runID := shared.NewRunID()
	ctx = shared.WithRunID(ctx, runID)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
		ctx = shared.WithTraceID(ctx, traceID)
	}
	ctx, span := otelPkg.StartSpan(ctx, e.tracer, "migration.rollback",
		otelPkg.AttrAgencyID.String(h.AgencyID),
		otelPkg.AttrRunID.String(runID),
		otelPkg.AttrTargetVersion.Int64(target),
	)
	defer span.End()

	start := time.Now()
	current, err := e.ensureVersionTable(ctx, h.DB)
	if err != nil {
		return nil, &MigrationError{Op: "rollback", Err: err}
	}
	if target > current {
		return nil, &MigrationError{Op: "rollback", Err: fmt.Errorf("target %d is above current version %d", target, current)}
	}

	set := e.registry.rollbackSet(current, target)
	if len(set) == 0 {
		return nil, nil
	}
	// Every step in range must be reversible before anything runs.
	for _, step := range set {
		if step.Irreversible() {
			return nil, &MigrationError{
				Version: step.Version, Op: "rollback",
				Err: fmt.Errorf("step %d (%s) is irreversible", step.Version, step.Description),
			}
		}
	}

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, &MigrationError{Op: "rollback", Err: fmt.Errorf("begin rollback tx: %w", err)}
	}
	defer func() { _ = tx.Rollback() }()

	outcomes := make([]Outcome, 0, len(set))
	for _, step := range set {
		stepStart := time.Now()
		if err := e.reverseStepTx(ctx, tx, step); err != nil {
			outcomes = append(outcomes, Outcome{
				Version: step.Version, ExecutedAt: stepStart.UTC(),
				Duration: time.Since(stepStart), Err: err,
			})
			e.failRun(ctx, h.AgencyID, runID, current, step.Version, "rollback", err)
			return outcomes, &MigrationError{Version: step.Version, Op: "rollback", Err: err}
		}
		outcomes = append(outcomes, Outcome{
			Version: step.Version, Success: true,
			ExecutedAt: stepStart.UTC(), Duration: time.Since(stepStart),
		})
	}

	if err := tx.Commit(); err != nil {
		last := set[len(set)-1].Version
		e.failRun(ctx, h.AgencyID, runID, current, last, "rollback", err)
		return nil, &MigrationError{Version: last, Op: "rollback", Err: fmt.Errorf("commit rollback tx: %w", err)}
	}

	e.logger.Info("migration rolled back",
		"agency_id", h.AgencyID, "run_id", runID, "trace_id", traceID,
		"from_version", current, "to_version", target, "steps", len(set))
	for _, o := range outcomes {
		audit.MigrationRolledBack(h.AgencyID, o.Version)
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicMigrationRolledBack, bus.MigrationEvent{
			AgencyID: h.AgencyID, RunID: runID,
			FromVersion: current, ToVersion: target, Steps: len(set),
		})
	}
	if e.metrics != nil {
		e.metrics.RollbackSteps.Add(ctx, int64(len(set)))
		e.metrics.MigrationDuration.Record(ctx, time.Since(start).Seconds())
	}
	return outcomes, nil
}

// Status reads where the database stands. Works on read-only handles.
func (e *Engine) Status(ctx context.Context, h *pool.Handle) (SchemaStatus, error) {
	st := SchemaStatus{MaxVersion: e.registry.MaxVersion()}

	exists, err := tableExists(ctx, h.DB, "schema_migrations")
	if err != nil {
		return st, fmt.Errorf("probe schema_migrations: %w", err)
	}
	if !exists {
		st.PendingCount = len(e.registry.Pending(0))
		return st, nil
	}

	rows, err := h.DB.QueryContext(ctx, `
		SELECT version, description, applied_at, checksum
		FROM schema_migrations ORDER BY version ASC;
	`)
	if err != nil {
		return st, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a AppliedStep
		var appliedAt int64
		if err := rows.Scan(&a.Version, &a.Description, &appliedAt, &a.Checksum); err != nil {
			return st, fmt.Errorf("scan schema_migrations row: %w", err)
		}
		a.AppliedAt = time.Unix(appliedAt, 0).UTC()
		st.Applied = append(st.Applied, a)
		if a.Version > st.CurrentVersion {
			st.CurrentVersion = a.Version
		}
		if _, known := e.registry.ByVersion(a.Version); !known {
			st.Drift++
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	st.PendingCount = len(e.registry.Pending(st.CurrentVersion))
	return st, nil
}

// VerifyChecksums compares the ledger against the registry and returns every
// applied step whose recorded checksum no longer matches. Meant for doctor
// and maintenance sweeps; Migrate does not run it.
func (e *Engine) VerifyChecksums(ctx context.Context, h *pool.Handle) ([]ChecksumMismatch, error) {
	st, err := e.Status(ctx, h)
	if err != nil {
		return nil, err
	}
	var out []ChecksumMismatch
	for _, a := range st.Applied {
		step, ok := e.registry.ByVersion(a.Version)
		if !ok {
			continue // drift, reported by Status
		}
		if step.Checksum != a.Checksum {
			out = append(out, ChecksumMismatch{Version: a.Version, Recorded: a.Checksum, Expected: step.Checksum})
		}
	}
	return out, nil
}

// CurrentVersion reads the highest applied version, 0 for a fresh file.
func (e *Engine) CurrentVersion(ctx context.Context, h *pool.Handle) (int64, error) {
	exists, err := tableExists(ctx, h.DB, "schema_migrations")
	if err != nil || !exists {
		return 0, err
	}
	var v int64
	if err := h.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read migration max version: %w", err)
	}
	return v, nil
}

func (e *Engine) ensureVersionTable(ctx context.Context, db *sql.DB) (int64, error) {
	if _, err := db.ExecContext(ctx, versionTableDDL); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	var v int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read migration max version: %w", err)
	}
	return v, nil
}

func (e *Engine) applyStepTx(ctx context.Context, tx *sql.Tx, step Step) error {
	for _, stmt := range step.Up {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec up statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, description, applied_at, checksum)
		VALUES (?, ?, ?, ?);
	`, step.Version, step.Description, time.Now().UTC().Unix(), step.Checksum); err != nil {
		return fmt.Errorf("record version %d: %w", step.Version, err)
	}
	return nil
}

func (e *Engine) reverseStepTx(ctx context.Context, tx *sql.Tx, step Step) error {
	for _, stmt := range step.Down {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec down statement: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?;`, step.Version)
	if err != nil {
		return fmt.Errorf("delete version %d: %w", step.Version, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("version %d was not recorded as applied", step.Version)
	}
	return nil
}

func (e *Engine) failRun(ctx context.Context, agencyID, runID string, from, version int64, op string, err error) {
	e.logger.Error(op+" failed",
		"agency_id", agencyID, "run_id", runID, "trace_id", shared.TraceID(ctx),
		"version", version, "error", err)
	audit.MigrationFailed(agencyID, version, err.Error())
	if e.bus != nil {
		e.bus.Publish(bus.TopicMigrationFailed, bus.MigrationEvent{
			AgencyID: agencyID, RunID: runID,
			FromVersion: from, ToVersion: version, Err: err.Error(),
		})
	}
	if e.metrics != nil {
		e.metrics.MigrationFailures.Add(ctx, 1)
	}
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?;
	`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
