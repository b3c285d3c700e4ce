// Package maintenance runs periodic integrity sweeps over every tenant on
// disk: schema validation probes plus a migration checksum audit. Sweeps
// report; they never repair.
package maintenance

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agencydb/internal/bus"
	"github.com/basket/agencydb/internal/migration"
	"github.com/basket/agencydb/internal/pool"
	"github.com/basket/agencydb/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Pool     *pool.Pool
	Engine   *migration.Engine
	Required []string
	Probes   []migration.Probe
	Schedule string // cron expression; defaults to every 30 minutes
	Logger   *slog.Logger
	Bus      *bus.Bus      // may be nil
	Interval time.Duration // tick interval; defaults to 1 minute if zero

	// RetentionDays prunes mirrored audit_log rows older than this during
	// each sweep. 0 keeps entries forever.
	RetentionDays int
}

// Sweeper wakes at the tick interval and runs a sweep whenever the cron
// schedule has come due since the last run.
type Sweeper struct {
	pool     *pool.Pool
	engine   *migration.Engine
	required []string
	probes   []migration.Probe
	schedule cronlib.Schedule
	logger   *slog.Logger
	bus      *bus.Bus
	interval time.Duration
	retain   int

	mu        sync.Mutex
	nextRunAt time.Time
	lastSweep []Report

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Report is one tenant's sweep result.
type Report struct {
	AgencyID   string
	Healthy    bool
	FirstRule  string
	Mismatches int
	// PrunedAudit counts audit_log rows removed by retention this sweep.
	PrunedAudit int64
	SweptAt     time.Time
}

// NewSweeper validates the schedule and builds a stopped sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "*/30 * * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		pool:      cfg.Pool,
		engine:    cfg.Engine,
		required:  cfg.Required,
		probes:    cfg.Probes,
		schedule:  sched,
		logger:    logger,
		bus:       cfg.Bus,
		interval:  interval,
		retain:    cfg.RetentionDays,
		nextRunAt: sched.Next(time.Now()),
	}, nil
}

// Start begins the sweep loop in a background goroutine. The context
// controls shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance sweeper started", "next_run_at", s.NextRunAt())
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance sweeper stopped")
}

// NextRunAt reports when the next sweep is due.
func (s *Sweeper) NextRunAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRunAt
}

// LastReports returns the results of the most recent sweep.
func (s *Sweeper) LastReports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.lastSweep))
	copy(out, s.lastSweep)
	return out
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			due := !now.Before(s.nextRunAt)
			if due {
				s.nextRunAt = s.schedule.Next(now)
			}
			s.mu.Unlock()
			if due {
				s.Sweep(ctx)
			}
		}
	}
}

// Sweep runs one pass over every tenant on disk right now, independent of
// the schedule. Used by the loop and by the doctor command.
func (s *Sweeper) Sweep(ctx context.Context) []Report {
	ctx = shared.WithRunID(ctx, shared.NewRunID())

	tenants, err := s.pool.ListTenants()
	if err != nil {
		s.logger.Error("sweep failed to list tenants", "error", err)
		if s.bus != nil {
			s.bus.Publish(bus.TopicSweepFailed, bus.SweepEvent{FirstRule: "list-tenants"})
		}
		return nil
	}

	reports := make([]Report, 0, len(tenants))
	for _, id := range tenants {
		reports = append(reports, s.sweepTenant(ctx, id))
	}

	s.mu.Lock()
	s.lastSweep = reports
	s.mu.Unlock()
	return reports
}

func (s *Sweeper) sweepTenant(ctx context.Context, agencyID string) Report {
	rep := Report{AgencyID: agencyID, SweptAt: time.Now().UTC()}

	h, err := s.pool.Get(ctx, agencyID, pool.DefaultOptions())
	if err != nil {
		rep.FirstRule = "connect"
		s.announce(ctx, rep)
		return rep
	}

	res := s.engine.ValidateSchema(ctx, h, s.required, s.probes)
	rep.Healthy = res.Valid
	rep.FirstRule = res.FirstViolated

	mismatches, err := s.engine.VerifyChecksums(ctx, h)
	if err != nil {
		rep.Healthy = false
		if rep.FirstRule == "" {
			rep.FirstRule = "checksum-audit"
		}
	} else if len(mismatches) > 0 {
		rep.Healthy = false
		rep.Mismatches = len(mismatches)
		if rep.FirstRule == "" {
			rep.FirstRule = "checksum-mismatch"
		}
	}

	if s.retain > 0 {
		pruned, err := pruneAuditLog(ctx, h.DB, s.retain)
		if err != nil {
			s.logger.Warn("audit retention pruning failed",
				"agency_id", agencyID, "run_id", shared.RunID(ctx), "error", err)
		} else {
			rep.PrunedAudit = pruned
			if pruned > 0 {
				s.logger.Info("audit retention pruned",
					"agency_id", agencyID, "run_id", shared.RunID(ctx),
					"rows", pruned, "days", s.retain)
			}
		}
	}

	s.announce(ctx, rep)
	return rep
}

// pruneAuditLog deletes mirrored audit entries older than the retention
// window. Tenants that have not reached the audit_log migration yet are
// skipped.
func pruneAuditLog(ctx context.Context, db *sql.DB, days int) (int64, error) {
	var n int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'audit_log';
	`).Scan(&n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Unix()
	res, err := db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Sweeper) announce(ctx context.Context, rep Report) {
	if rep.Healthy {
		s.logger.Debug("tenant sweep passed", "agency_id", rep.AgencyID, "run_id", shared.RunID(ctx))
	} else {
		s.logger.Warn("tenant sweep found violations",
			"agency_id", rep.AgencyID, "run_id", shared.RunID(ctx),
			"first_rule", rep.FirstRule, "checksum_mismatches", rep.Mismatches)
	}
	if s.bus != nil {
		topic := bus.TopicSweepCompleted
		if !rep.Healthy {
			topic = bus.TopicSweepFailed
		}
		s.bus.Publish(topic, bus.SweepEvent{
			AgencyID: rep.AgencyID, Healthy: rep.Healthy, FirstRule: rep.FirstRule,
		})
	}
}
