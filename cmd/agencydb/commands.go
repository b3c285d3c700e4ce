package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/agencydb/internal/audit"
	"github.com/basket/agencydb/internal/config"
	"github.com/basket/agencydb/internal/maintenance"
	"github.com/basket/agencydb/internal/pool"
	"github.com/basket/agencydb/internal/schema"
	"github.com/basket/agencydb/internal/shared"
)

func runMigrateCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	agencyID := fs.String("agency", "", "migrate only this tenant")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.close(ctx)

	targets, err := a.resolveTargets(*agencyID)
	if err != nil {
		return fail(err)
	}
	if len(targets) == 0 {
		fmt.Println("no tenant databases found")
		return 0
	}

	code := 0
	for _, id := range targets {
		// One trace id per tenant run ties pool, engine and audit lines together.
		tctx := shared.WithTraceID(ctx, shared.NewTraceID())
		h, err := a.pool.Get(tctx, id, pool.DefaultOptions())
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			code = 1
			continue
		}
		outcomes, err := a.engine.Migrate(tctx, h)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			code = 1
			continue
		}
		if len(outcomes) == 0 {
			fmt.Printf("%s: already current\n", id)
			continue
		}
		for _, o := range outcomes {
			fmt.Printf("%s: applied version %d (%s)\n", id, o.Version, o.Duration.Round(time.Millisecond))
		}
	}
	return code
}

func runRollbackCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	agencyID := fs.String("agency", "", "tenant to roll back (required)")
	target := fs.Int64("to", -1, "target schema version (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *agencyID == "" || *target < 0 {
		fmt.Fprintln(os.Stderr, "usage: agencydb rollback -agency <id> -to <version>")
		return 2
	}

	a, err := newApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.close(ctx)

	h, err := a.pool.Get(ctx, *agencyID, pool.DefaultOptions())
	if err != nil {
		return fail(err)
	}
	outcomes, err := a.engine.Rollback(ctx, h, *target)
	if err != nil {
		return fail(err)
	}
	if len(outcomes) == 0 {
		fmt.Printf("%s: already at or below version %d\n", *agencyID, *target)
		return 0
	}
	for _, o := range outcomes {
		fmt.Printf("%s: rolled back version %d\n", *agencyID, o.Version)
	}
	return 0
}

func runValidateCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	agencyID := fs.String("agency", "", "validate only this tenant")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.close(ctx)

	targets, err := a.resolveTargets(*agencyID)
	if err != nil {
		return fail(err)
	}
	if len(targets) == 0 {
		fmt.Println("no tenant databases found")
		return 0
	}

	code := 0
	for _, id := range targets {
		h, err := a.pool.Get(ctx, id, pool.DefaultOptions())
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			code = 1
			continue
		}
		res := a.engine.ValidateSchema(ctx, h, schema.RequiredTables(), schema.Probes())
		if res.Valid {
			fmt.Printf("%s: valid\n", id)
			continue
		}
		code = 1
		fmt.Printf("%s: INVALID (first rule: %s)\n", id, res.FirstViolated)
		if len(res.MissingTables) > 0 {
			fmt.Printf("%s: missing tables: %v\n", id, res.MissingTables)
		}
	}
	return code
}

func runAgenciesCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: agencydb agencies")
		return 2
	}

	a, err := newApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.close(ctx)

	tenants, err := a.pool.ListTenants()
	if err != nil {
		return fail(err)
	}
	if len(tenants) == 0 {
		fmt.Println("no tenant databases found")
		return 0
	}
	for _, id := range tenants {
		status := "unreachable"
		if a.pool.Test(ctx, id) {
			status = "ok"
		}
		path, _ := a.pool.TenantPath(id)
		fmt.Printf("%-20s %-12s %s\n", id, status, path)
	}
	return 0
}

func runSwitchCommand(ctx context.Context, args []string) int {
	// The agency id comes first: agencydb switch <id> [-actor <id>].
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, "usage: agencydb switch <agency-id> [-actor <id>]")
		return 2
	}
	agencyID := args[0]

	fs := flag.NewFlagSet("switch", flag.ContinueOnError)
	actorID := fs.String("actor", "cli", "acting user id recorded in the audit trail")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: agencydb switch <agency-id> [-actor <id>]")
		return 2
	}

	a, err := newApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.close(ctx)

	ctx = shared.WithActorID(ctx, *actorID)
	if err := a.manager.SetContext(ctx, agencyID, *actorID, ""); err != nil {
		return fail(err)
	}
	// Later audit entries mirror into the selected tenant's audit_log table.
	if h, ok, err := a.manager.CurrentDB(ctx); err == nil && ok {
		audit.SetDB(h.DB)
	}
	c, ok, err := a.manager.Current()
	if err != nil || !ok {
		return fail(fmt.Errorf("context not installed after switch"))
	}
	fmt.Printf("switched to %s (set by %s at %s)\n", c.AgencyID, c.SetBy, c.SetAt.Format(time.RFC3339))
	return 0
}

func runSweepCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "keep running scheduled sweeps until interrupted")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.close(ctx)

	// An explicit one-shot sweep always runs; the scheduled loop requires
	// maintenance to be switched on.
	if *watch && !a.cfg.Maintenance.Enabled {
		fmt.Fprintln(os.Stderr, "maintenance is disabled; set maintenance.enabled: true in config.yaml")
		return 1
	}

	sweeper, err := maintenance.NewSweeper(maintenance.Config{
		Pool:          a.pool,
		Engine:        a.engine,
		Required:      schema.RequiredTables(),
		Probes:        schema.Probes(),
		Schedule:      a.cfg.Maintenance.Schedule,
		Logger:        a.logger,
		Bus:           a.bus,
		RetentionDays: a.cfg.RetentionAuditLogDays,
	})
	if err != nil {
		return fail(err)
	}

	reports := sweeper.Sweep(ctx)
	code := printSweepReports(reports)

	if *watch {
		watcher := config.NewWatcher(a.cfg.HomeDir, a.cfg.ManifestPath, a.logger)
		if err := watcher.Start(ctx); err != nil {
			a.logger.Warn("config watcher unavailable", "error", err)
		} else {
			go func() {
				for range watcher.Events() {
					fmt.Fprintln(os.Stderr, "configuration changed on disk; restart to apply")
				}
			}()
		}

		sweeper.Start(ctx)
		fmt.Printf("sweeping on schedule %q, next run %s (ctrl-c to stop)\n",
			a.cfg.Maintenance.Schedule, sweeper.NextRunAt().Format(time.RFC3339))
		<-ctx.Done()
		sweeper.Stop()
		return 0
	}
	return code
}

func printSweepReports(reports []maintenance.Report) int {
	if len(reports) == 0 {
		fmt.Println("no tenant databases found")
		return 0
	}
	code := 0
	for _, rep := range reports {
		if rep.Healthy {
			fmt.Printf("%s: healthy\n", rep.AgencyID)
			continue
		}
		code = 1
		fmt.Printf("%s: UNHEALTHY (first rule: %s, checksum mismatches: %d)\n",
			rep.AgencyID, rep.FirstRule, rep.Mismatches)
	}
	return code
}
