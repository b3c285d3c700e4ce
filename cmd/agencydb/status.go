package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/agencydb/internal/pool"
)

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	agencyID := fs.String("agency", "", "show only this tenant")
	verbose := fs.Bool("v", false, "list every applied step")
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
	fmt.Printf("%-20s %8s %8s %8s %6s\n", "AGENCY", "VERSION", "LATEST", "PENDING", "DRIFT")
	for _, id := range targets {
		h, err := a.pool.Get(ctx, id, pool.DefaultOptions())
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			code = 1
			continue
		}
		st, err := a.engine.Status(ctx, h)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			code = 1
			continue
		}
		fmt.Printf("%-20s %8d %8d %8d %6d\n",
			id, st.CurrentVersion, st.MaxVersion, st.PendingCount, st.Drift)
		if *verbose {
			for _, applied := range st.Applied {
				fmt.Printf("  v%-3d %-30s applied %s\n",
					applied.Version, applied.Description, applied.AppliedAt.Format("2006-01-02 15:04:05"))
			}
		}
		if st.Drift > 0 {
			code = 1
		}
	}
	return code
}
