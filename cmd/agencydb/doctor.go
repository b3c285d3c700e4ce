package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/agencydb/internal/config"
	"github.com/basket/agencydb/internal/doctor"
	"github.com/basket/agencydb/internal/migration"
	"github.com/basket/agencydb/internal/pool"
	"github.com/basket/agencydb/internal/schema"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	// The doctor diagnoses broken setups, so it wires what it can and lets
	// the checks SKIP over the rest instead of bailing out.
	deps := doctor.Deps{
		Required: schema.RequiredTables(),
		Probes:   schema.Probes(),
	}
	cfg, err := config.Load()
	if err == nil || cfg.NeedsGenesis {
		deps.Config = &cfg
		if p, perr := pool.New(pool.Settings{
			DataDir:            cfg.DataDir,
			MaxConnectAttempts: cfg.Pool.MaxConnectAttempts,
			BackoffBase:        cfg.BackoffBase(),
			ConnectTimeout:     cfg.ConnectTimeout(),
		}, nil, nil, nil); perr == nil {
			deps.Pool = p
			defer p.CloseAll()
		}
		if registry, rerr := buildRegistry(cfg); rerr == nil {
			deps.Engine = migration.NewEngine(registry, nil, nil, nil, nil)
		}
	} else {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, deps, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		if !diag.Healthy() {
			return 1
		}
		return 0
	}

	fmt.Printf("agencydb Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case "FAIL":
			icon = "❌"
		case "WARN":
			icon = "⚠️ "
		case "SKIP":
			icon = "⏩"
		}
		fmt.Printf("%s %-16s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}

	if !diag.Healthy() {
		return 1
	}
	return 0
}
