// Package doctor runs read-only diagnostic checks over the data layer:
// configuration, data root permissions, tenant openability, schema state and
// migration drift. It reports, it never repairs.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/agencydb/internal/config"
	"github.com/basket/agencydb/internal/migration"
	"github.com/basket/agencydb/internal/pool"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. WARNs do not fail a diagnosis.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Deps carries what the checks need. Pool and Engine may be nil when the
// configuration is broken; the dependent checks then SKIP.
type Deps struct {
	Config   *config.Config
	Pool     *pool.Pool
	Engine   *migration.Engine
	Required []string
	Probes   []migration.Probe
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, deps Deps, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, Deps) CheckResult{
		checkConfig,
		checkDataRoot,
		checkTenants,
		checkSchema,
		checkDrift,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, deps))
	}
	return d
}

func checkConfig(_ context.Context, deps Deps) CheckResult {
	cfg := deps.Config
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("Fingerprint %s", cfg.Fingerprint())}
}

func checkDataRoot(_ context.Context, deps Deps) CheckResult {
	if deps.Config == nil {
		return CheckResult{Name: "Data Root", Status: "SKIP", Message: "Config missing"}
	}
	dir := deps.Config.DataDir

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return CheckResult{Name: "Data Root", Status: "WARN",
			Message: fmt.Sprintf("%s does not exist yet", dir),
			Detail:  "Created on first tenant open"}
	}
	if err != nil {
		return CheckResult{Name: "Data Root", Status: "FAIL", Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Data Root", Status: "FAIL", Message: fmt.Sprintf("%s is not a directory", dir)}
	}

	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return CheckResult{Name: "Data Root", Status: "FAIL", Message: fmt.Sprintf("Not writable: %v", err)}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Data Root", Status: "PASS", Message: fmt.Sprintf("%s is writable", dir)}
}

func checkTenants(ctx context.Context, deps Deps) CheckResult {
	if deps.Pool == nil {
		return CheckResult{Name: "Tenants", Status: "SKIP", Message: "Pool unavailable"}
	}
	tenants, err := deps.Pool.ListTenants()
	if err != nil {
		return CheckResult{Name: "Tenants", Status: "FAIL", Message: fmt.Sprintf("List failed: %v", err)}
	}
	if len(tenants) == 0 {
		return CheckResult{Name: "Tenants", Status: "WARN", Message: "No tenant databases on disk"}
	}

	var unreachable []string
	for _, id := range tenants {
		if !deps.Pool.Test(ctx, id) {
			unreachable = append(unreachable, id)
		}
	}
	if len(unreachable) > 0 {
		return CheckResult{Name: "Tenants", Status: "FAIL",
			Message: fmt.Sprintf("%d of %d tenants unreachable", len(unreachable), len(tenants)),
			Detail:  fmt.Sprintf("Unreachable: %v", unreachable)}
	}
	return CheckResult{Name: "Tenants", Status: "PASS", Message: fmt.Sprintf("All %d tenants reachable", len(tenants))}
}

func checkSchema(ctx context.Context, deps Deps) CheckResult {
	if deps.Pool == nil || deps.Engine == nil {
		return CheckResult{Name: "Schema", Status: "SKIP", Message: "Engine unavailable"}
	}
	tenants, err := deps.Pool.ListTenants()
	if err != nil || len(tenants) == 0 {
		return CheckResult{Name: "Schema", Status: "SKIP", Message: "No tenants to validate"}
	}

	var invalid []string
	for _, id := range tenants {
		h, err := deps.Pool.Get(ctx, id, pool.DefaultOptions())
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("%s (connect: %v)", id, err))
			continue
		}
		res := deps.Engine.ValidateSchema(ctx, h, deps.Required, deps.Probes)
		if !res.Valid {
			invalid = append(invalid, fmt.Sprintf("%s (%s)", id, res.FirstViolated))
		}
	}
	if len(invalid) > 0 {
		return CheckResult{Name: "Schema", Status: "FAIL",
			Message: fmt.Sprintf("%d of %d tenants failed validation", len(invalid), len(tenants)),
			Detail:  fmt.Sprintf("Failed: %v", invalid)}
	}
	return CheckResult{Name: "Schema", Status: "PASS", Message: fmt.Sprintf("All %d tenants pass validation", len(tenants))}
}

func checkDrift(ctx context.Context, deps Deps) CheckResult {
	if deps.Pool == nil || deps.Engine == nil {
		return CheckResult{Name: "Migration Drift", Status: "SKIP", Message: "Engine unavailable"}
	}
	tenants, err := deps.Pool.ListTenants()
	if err != nil || len(tenants) == 0 {
		return CheckResult{Name: "Migration Drift", Status: "SKIP", Message: "No tenants to inspect"}
	}

	var pending, drifted, mismatched []string
	for _, id := range tenants {
		h, err := deps.Pool.Get(ctx, id, pool.DefaultOptions())
		if err != nil {
			continue // already reported by the tenants check
		}
		st, err := deps.Engine.Status(ctx, h)
		if err != nil {
			drifted = append(drifted, fmt.Sprintf("%s (status: %v)", id, err))
			continue
		}
		if st.Drift > 0 {
			drifted = append(drifted, fmt.Sprintf("%s (%d unknown versions)", id, st.Drift))
		}
		if st.PendingCount > 0 {
			pending = append(pending, fmt.Sprintf("%s (%d pending)", id, st.PendingCount))
		}
		if mm, err := deps.Engine.VerifyChecksums(ctx, h); err == nil && len(mm) > 0 {
			mismatched = append(mismatched, fmt.Sprintf("%s (%d checksum mismatches)", id, len(mm)))
		}
	}

	switch {
	case len(drifted) > 0 || len(mismatched) > 0:
		return CheckResult{Name: "Migration Drift", Status: "FAIL",
			Message: "Ledger disagrees with the registered step set",
			Detail:  fmt.Sprintf("Drifted: %v Mismatched: %v", drifted, mismatched)}
	case len(pending) > 0:
		return CheckResult{Name: "Migration Drift", Status: "WARN",
			Message: fmt.Sprintf("%d tenants have pending migrations", len(pending)),
			Detail:  fmt.Sprintf("Pending: %v", pending)}
	default:
		return CheckResult{Name: "Migration Drift", Status: "PASS", Message: "All tenants current and consistent"}
	}
}
