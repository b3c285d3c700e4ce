package migration

import (
	"context"
	"fmt"

	"github.com/basket/agencydb/internal/pool"
)

// ProbeKind selects how a probe's result is interpreted.
type ProbeKind string

const (
	// ProbeStructural runs a statement whose execution alone is the check,
	// such as PRAGMA foreign_key_check feeding a count.
	ProbeStructural ProbeKind = "structural"
	// ProbeViolationCount runs a query returning one integer; any value
	// above zero is a violation.
	ProbeViolationCount ProbeKind = "violation_count"
)

// Probe is one read-only schema health rule.
type Probe struct {
	Name  string
	Kind  ProbeKind
	Query string
}

// ValidationResult reports one schema validation sweep. Valid false with an
// empty FirstViolated means the sweep itself could not run.
type ValidationResult struct {
	Valid         bool
	FirstViolated string
	MissingTables []string
}

// ValidateSchema checks required-table presence and runs every probe against
// the handle. Read-only and idempotent: it reports, never repairs. The
// boolean result is the contract; callers wanting detail read the struct.
func (e *Engine) ValidateSchema(ctx context.Context, h *pool.Handle, required []string, probes []Probe) ValidationResult {
	res := ValidationResult{Valid: true}

	for _, table := range required {
		exists, err := tableExists(ctx, h.DB, table)
		if err != nil {
			res.Valid = false
			res.FirstViolated = firstRule(res.FirstViolated, "table:"+table)
			continue
		}
		if !exists {
			res.Valid = false
			res.MissingTables = append(res.MissingTables, table)
			res.FirstViolated = firstRule(res.FirstViolated, "table:"+table)
		}
	}

	for _, probe := range probes {
		ok, err := runProbe(ctx, h, probe)
		if err != nil || !ok {
			res.Valid = false
			res.FirstViolated = firstRule(res.FirstViolated, probe.Name)
		}
	}

	if !res.Valid && e.metrics != nil {
		e.metrics.ValidationFailures.Add(ctx, 1)
	}
	return res
}

func runProbe(ctx context.Context, h *pool.Handle, probe Probe) (bool, error) {
	switch probe.Kind {
	case ProbeStructural:
		rows, err := h.DB.QueryContext(ctx, probe.Query)
		if err != nil {
			return false, err
		}
		defer rows.Close()
		// Any row from a structural probe is a violation.
		if rows.Next() {
			return false, nil
		}
		return true, rows.Err()
	case ProbeViolationCount:
		var n int64
		if err := h.DB.QueryRowContext(ctx, probe.Query).Scan(&n); err != nil {
			return false, err
		}
		return n == 0, nil
	default:
		return false, fmt.Errorf("unknown probe kind %q", probe.Kind)
	}
}

func firstRule(current, candidate string) string {
	if current != "" {
		return current
	}
	return candidate
}
