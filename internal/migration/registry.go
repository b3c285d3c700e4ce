// Package migration moves a tenant database between schema versions. Steps
// are opaque SQL carried by a registry built once at startup; the engine
// applies or reverses them in a single transaction per run and keeps a
// checksummed ledger in schema_migrations.
package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Step is one versioned schema change. Up and Down are ordered SQL
// statements; the engine never inspects their content. An empty Down marks
// the step irreversible.
type Step struct {
	Version     int64
	Description string
	Up          []string
	Down        []string
	// Checksum is the hex SHA-256 over Up joined with "\n". Filled by
	// NewRegistry when left empty.
	Checksum string
}

// Irreversible reports whether the step has no down statements.
func (s Step) Irreversible() bool { return len(s.Down) == 0 }

// ChecksumFor computes the canonical checksum for a set of up statements.
// Statement order matters; any textual change produces a different sum.
func ChecksumFor(up []string) string {
	h := sha256.Sum256([]byte(strings.Join(up, "\n")))
	return hex.EncodeToString(h[:])
}

// Registry is the immutable set of known steps, sorted ascending by version.
type Registry struct {
	steps []Step
	index map[int64]int
}

// NewRegistry validates and freezes a step set. Duplicate versions,
// non-positive versions, and steps without up statements are construction
// errors, not runtime conditions.
func NewRegistry(steps []Step) (*Registry, error) {
	sorted := make([]Step, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	index := make(map[int64]int, len(sorted))
	for i, s := range sorted {
		if s.Version <= 0 {
			return nil, &ValidationError{Version: s.Version, Reason: "version must be positive"}
		}
		if _, dup := index[s.Version]; dup {
			return nil, &ValidationError{Version: s.Version, Reason: "duplicate version"}
		}
		if len(s.Up) == 0 {
			return nil, &ValidationError{Version: s.Version, Reason: "no up statements"}
		}
		want := ChecksumFor(s.Up)
		if s.Checksum == "" {
			sorted[i].Checksum = want
		} else if s.Checksum != want {
			return nil, &ValidationError{Version: s.Version, Reason: "checksum does not match up statements"}
		}
		index[s.Version] = i
	}
	return &Registry{steps: sorted, index: index}, nil
}

// Steps returns a copy of all registered steps, ascending.
func (r *Registry) Steps() []Step {
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// MaxVersion returns the highest registered version, 0 when empty.
func (r *Registry) MaxVersion() int64 {
	if len(r.steps) == 0 {
		return 0
	}
	return r.steps[len(r.steps)-1].Version
}

// ByVersion looks up a single step.
func (r *Registry) ByVersion(version int64) (Step, bool) {
	i, ok := r.index[version]
	if !ok {
		return Step{}, false
	}
	return r.steps[i], true
}

// Pending returns the steps above current, ascending. Pure set computation;
// it never touches a database.
func (r *Registry) Pending(current int64) []Step {
	var out []Step
	for _, s := range r.steps {
		if s.Version > current {
			out = append(out, s)
		}
	}
	return out
}

// rollbackSet returns the steps to reverse when moving from current down to
// target, descending: every version v with target < v <= current.
func (r *Registry) rollbackSet(current, target int64) []Step {
	var out []Step
	for i := len(r.steps) - 1; i >= 0; i-- {
		v := r.steps[i].Version
		if v > target && v <= current {
			out = append(out, r.steps[i])
		}
	}
	return out
}
