package migration

import "fmt"

// MigrationError reports a failed migrate or rollback run, naming the step
// version that broke it. The whole transaction is rolled back before this is
// returned, so the database is exactly as it was before the run.
type MigrationError struct {
	Version int64
	Op      string // "migrate" or "rollback"
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("%s failed at version %d: %v", e.Op, e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// ValidationError reports an unusable step set at registry construction or
// manifest load time, before any database is touched.
type ValidationError struct {
	Version int64
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("invalid migration step %d: %s", e.Version, e.Reason)
	}
	return fmt.Sprintf("invalid migration set: %s", e.Reason)
}
