package bus

// Agency context event topics.
const (
	TopicAgencyContextChanged = "agency.context_changed"
	TopicAgencyContextCleared = "agency.context_cleared"
)

// Migration event topics.
const (
	TopicMigrationApplied    = "migration.applied"
	TopicMigrationRolledBack = "migration.rolled_back"
	TopicMigrationFailed     = "migration.failed"
)

// Connection pool event topics.
const (
	TopicPoolConnectionOpened = "pool.connection_opened"
	TopicPoolConnectionClosed = "pool.connection_closed"
)

// Maintenance sweep topics.
const (
	TopicSweepCompleted = "maintenance.sweep_completed"
	TopicSweepFailed    = "maintenance.sweep_failed"
)

// AgencyContextEvent is published when the active agency changes or clears.
type AgencyContextEvent struct {
	AgencyID   string // New agency id ("" on clear)
	PrevID     string // Previous agency id ("" if none)
	ActorID    string // Who triggered the switch
	IsDefault  bool   // True when installed by auto-selection
	AgencyName string // Optional display name
}

// MigrationEvent is published per migrate/rollback invocation.
type MigrationEvent struct {
	AgencyID    string // Tenant the run targeted
	RunID       string // One id per migrate/rollback call
	FromVersion int64  // Version before the run
	ToVersion   int64  // Version after the run
	Steps       int    // Steps executed
	Err         string // Failure message, empty on success
}

// PoolConnectionEvent is published when a tenant handle opens or closes.
type PoolConnectionEvent struct {
	AgencyID string // Tenant id
	Path     string // Database file path (":memory:" for transient stores)
	ReadOnly bool   // Opened without write permission
}

// SweepEvent is published after each scheduled integrity sweep.
type SweepEvent struct {
	AgencyID  string // Tenant swept
	Healthy   bool   // Overall pass/fail
	FirstRule string // First violated rule name, empty when healthy
}
