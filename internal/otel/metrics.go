package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all agencydb metric instruments.
type Metrics struct {
	MigrationDuration  metric.Float64Histogram
	MigrationSteps     metric.Int64Counter
	MigrationFailures  metric.Int64Counter
	RollbackSteps      metric.Int64Counter
	ConnectionOpens    metric.Int64Counter
	ConnectionRetries  metric.Int64Counter
	ConnectionFailures metric.Int64Counter
	OpenConnections    metric.Int64UpDownCounter
	ContextSwitches    metric.Int64Counter
	ValidationFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MigrationDuration, err = meter.Float64Histogram("agencydb.migration.duration",
		metric.WithDescription("Full migrate/rollback run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MigrationSteps, err = meter.Int64Counter("agencydb.migration.steps",
		metric.WithDescription("Forward migration steps applied"),
	)
	if err != nil {
		return nil, err
	}

	m.MigrationFailures, err = meter.Int64Counter("agencydb.migration.failures",
		metric.WithDescription("Failed migrate/rollback runs"),
	)
	if err != nil {
		return nil, err
	}

	m.RollbackSteps, err = meter.Int64Counter("agencydb.rollback.steps",
		metric.WithDescription("Reverse migration steps applied"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectionOpens, err = meter.Int64Counter("agencydb.pool.opens",
		metric.WithDescription("Tenant connections opened"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectionRetries, err = meter.Int64Counter("agencydb.pool.retries",
		metric.WithDescription("Connection open attempts beyond the first"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectionFailures, err = meter.Int64Counter("agencydb.pool.failures",
		metric.WithDescription("Connection opens that exhausted all retries"),
	)
	if err != nil {
		return nil, err
	}

	m.OpenConnections, err = meter.Int64UpDownCounter("agencydb.pool.open",
		metric.WithDescription("Currently open tenant connections"),
	)
	if err != nil {
		return nil, err
	}

	m.ContextSwitches, err = meter.Int64Counter("agencydb.context.switches",
		metric.WithDescription("Agency context switches installed"),
	)
	if err != nil {
		return nil, err
	}

	m.ValidationFailures, err = meter.Int64Counter("agencydb.validation.failures",
		metric.WithDescription("Schema validation sweeps that found a violation"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
