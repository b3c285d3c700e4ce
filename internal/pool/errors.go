package pool

import "fmt"

// ConnectionError reports that a tenant database could not be opened or
// probed after the retry budget was exhausted. It wraps the last underlying
// failure.
type ConnectionError struct {
	AgencyID string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect agency %q failed after %d attempt(s): %v", e.AgencyID, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports invalid caller-supplied input. It is never
// retried: the same call will fail the same way until the caller fixes it.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
