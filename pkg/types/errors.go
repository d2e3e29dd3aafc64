package types

import (
	"errors"
	"fmt"
)

var (
	// ErrDataUnavailable means no source, including the stale fallbacks, could
	// supply the data. Callers surface it as pending.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrPriceUnavailable means a specific hour is missing from an otherwise
	// available price series.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrCacheMiss is returned by the rate cache once an entry is expired or
	// was never stored.
	ErrCacheMiss = errors.New("cache miss")
)

// ConfigurationError reports a malformed tariff configuration. It is only ever
// returned while constructing an engine, never while computing.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid tariff configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid tariff configuration: %s: %s", e.Field, e.Reason)
}

// IsConfigurationError returns true if err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
