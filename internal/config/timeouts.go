package config

import "time"

// TimeoutConfig holds timeout settings for the service surface.
// These can be configured via CLI flags to tune behaviour for different environments.
type TimeoutConfig struct {
	// HTTPRead bounds reading a request on the introspection server.
	// Default: 15s
	HTTPRead time.Duration

	// HTTPWrite bounds writing a response (SSE streams are exempt).
	// Default: 30s
	HTTPWrite time.Duration

	// Shutdown is how long in-flight transactions and requests get to finish
	// after a shutdown signal.
	// Default: 30s
	Shutdown time.Duration
}

// DefaultTimeoutConfig returns the default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		HTTPRead:  15 * time.Second,
		HTTPWrite: 30 * time.Second,
		Shutdown:  30 * time.Second,
	}
}

// global instance that can be set at startup
var globalTimeouts = DefaultTimeoutConfig()

// SetGlobalTimeouts sets the global timeout configuration
func SetGlobalTimeouts(cfg *TimeoutConfig) {
	globalTimeouts = cfg
}

// GetTimeouts returns the global timeout configuration
func GetTimeouts() *TimeoutConfig {
	return globalTimeouts
}
