package txmanager

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/txmanager/internal/config"
)

// Config holds transaction manager configuration
type Config struct {
	// MaxConcurrentTransactions is the pool size: how many transactions
	// WithTransaction admits at once
	MaxConcurrentTransactions int `validate:"min=1,max=100000"`

	// DefaultIsolationLevel is used when a transaction does not request one
	DefaultIsolationLevel IsolationLevel `validate:"min=0,max=4"`

	// DefaultTimeout applies to transactions without an explicit timeout (0 = none)
	DefaultTimeout time.Duration `validate:"min=0s"`

	// RetryAttempts is how many times a deadlocked callback is retried
	RetryAttempts int `validate:"min=0,max=100"`

	// BaseBackoff is the wait before the first retry; it doubles per attempt
	BaseBackoff time.Duration `validate:"min=0s"`

	// MaxBackoff caps the doubled backoff (0 = uncapped)
	MaxBackoff time.Duration `validate:"min=0s"`

	// MaxStatsEntries bounds retained stats of finished transactions (0 = unbounded)
	MaxStatsEntries int `validate:"min=0"`
}

// DefaultConfig returns default manager configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTransactions: 10,
		DefaultIsolationLevel:     ReadCommitted,
		DefaultTimeout:            30 * time.Second,
		RetryAttempts:             3,
		BaseBackoff:               100 * time.Millisecond,
		MaxBackoff:                5 * time.Second,
		MaxStatsEntries:           10000,
	}
}

// Settings keys
const (
	maxConcurrentKey   = "txmanager.max_concurrent_transactions"
	defaultIsolKey     = "txmanager.default_isolation_level"
	defaultTimeoutKey  = "txmanager.default_timeout"
	retryAttemptsKey   = "txmanager.retry_attempts"
	baseBackoffKey     = "txmanager.base_backoff"
	maxBackoffKey      = "txmanager.max_backoff"
	maxStatsEntriesKey = "txmanager.max_stats_entries"
)

// SettingsDefaults returns the manager defaults keyed like the settings store.
func SettingsDefaults() map[string]any {
	d := DefaultConfig()
	return map[string]any{
		maxConcurrentKey:   d.MaxConcurrentTransactions,
		defaultIsolKey:     d.DefaultIsolationLevel.String(),
		defaultTimeoutKey:  d.DefaultTimeout.String(),
		retryAttemptsKey:   d.RetryAttempts,
		baseBackoffKey:     d.BaseBackoff.String(),
		maxBackoffKey:      d.MaxBackoff.String(),
		maxStatsEntriesKey: d.MaxStatsEntries,
	}
}

// LoadConfig reads manager configuration from a settings source, falling back
// to DefaultConfig for anything missing or unparsable.
func LoadConfig(settings config.SettingsGetter) Config {
	defaults := DefaultConfig()
	loader := config.NewLoader(settings)

	level := defaults.DefaultIsolationLevel
	if raw := loader.String(defaultIsolKey, ""); raw != "" {
		parsed, err := ParseIsolationLevel(raw)
		if err != nil {
			log.Warn().Err(err).Str("key", defaultIsolKey).Msg("Ignoring invalid isolation level setting")
		} else {
			level = parsed
		}
	}

	return Config{
		MaxConcurrentTransactions: loader.Int(maxConcurrentKey, defaults.MaxConcurrentTransactions),
		DefaultIsolationLevel:     level,
		DefaultTimeout:            loader.Duration(defaultTimeoutKey, defaults.DefaultTimeout),
		RetryAttempts:             loader.Int(retryAttemptsKey, defaults.RetryAttempts),
		BaseBackoff:               loader.Duration(baseBackoffKey, defaults.BaseBackoff),
		MaxBackoff:                loader.Duration(maxBackoffKey, defaults.MaxBackoff),
		MaxStatsEntries:           loader.Int(maxStatsEntriesKey, defaults.MaxStatsEntries),
	}
}

var validate = validator.New()

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("invalid transaction manager config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid transaction manager config: %w", err)
	}
	if c.MaxBackoff > 0 && c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("invalid transaction manager config: max backoff %s is below base backoff %s", c.MaxBackoff, c.BaseBackoff)
	}
	return nil
}
