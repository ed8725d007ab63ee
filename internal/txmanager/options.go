package txmanager

import "time"

// Option customizes a single transaction.
type Option func(*txOptions)

type txOptions struct {
	isolation     IsolationLevel
	readOnly      bool
	timeout       time.Duration
	timeoutSet    bool
	retryAttempts int
	retriesSet    bool
	savepoint     string
}

// WithIsolation requests an isolation level instead of the manager default.
func WithIsolation(level IsolationLevel) Option {
	return func(o *txOptions) { o.isolation = level }
}

// WithReadOnly starts the transaction read-only.
func WithReadOnly() Option {
	return func(o *txOptions) { o.readOnly = true }
}

// WithTimeout bounds the transaction. Zero disables the timeout even when
// the manager has a default.
func WithTimeout(d time.Duration) Option {
	return func(o *txOptions) {
		o.timeout = d
		o.timeoutSet = true
	}
}

// WithRetryAttempts sets how many times a deadlocked callback is retried.
func WithRetryAttempts(n int) Option {
	return func(o *txOptions) {
		o.retryAttempts = max(n, 0)
		o.retriesSet = true
	}
}

// WithSavepoint opens a named savepoint right after the transaction begins.
func WithSavepoint(name string) Option {
	return func(o *txOptions) { o.savepoint = name }
}

func (m *Manager) resolveOptions(opts []Option) txOptions {
	o := txOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.isolation == LevelDefault {
		o.isolation = m.config.DefaultIsolationLevel
	}
	if !o.timeoutSet {
		o.timeout = m.config.DefaultTimeout
	}
	if !o.retriesSet {
		o.retryAttempts = m.config.RetryAttempts
	}
	return o
}
