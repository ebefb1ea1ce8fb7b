package messaging

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures the messaging workers.
type Options struct {
	// RetryBackoff is the fixed delay before retrying a failed publication.
	RetryBackoff time.Duration
	// MaxPublishAttempts flags a message send-exhausted after this many failures.
	// Zero retries forever.
	MaxPublishAttempts int
	// OperationTimeout bounds every content store and DHT call.
	OperationTimeout time.Duration

	// PublishInterval, ConfirmInterval and SyncInterval schedule the periodic passes.
	// Triggers run a pass early.
	PublishInterval time.Duration
	ConfirmInterval time.Duration
	SyncInterval    time.Duration

	// Clock drives tickers, backoff and timestamps.
	Clock clock.Clock
	// Registerer receives the worker metrics. Nil disables registration.
	Registerer prometheus.Registerer
}

// DefaultOptions returns the production defaults.
func DefaultOptions() *Options {
	return &Options{
		RetryBackoff:       2 * time.Second,
		MaxPublishAttempts: 0,
		OperationTimeout:   30 * time.Second,
		PublishInterval:    15 * time.Second,
		ConfirmInterval:    30 * time.Second,
		SyncInterval:       30 * time.Second,
		Clock:              clock.New(),
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o *Options) withDefaults() *Options {
	def := DefaultOptions()
	if o == nil {
		return def
	}
	cp := *o
	if cp.RetryBackoff <= 0 {
		cp.RetryBackoff = def.RetryBackoff
	}
	if cp.MaxPublishAttempts < 0 {
		cp.MaxPublishAttempts = 0
	}
	if cp.OperationTimeout <= 0 {
		cp.OperationTimeout = def.OperationTimeout
	}
	if cp.PublishInterval <= 0 {
		cp.PublishInterval = def.PublishInterval
	}
	if cp.ConfirmInterval <= 0 {
		cp.ConfirmInterval = def.ConfirmInterval
	}
	if cp.SyncInterval <= 0 {
		cp.SyncInterval = def.SyncInterval
	}
	if cp.Clock == nil {
		cp.Clock = def.Clock
	}
	return &cp
}
