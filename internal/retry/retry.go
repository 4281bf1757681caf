package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"marketsync/config"
)

// Policy is the single backoff policy shared by the connection supervisor,
// the sync pipeline and the backup manager. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// FromConfig builds a policy from the retry section of the configuration.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Multiplier:  cfg.BackoffMultiplier,
	}
}

func (p Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p Policy) attempts() uint64 {
	if p.MaxAttempts < 1 {
		return 0
	}
	return uint64(p.MaxAttempts - 1)
}

// Do runs op until it succeeds, returns a permanent error, the attempt budget
// is exhausted or ctx is cancelled.
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.attempts()), ctx)
	return backoff.Retry(op, b)
}

// DoNotify behaves like Do and invokes notify before each sleep.
func (p Policy) DoNotify(ctx context.Context, op func() error, notify func(error, time.Duration)) error {
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.attempts()), ctx)
	return backoff.RetryNotify(op, b, notify)
}

// Permanent marks err as not retryable so Do returns immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
