package deploy

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/deployctl/internal/remote"
)

// RetryPolicy bounds how often a failing step is attempted.
type RetryPolicy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// DefaultRetryPolicy returns sensible retry defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     15 * time.Second,
		Multiplier:      2.0,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// retryable reports whether err is a transient remote failure worth another
// attempt. Everything else is permanent.
func retryable(err error) bool {
	return errors.Is(err, remote.ErrRemoteConnection) || errors.Is(err, remote.ErrRemoteCommand)
}

// retry runs op until it succeeds, fails permanently or the policy gives up.
// It returns how many retries were made. Cancellation of ctx is honored only
// between attempts.
func (p RetryPolicy) retry(ctx context.Context, name string, op func() error) (int, error) {
	retries := 0
	attempt := func() error {
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		retries++
		log.Warn().Err(err).Str("step", name).Int("retry", retries).Dur("delay", next).Msg("Step failed, retrying")
	}
	err := backoff.RetryNotify(attempt, p.backOff(ctx), notify)
	return retries, err
}
