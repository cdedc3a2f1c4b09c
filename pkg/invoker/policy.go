package invoker

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how many times a call is attempted and how long to wait
// between attempts. The zero value makes a single attempt.
type RetryPolicy struct {
	MaxAttempts         int           `mapstructure:"max_attempts" json:"max_attempts"`
	InitialBackoff      time.Duration `mapstructure:"initial_backoff" json:"initial_backoff"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff" json:"max_backoff"`
	Multiplier          float64       `mapstructure:"multiplier" json:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor" json:"randomization_factor"`
}

// DefaultForwardPolicy is used for prepare, execute and commit calls.
func DefaultForwardPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
	}
}

// DefaultCompensationPolicy retries harder than the forward path since a
// failed compensation leaves side effects behind.
func DefaultCompensationPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// newBackOff builds the wait schedule between attempts.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.InitialBackoff <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.RandomizationFactor = p.RandomizationFactor
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.MaxBackoff
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return b
}

// Delays returns the waits that would precede attempts 2..MaxAttempts when no
// randomization is configured.
func (p RetryPolicy) Delays() []time.Duration {
	b := p.newBackOff()
	out := make([]time.Duration, 0, p.attempts()-1)
	for i := 1; i < p.attempts(); i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}
