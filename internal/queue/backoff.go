package queue

import (
	"math/rand/v2"
	"time"

	"github.com/ordefy/ordefy/pkg/config"
)

const (
	DefaultMaxAttempts    = 5
	DefaultBaseBackoff    = 30 * time.Second
	DefaultMaxBackoff     = time.Hour
	DefaultJitterFraction = 0.2
)

// RetryPolicy controls how failed jobs are rescheduled.
type RetryPolicy struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64
}

// RetryPolicyFromConfig builds the policy from the queue settings.
func RetryPolicyFromConfig(cfg config.QueueConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		BaseBackoff:    cfg.BaseBackoff(),
		MaxBackoff:     cfg.MaxBackoff(),
		JitterFraction: cfg.JitterFraction,
	}
	p.normalize()
	return p
}

func (p *RetryPolicy) normalize() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultBaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.JitterFraction >= 1 {
		p.JitterFraction = 0.99
	}
}

// Exhausted reports whether a job that has run attempts times may not run again.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Backoff returns the delay before the next run of a job that has failed
// attempts times: base*2^(attempts-1) capped at MaxBackoff, plus up to
// JitterFraction of that delay, never above the cap. rnd returns a value in
// [0, 1); nil uses math/rand.
//
// Jitter stays below 100% of the delay, so consecutive delays never decrease.
func (p RetryPolicy) Backoff(attempts int, rnd func() float64) time.Duration {
	delay := exponentialBackoff(attempts, p.BaseBackoff, p.MaxBackoff)
	if p.JitterFraction <= 0 || delay >= p.MaxBackoff {
		return delay
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	jitter := time.Duration(float64(delay) * p.JitterFraction * rnd())
	if delay+jitter > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay + jitter
}

func exponentialBackoff(attempts int, base, max time.Duration) time.Duration {
	if attempts <= 1 {
		return base
	}
	backoff := base
	for i := 1; i < attempts; i++ {
		if backoff >= max/2 {
			return max
		}
		backoff *= 2
	}
	if backoff > max {
		return max
	}
	return backoff
}
