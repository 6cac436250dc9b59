package retry

import "time"

const (
	DefaultMaxRetries        = 3
	DefaultInitialBackoff    = 30 * time.Second
	DefaultMaxBackoff        = 30 * time.Minute
	DefaultBackoffMultiplier = 2.0
)

// Policy bounds automatic retries for failed executions. Backoff grows
// exponentially per attempt and is capped at MaxBackoff.
type Policy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        DefaultMaxRetries,
		InitialBackoff:    DefaultInitialBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// Normalize fills zero fields with defaults so a partially configured policy
// stays usable.
func (p Policy) Normalize() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = DefaultBackoffMultiplier
	}
	return p
}

// BackoffFor returns the delay before retry number attempt (1-based).
func (p Policy) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * p.BackoffMultiplier)
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}
