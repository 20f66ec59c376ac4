package retry

import (
	"fmt"
	"time"
)

// Default backoff policy values.
const (
	DefaultBase        = 30 * time.Second
	DefaultMaxInterval = 30 * time.Minute
	DefaultJitter      = 5 * time.Second
	DefaultMaxAttempts = 5
)

// Policy controls retry backoff and the dead-letter ceiling.
type Policy struct {
	Base        time.Duration
	MaxInterval time.Duration
	Jitter      time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the default backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		Base:        DefaultBase,
		MaxInterval: DefaultMaxInterval,
		Jitter:      DefaultJitter,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}
	if p.MaxInterval < p.Base {
		p.MaxInterval = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Backoff returns base*2^attempt capped at MaxInterval, without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if d >= p.MaxInterval/2 {
			return p.MaxInterval
		}
		d *= 2
	}
	if d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

func (p Policy) String() string {
	return fmt.Sprintf("base=%s max=%s jitter=%s attempts=%d", p.Base, p.MaxInterval, p.Jitter, p.MaxAttempts)
}
