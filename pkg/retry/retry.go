package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class names a failure class with its own retry budget.
type Class string

const (
	ClassStore     Class = "store"
	ClassProfile   Class = "profile"
	ClassRefresh   Class = "refresh"
	ClassBroadcast Class = "broadcast"
	ClassSSO       Class = "sso"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Jitter            float64       `json:"jitter" yaml:"jitter"`
}

// NoRetry runs the operation exactly once.
var NoRetry = Config{MaxAttempts: 1}

// Policy implements bounded exponential backoff
type Policy struct {
	config Config
	// OnRetry, when set, is called before each wait with the failed
	// attempt's error and the upcoming delay.
	OnRetry func(err error, wait time.Duration)
}

// NewPolicy normalizes config into a policy.
func NewPolicy(config Config) *Policy {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.BackoffMultiplier < 1.0 {
		config.BackoffMultiplier = 2.0
	}
	if config.Jitter < 0 || config.Jitter >= 1 {
		config.Jitter = 0
	}
	return &Policy{config: config}
}

// Config returns the normalized configuration
func (p *Policy) Config() Config {
	return p.config
}

func (p *Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.config.InitialDelay
	eb.MaxInterval = p.config.MaxDelay
	eb.Multiplier = p.config.BackoffMultiplier
	eb.RandomizationFactor = p.config.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.config.MaxAttempts-1)), ctx)
}

// Do runs fn until it succeeds, returns a Permanent error, the attempt
// budget runs out or ctx ends. The last error is returned.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p == nil {
		return fn(ctx)
	}
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return fn(ctx)
	}
	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = p.OnRetry
	}
	return backoff.RetryNotify(op, p.backOff(ctx), notify)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Policies maps failure classes to their policy.
type Policies map[Class]*Policy

// DefaultPolicies returns the built-in budgets. Broadcast and SSO never
// retry: broadcast is best effort and SSO must not loop.
func DefaultPolicies() Policies {
	return Policies{
		ClassStore: NewPolicy(Config{
			MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond,
			BackoffMultiplier: 2, Jitter: 0.2,
		}),
		ClassProfile: NewPolicy(Config{
			MaxAttempts: 4, InitialDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second,
			BackoffMultiplier: 2, Jitter: 0.2,
		}),
		ClassRefresh: NewPolicy(Config{
			MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second,
			BackoffMultiplier: 2, Jitter: 0.2,
		}),
		ClassBroadcast: NewPolicy(NoRetry),
		ClassSSO:       NewPolicy(NoRetry),
	}
}

// For returns the policy of class, or a single-attempt policy when the
// class is not configured.
func (ps Policies) For(class Class) *Policy {
	if p, ok := ps[class]; ok && p != nil {
		return p
	}
	return NewPolicy(NoRetry)
}
