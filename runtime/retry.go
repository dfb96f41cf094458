package runtime

import (
	"math/rand"
	"time"

	"github.com/dipeo/dipeo-go/diagram"
)

// BackoffStrategy selects how retry delays grow across attempts.
type BackoffStrategy string

// Supported backoff strategies.
const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFibonacci   BackoffStrategy = "fibonacci"
)

// RetryPolicy is the value object governing automatic retry of
// transient node failures.
type RetryPolicy struct {
	// MaxAttempts counts the initial attempt: 1 means no retries.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps delay growth.
	MaxDelay time.Duration

	// Strategy selects the growth curve.
	Strategy BackoffStrategy

	// BackoffFactor is the multiplier for the exponential strategy.
	BackoffFactor float64

	// Jitter randomises each delay by ±20% to avoid synchronised
	// retry storms.
	Jitter bool
}

// DefaultRetryPolicy returns the engine-wide default:
// 3 attempts, 1s initial, 10s cap, exponential factor 2, jittered.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		Strategy:      BackoffExponential,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// RetryPolicyFromConfig reads a node's "retry" config block, falling
// back to the supplied default for absent fields.
//
// Recognised keys: max_attempts, initial_delay_ms, max_delay_ms,
// strategy, backoff_factor, jitter.
func RetryPolicyFromConfig(cfg diagram.Config, def RetryPolicy) RetryPolicy {
	raw := cfg.Map("retry")
	if raw == nil {
		return def
	}
	rc := diagram.Config(raw)
	p := def
	if v := rc.Int("max_attempts", 0); v > 0 {
		p.MaxAttempts = v
	}
	if v := rc.Int("initial_delay_ms", 0); v > 0 {
		p.InitialDelay = time.Duration(v) * time.Millisecond
	}
	if v := rc.Int("max_delay_ms", 0); v > 0 {
		p.MaxDelay = time.Duration(v) * time.Millisecond
	}
	if v := rc.String("strategy"); v != "" {
		p.Strategy = BackoffStrategy(v)
	}
	if f, ok := raw["backoff_factor"].(float64); ok && f > 0 {
		p.BackoffFactor = f
	}
	if j, ok := raw["jitter"].(bool); ok {
		p.Jitter = j
	}
	return p
}

// Delay computes the backoff before retry number attempt (0-based:
// attempt 0 is the delay after the first failure). The result is
// capped at MaxDelay and, when Jitter is set, randomised by ±20%.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case BackoffConstant:
		d = p.InitialDelay
	case BackoffLinear:
		d = p.InitialDelay * time.Duration(attempt+1)
	case BackoffFibonacci:
		d = time.Duration(fib(attempt+1)) * p.InitialDelay
	default:
		// Exponential, and the default for unknown strategies.
		factor := p.BackoffFactor
		if factor <= 0 {
			factor = 2.0
		}
		scaled := float64(p.InitialDelay)
		for i := 0; i < attempt; i++ {
			scaled *= factor
		}
		d = time.Duration(scaled)
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter && d > 0 && rng != nil {
		// ±20% jitter.
		spread := float64(d) * 0.2
		d += time.Duration((rng.Float64()*2 - 1) * spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}

func fib(n int) int {
	a, b := 1, 1
	for i := 2; i < n; i++ {
		a, b = b, a+b
	}
	if n <= 0 {
		return 0
	}
	return b
}
