package retry

import (
	"math"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

const (
	defaultBaseDelay   = time.Second
	defaultMultiplier  = 2.0
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 5
)

// Policy is a capped exponential backoff. Attempts are 1-based.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   defaultBaseDelay,
		Multiplier:  defaultMultiplier,
		MaxDelay:    defaultMaxDelay,
		MaxAttempts: defaultMaxAttempts,
	}
}

func PolicyFromConfig(cfg core.RetryConfig) Policy {
	return Policy{
		BaseDelay:   cfg.BaseDelay,
		Multiplier:  cfg.Multiplier,
		MaxDelay:    cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
	}.normalized()
}

// Delay returns the wait after a failed attempt:
// min(BaseDelay * Multiplier^(attempt-1), MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	scaled := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if math.IsInf(scaled, 0) || scaled >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(scaled)
}

func (p Policy) Attempts() int {
	return p.normalized().MaxAttempts
}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = defaultMaxAttempts
	}
	return p
}
