// Package retry maps a failed attempt onto a retry decision.
package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"docjobs/internal/task"
)

// Sentinel errors for policy validation
var (
	ErrInvalidAttempts = errors.New("max attempts must be positive")
	ErrInvalidBackoff  = errors.New("backoff must be positive and min <= max")
	ErrInvalidFactor   = errors.New("factor must be >= 1")
)

// Policy configures retry behavior with exponential backoff.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"` // Total attempts including the first
	MinBackoff  time.Duration `yaml:"min_backoff" json:"min_backoff"`   // Delay before the second attempt
	MaxBackoff  time.Duration `yaml:"max_backoff" json:"max_backoff"`   // Delay cap
	Factor      float64       `yaml:"factor" json:"factor"`             // Multiplicative growth per attempt
	Jitter      bool          `yaml:"jitter" json:"jitter"`             // Randomize delays within [d/2, d]
}

// DefaultPolicy returns sensible defaults for retry behavior.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		MinBackoff:  time.Second,
		MaxBackoff:  5 * time.Minute,
		Factor:      2,
		Jitter:      true,
	}
}

// Validate checks that the policy can produce delays.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return ErrInvalidAttempts
	}
	if p.MinBackoff <= 0 || p.MaxBackoff < p.MinBackoff {
		return ErrInvalidBackoff
	}
	if p.Factor < 1 {
		return ErrInvalidFactor
	}
	return nil
}

// Merge returns p with every non-zero field of o applied on top. Jitter is
// only switched on, never off.
func (p Policy) Merge(o Policy) Policy {
	if o.MaxAttempts != 0 {
		p.MaxAttempts = o.MaxAttempts
	}
	if o.MinBackoff != 0 {
		p.MinBackoff = o.MinBackoff
	}
	if o.MaxBackoff != 0 {
		p.MaxBackoff = o.MaxBackoff
	}
	if o.Factor != 0 {
		p.Factor = o.Factor
	}
	if o.Jitter {
		p.Jitter = true
	}
	return p
}

// ValidatePartial checks the fields set in a policy meant to be merged onto
// another one. Zero fields are not checked.
func (p Policy) ValidatePartial() error {
	if p.MaxAttempts < 0 {
		return ErrInvalidAttempts
	}
	if p.MinBackoff < 0 || p.MaxBackoff < 0 || (p.MinBackoff > 0 && p.MaxBackoff > 0 && p.MaxBackoff < p.MinBackoff) {
		return ErrInvalidBackoff
	}
	if p.Factor != 0 && p.Factor < 1 {
		return ErrInvalidFactor
	}
	return nil
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the decision to stop retrying.
var GiveUp = Decision{}

// Decide returns whether a task that has already made attempt attempts and
// failed with class should run again, and after how long.
func Decide(p Policy, attempt int, class task.Class) Decision {
	if class.Kind == task.KindPermanent || class.Kind == task.KindCancelled {
		return GiveUp
	}
	if attempt >= p.MaxAttempts {
		return GiveUp
	}

	delay := p.Backoff(attempt)
	if class.Kind == task.KindRateLimited && class.RetryAfter > delay {
		delay = class.RetryAfter
	}
	return Decision{Retry: true, Delay: delay}
}

// Backoff returns the delay after the given attempt (1-based):
// min(MaxBackoff, MinBackoff * Factor^(attempt-1)), optionally jittered.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.MinBackoff) * math.Pow(p.Factor, float64(attempt-1))

	// Apply cap
	if delay > float64(p.MaxBackoff) || math.IsInf(delay, 1) {
		delay = float64(p.MaxBackoff)
	}

	// Apply jitter: uniform in [delay/2, delay], never above the cap
	if p.Jitter {
		delay = delay/2 + rand.Float64()*delay/2
	}

	return time.Duration(delay)
}
