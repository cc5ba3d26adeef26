package retry

import (
	"errors"
	"testing"
	"time"

	"docjobs/internal/task"
)

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()

	if policy.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", policy.MaxAttempts)
	}
	if policy.MinBackoff != time.Second {
		t.Errorf("expected MinBackoff=1s, got %v", policy.MinBackoff)
	}
	if err := policy.Validate(); err != nil {
		t.Errorf("default policy is invalid: %v", err)
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   error
	}{
		{"zero attempts", Policy{MaxAttempts: 0, MinBackoff: time.Second, MaxBackoff: time.Second, Factor: 2}, ErrInvalidAttempts},
		{"zero backoff", Policy{MaxAttempts: 1, MaxBackoff: time.Second, Factor: 2}, ErrInvalidBackoff},
		{"min above max", Policy{MaxAttempts: 1, MinBackoff: time.Minute, MaxBackoff: time.Second, Factor: 2}, ErrInvalidBackoff},
		{"shrinking factor", Policy{MaxAttempts: 1, MinBackoff: time.Second, MaxBackoff: time.Second, Factor: 0.5}, ErrInvalidFactor},
		{"valid", Policy{MaxAttempts: 1, MinBackoff: time.Second, MaxBackoff: time.Second, Factor: 1}, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.Validate(); got != tc.want {
				t.Errorf("Validate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPolicy_Merge(t *testing.T) {
	base := Policy{MaxAttempts: 3, MinBackoff: time.Second, MaxBackoff: time.Minute, Factor: 2}

	merged := base.Merge(Policy{MaxAttempts: 7})
	want := Policy{MaxAttempts: 7, MinBackoff: time.Second, MaxBackoff: time.Minute, Factor: 2}
	if merged != want {
		t.Errorf("expected %+v, got %+v", want, merged)
	}
	if err := merged.Validate(); err != nil {
		t.Errorf("merged policy is invalid: %v", err)
	}

	if got := base.Merge(Policy{}); got != base {
		t.Errorf("empty override changed the policy: %+v", got)
	}
	if got := base.Merge(Policy{Jitter: true, Factor: 3}); !got.Jitter || got.Factor != 3 {
		t.Errorf("expected jitter and factor 3, got %+v", got)
	}
}

func TestPolicy_ValidatePartial(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr error
	}{
		{"empty", Policy{}, nil},
		{"attempts only", Policy{MaxAttempts: 7}, nil},
		{"max backoff only", Policy{MaxBackoff: time.Millisecond}, nil},
		{"negative attempts", Policy{MaxAttempts: -1}, ErrInvalidAttempts},
		{"negative backoff", Policy{MinBackoff: -time.Second}, ErrInvalidBackoff},
		{"min above max", Policy{MinBackoff: time.Minute, MaxBackoff: time.Second}, ErrInvalidBackoff},
		{"shrinking factor", Policy{Factor: 0.5}, ErrInvalidFactor},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.policy.ValidatePartial(); !errors.Is(err, tc.wantErr) {
				t.Errorf("ValidatePartial() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	policy := Policy{
		MaxAttempts: 10,
		MinBackoff:  time.Second,
		MaxBackoff:  30 * time.Second,
		Factor:      2,
		Jitter:      false, // No jitter for predictable tests
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, time.Second},       // 1s * 2^0 = 1s
		{2, 2 * time.Second},   // 1s * 2^1 = 2s
		{3, 4 * time.Second},   // 1s * 2^2 = 4s
		{4, 8 * time.Second},   // 1s * 2^3 = 8s
		{5, 16 * time.Second},  // 1s * 2^4 = 16s
		{6, 30 * time.Second},  // capped
		{60, 30 * time.Second}, // capped, no overflow
	}

	for _, tc := range tests {
		got := policy.Backoff(tc.attempt)
		if got != tc.expected {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.expected)
		}
	}
}

func TestBackoff_Monotonic(t *testing.T) {
	policy := Policy{MaxAttempts: 100, MinBackoff: 250 * time.Millisecond, MaxBackoff: time.Minute, Factor: 1.7}

	prev := time.Duration(0)
	for attempt := 1; attempt < 100; attempt++ {
		got := policy.Backoff(attempt)
		if got < prev {
			t.Fatalf("Backoff(%d) = %v decreased from %v", attempt, got, prev)
		}
		if got > policy.MaxBackoff {
			t.Fatalf("Backoff(%d) = %v exceeds cap %v", attempt, got, policy.MaxBackoff)
		}
		prev = got
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	policy := Policy{MaxAttempts: 10, MinBackoff: time.Second, MaxBackoff: 10 * time.Second, Factor: 2, Jitter: true}

	for i := 0; i < 500; i++ {
		got := policy.Backoff(3)
		if got < 2*time.Second || got > 4*time.Second {
			t.Fatalf("jittered Backoff(3) = %v, want within [2s, 4s]", got)
		}
	}
	for i := 0; i < 500; i++ {
		if got := policy.Backoff(20); got > policy.MaxBackoff {
			t.Fatalf("jittered Backoff(20) = %v exceeds cap", got)
		}
	}
}

func TestDecide_TransientSequence(t *testing.T) {
	policy := Policy{MaxAttempts: 3, MinBackoff: time.Second, MaxBackoff: time.Minute, Factor: 2}
	transient := task.Class{Kind: task.KindTransient}

	first := Decide(policy, 1, transient)
	if !first.Retry || first.Delay != time.Second {
		t.Errorf("after attempt 1: got %+v, want retry after 1s", first)
	}
	second := Decide(policy, 2, transient)
	if !second.Retry || second.Delay != 2*time.Second {
		t.Errorf("after attempt 2: got %+v, want retry after 2s", second)
	}
	third := Decide(policy, 3, transient)
	if third.Retry {
		t.Errorf("after attempt 3: got %+v, want give up", third)
	}
}

func TestDecide_PermanentNeverRetries(t *testing.T) {
	policy := Policy{MaxAttempts: 1000, MinBackoff: time.Second, MaxBackoff: time.Minute, Factor: 2}

	for attempt := 0; attempt < 50; attempt++ {
		if d := Decide(policy, attempt, task.Class{Kind: task.KindPermanent}); d.Retry {
			t.Fatalf("permanent error retried at attempt %d", attempt)
		}
	}
}

func TestDecide_RateLimited(t *testing.T) {
	policy := Policy{MaxAttempts: 5, MinBackoff: time.Second, MaxBackoff: 10 * time.Second, Factor: 2}

	t.Run("suggested delay larger", func(t *testing.T) {
		d := Decide(policy, 1, task.Class{Kind: task.KindRateLimited, RetryAfter: 45 * time.Second})
		if !d.Retry || d.Delay != 45*time.Second {
			t.Errorf("got %+v, want retry after 45s", d)
		}
	})

	t.Run("suggested delay smaller", func(t *testing.T) {
		d := Decide(policy, 3, task.Class{Kind: task.KindRateLimited, RetryAfter: time.Second})
		if !d.Retry || d.Delay != 4*time.Second {
			t.Errorf("got %+v, want retry after 4s", d)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		d := Decide(policy, 5, task.Class{Kind: task.KindRateLimited, RetryAfter: time.Second})
		if d.Retry {
			t.Errorf("got %+v, want give up", d)
		}
	})
}
