package retry

import (
	"testing"
	"time"

	"git.home.luguber.info/inful/texbuild/internal/config"
)

// TestDefaultPolicy verifies the baseline default values.
func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Mode != config.RetryBackoffExponential {
		t.Fatalf("expected exponential default mode got %s", p.Mode)
	}
	if p.Initial != time.Second {
		t.Fatalf("expected initial 1s got %v", p.Initial)
	}
	if p.Max != 30*time.Second {
		t.Fatalf("expected max 30s got %v", p.Max)
	}
	if p.MaxRetries != 3 {
		t.Fatalf("expected max retries 3 got %d", p.MaxRetries)
	}
}

// TestFromConfigOverrides checks override precedence and clamping when initial > max.
func TestFromConfigOverrides(t *testing.T) {
	p := FromConfig(config.RetryConfig{
		MaxRetries:   5,
		Backoff:      config.RetryBackoffFixed,
		InitialDelay: 5 * time.Second,
		MaxDelay:     2 * time.Second,
	})
	// initial > max -> clamped
	if p.Initial != 2*time.Second {
		t.Fatalf("expected clamped initial 2s got %v", p.Initial)
	}
	if p.Mode != config.RetryBackoffFixed {
		t.Fatalf("expected fixed mode got %s", p.Mode)
	}
	if p.MaxRetries != 5 {
		t.Fatalf("expected maxRetries 5 got %d", p.MaxRetries)
	}
}

// TestDelayModes ensures fixed, linear, exponential behave and respect cap.
func TestDelayModes(t *testing.T) {
	fixed := FromConfig(config.RetryConfig{MaxRetries: 3, Backoff: config.RetryBackoffFixed, InitialDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond})
	for i := 1; i <= 3; i++ {
		if d := fixed.Delay(i); d != 100*time.Millisecond {
			t.Fatalf("fixed attempt %d expected 100ms got %v", i, d)
		}
	}

	linear := FromConfig(config.RetryConfig{MaxRetries: 5, Backoff: config.RetryBackoffLinear, InitialDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond})
	cases := []struct {
		attempt int
		want    time.Duration
	}{{1, 100 * time.Millisecond}, {2, 200 * time.Millisecond}, {3, 250 * time.Millisecond}, {4, 250 * time.Millisecond}}
	for _, c := range cases {
		if got := linear.Delay(c.attempt); got != c.want {
			t.Fatalf("linear attempt %d expected %v got %v", c.attempt, c.want, got)
		}
	}

	exp := FromConfig(config.RetryConfig{MaxRetries: 5, Backoff: config.RetryBackoffExponential, InitialDelay: 50 * time.Millisecond, MaxDelay: 160 * time.Millisecond})
	// doubling: 50, 100, then capped
	expCases := []struct {
		attempt int
		want    time.Duration
	}{{1, 50 * time.Millisecond}, {2, 100 * time.Millisecond}, {3, 160 * time.Millisecond}, {4, 160 * time.Millisecond}}
	for _, c := range expCases {
		if got := exp.Delay(c.attempt); got != c.want {
			t.Fatalf("exp attempt %d expected %v got %v", c.attempt, c.want, got)
		}
	}
}

// TestDelayEdgeCases ensures non-positive attempts yield zero.
func TestDelayEdgeCases(t *testing.T) {
	p := DefaultPolicy()
	if d := p.Delay(0); d != 0 {
		t.Fatalf("attempt 0 expected 0 got %v", d)
	}
	if d := p.Delay(-1); d != 0 {
		t.Fatalf("attempt -1 expected 0 got %v", d)
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy should validate: %v", err)
	}
	bad := Policy{Initial: 0, Max: time.Second, MaxRetries: 1}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error for zero initial")
	}
}
