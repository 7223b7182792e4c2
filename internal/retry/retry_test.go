package retry

import (
	"errors"
	"testing"
	"time"
)

func TestDelayMonotonicUpToCap(t *testing.T) {
	p := Policy{Name: "t", MaxRetries: 20, BaseDelay: time.Second, MaxDelay: 10 * time.Second, ExponentialBase: 2, Jitter: false}
	var prev time.Duration
	for i := 0; i < 10; i++ {
		d := Delay(i, p)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", i, d, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("delay %v exceeds cap %v", d, p.MaxDelay)
		}
		prev = d
	}
}

func TestDelayJitterBounded(t *testing.T) {
	p := Default
	for i := 0; i < 100; i++ {
		d := Delay(2, p)
		base := float64(p.BaseDelay) * 4 // exponent^2
		max := base * 1.25
		if float64(d) > max+1 {
			t.Fatalf("jittered delay %v exceeds max %v", d, time.Duration(max))
		}
	}
}

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		code int
		want Outcome
	}{
		{408, Retryable}, {429, Retryable}, {500, Retryable}, {503, Retryable},
		{400, Terminal}, {401, Terminal}, {404, Terminal}, {422, Terminal},
		{599, Retryable},
	}
	for _, c := range cases {
		got, _ := Classify(nil, c.code)
		if got != c.want {
			t.Errorf("Classify(code=%d) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestClassify429UsesAggressive(t *testing.T) {
	_, p := Classify(nil, 429)
	if p.Name != Aggressive.Name {
		t.Errorf("429 should classify under aggressive policy, got %s", p.Name)
	}
}

func TestClassifyConnectionError(t *testing.T) {
	err := errors.New("dial tcp: connection refused")
	outcome, _ := Classify(err, 0)
	if outcome != Retryable {
		t.Errorf("connection refused should be retryable, got %v", outcome)
	}
}

func TestClassifyUnknownErrorIsTerminal(t *testing.T) {
	outcome, _ := Classify(errors.New("boom"), 0)
	if outcome != Terminal {
		t.Errorf("unrecognized error should be terminal, got %v", outcome)
	}
}

func TestExhausted(t *testing.T) {
	if Exhausted(4, Default) {
		t.Error("attempt 4 should not be exhausted under default (max 5)")
	}
	if !Exhausted(5, Default) {
		t.Error("attempt 5 should be exhausted under default (max 5)")
	}
}
