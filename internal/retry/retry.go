// Package retry implements the retry/back-off policies and error
// classification of spec §4.3 / §7.
//
// Grounded on original_source/celery-worker/retry_config.py: the three
// named policies, the HTTP status classification tables, and the
// connection/timeout substring heuristic are carried over verbatim.
package retry

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Policy is one named retry strategy.
type Policy struct {
	Name            string
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

var (
	Default = Policy{
		Name:            "default",
		MaxRetries:      5,
		BaseDelay:       2 * time.Second,
		MaxDelay:        300 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
	}
	Aggressive = Policy{
		Name:            "aggressive",
		MaxRetries:      10,
		BaseDelay:       1 * time.Second,
		MaxDelay:        600 * time.Second,
		ExponentialBase: 1.5,
		Jitter:          true,
	}
	Conservative = Policy{
		Name:            "conservative",
		MaxRetries:      3,
		BaseDelay:       5 * time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2,
		Jitter:          false,
	}
)

// Policies indexes the named policies, mirroring RETRY_POLICIES in the
// original source.
var Policies = map[string]Policy{
	Default.Name:      Default,
	Aggressive.Name:    Aggressive,
	Conservative.Name: Conservative,
}

// jitterSource is package-level so tests can seed it deterministically;
// production code never needs to touch it.
var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

// Delay computes the back-off for the given 0-based retry count under
// policy: min(base * exponent^retryCount, cap), optionally inflated by up
// to 25% multiplicative jitter.
func Delay(retryCount int, p Policy) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(retryCount))
	capped := math.Min(d, float64(p.MaxDelay))
	if p.Jitter {
		capped += capped * jitterSource.Float64() * 0.25
	}
	return time.Duration(capped)
}

// Outcome classifies whether an error should trigger a retry and, if so,
// under which policy.
type Outcome int

const (
	// Retryable means the dispatcher should re-enqueue with a computed delay.
	Retryable Outcome = iota
	// Terminal means the dispatcher should hand the task to the DLQ
	// (or, for a 4xx client error, fail the evaluation with no retry at all).
	Terminal
	// ClientError is a terminal outcome that additionally should never have
	// been attempted — malformed or policy-violating input.
	ClientError
)

var retryableHTTP = map[int]bool{
	408: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

var terminalHTTP = map[int]bool{
	400: true, 401: true, 403: true, 404: true,
	405: true, 406: true, 409: true, 410: true, 422: true,
}

var connectionSignals = []string{"connection", "timeout", "refused"}

// Classify decides the Outcome and the Policy to use if retrying, following
// spec §4.3: 429 uses Aggressive, everything else retryable uses Default;
// any HTTP status code >= 500 not explicitly listed is still treated as a
// retryable server error.
func Classify(err error, statusCode int) (Outcome, Policy) {
	if statusCode != 0 {
		if statusCode == 429 {
			return Retryable, Aggressive
		}
		if retryableHTTP[statusCode] || statusCode >= 500 {
			return Retryable, Default
		}
		if terminalHTTP[statusCode] {
			return Terminal, Policy{}
		}
	}
	if err != nil {
		msg := strings.ToLower(errors.Cause(err).Error())
		for _, sig := range connectionSignals {
			if strings.Contains(msg, sig) {
				return Retryable, Default
			}
		}
	}
	return Terminal, Policy{}
}

// Exhausted reports whether attempt has used up policy's retry budget.
func Exhausted(attempt int, p Policy) bool {
	return attempt >= p.MaxRetries
}
