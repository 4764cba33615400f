package engine

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/rendis/stagehand/pkg/schema"
)

var (
	connectivityPatterns = []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"no such host",
		"service unavailable",
		"bad gateway",
		"too many requests",
	}
	authorizationPatterns = []string{
		"permission denied",
		"unauthorized",
		"forbidden",
		"access denied",
	}
	expiryPatterns = []string{
		"i/o timeout",
		"gateway timeout",
		"deadline exceeded",
		"timed out",
	}
)

// ClassifyFailure maps an error raised by a step to the failure kinds
// advisors are consulted with.
func ClassifyFailure(err error) []schema.FailureKind {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || schema.IsCode(err, schema.ErrCodeTimeout) {
		return []schema.FailureKind{schema.FailureExpired}
	}
	if schema.IsCode(err, schema.ErrCodeValidation) || schema.IsCode(err, schema.ErrCodeExpression) {
		return []schema.FailureKind{schema.FailureVerification}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return []schema.FailureKind{schema.FailureExpired, schema.FailureConnectivity}
		}
		return []schema.FailureKind{schema.FailureConnectivity}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, authorizationPatterns):
		return []schema.FailureKind{schema.FailureAuthorization}
	case containsAny(msg, expiryPatterns):
		return []schema.FailureKind{schema.FailureExpired}
	case containsAny(msg, connectivityPatterns):
		return []schema.FailureKind{schema.FailureConnectivity}
	}
	return []schema.FailureKind{schema.FailureApplication}
}

// IsRetryable reports whether a failure of the given kinds is worth retrying.
// Authorization and verification failures will fail again the same way.
func IsRetryable(kinds []schema.FailureKind) bool {
	for _, k := range kinds {
		if k == schema.FailureAuthorization || k == schema.FailureVerification {
			return false
		}
	}
	return true
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// RetryPolicy describes how far apart retries are scheduled.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	Backoff    string // none, constant, linear, exponential
	MaxDelay   time.Duration
}

// ComputeBackoff calculates the delay before the given retry attempt
// (0-based), capped at MaxDelay when set.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		factor := math.Pow(2, float64(attempt))
		if factor > float64(math.MaxInt64)/float64(policy.Delay) {
			delay = time.Duration(math.MaxInt64)
		} else {
			delay = time.Duration(float64(policy.Delay) * factor)
		}
	case "linear":
		delay = policy.Delay * time.Duration(attempt+1)
	default:
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// durationSeconds rounds d up to whole seconds, the unit wait intervals are
// stored in.
func durationSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
