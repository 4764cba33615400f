package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/stagehand/pkg/schema"
)

// Step properties read by FailurePolicyAdvisor.
const (
	PropOnFailure           = "on_failure"
	PropMaxRetries          = "max_retries"
	PropRetryDelay          = "retry_delay"
	PropRetryBackoff        = "retry_backoff"
	PropRetryMaxDelay       = "retry_max_delay"
	PropManualTimeoutMillis = "manual_timeout_millis"
	PropActionOnTimeout     = "action_on_timeout"
)

// Failure strategies accepted in on_failure.
const (
	OnFailureRetry  = "retry"
	OnFailureIgnore = "ignore"
	OnFailurePause  = "pause"
	OnFailureAbort  = "abort"
	OnFailureManual = "manual"
	OnFailureFail   = "fail"
)

const (
	defaultMaxRetries          = 3
	defaultManualTimeoutMillis = int64(24 * time.Hour / time.Millisecond)
)

// FailurePolicyAdvisor turns a step's declarative on_failure property into
// advice when the step fails. Steps without on_failure, or with "fail",
// follow the default failure transition.
type FailurePolicyAdvisor struct{}

func (FailurePolicyAdvisor) Consult(ctx context.Context, ev *AdviceEvent) *Advice {
	if ev.Step == nil || ev.Instance == nil {
		return nil
	}
	if ev.Phase != PhaseAfterResponse && ev.Phase != PhaseException {
		return nil
	}
	if !ev.Failed() {
		return nil
	}
	props := ev.Step.Properties()
	strategy, _ := props[PropOnFailure].(string)

	switch strings.ToLower(strategy) {
	case OnFailureRetry:
		policy := retryPolicyOf(props)
		if ev.Instance.RetryCount >= policy.MaxRetries || !IsRetryable(ev.FailureKinds) {
			return nil
		}
		return &Advice{
			InterruptType:       schema.InterruptRetry,
			WaitIntervalSeconds: durationSeconds(ComputeBackoff(policy, ev.Instance.RetryCount)),
		}
	case OnFailureIgnore:
		return &Advice{InterruptType: schema.InterruptIgnore}
	case OnFailurePause:
		return &Advice{InterruptType: schema.InterruptPause}
	case OnFailureAbort:
		return &Advice{InterruptType: schema.InterruptAbort}
	case OnFailureManual:
		adv := &Advice{
			InterruptType:   schema.InterruptWaitingForManual,
			TimeoutMillis:   defaultManualTimeoutMillis,
			ActionOnTimeout: schema.InterruptMarkFailed,
		}
		if n, ok := intProp(props, PropManualTimeoutMillis); ok && n > 0 {
			adv.TimeoutMillis = n
		}
		if a, ok := props[PropActionOnTimeout].(string); ok && a != "" {
			adv.ActionOnTimeout = schema.InterruptType(strings.ToUpper(a))
		}
		return adv
	}
	return nil
}

func retryPolicyOf(props map[string]any) RetryPolicy {
	p := RetryPolicy{MaxRetries: defaultMaxRetries}
	if n, ok := intProp(props, PropMaxRetries); ok {
		p.MaxRetries = int(n)
	}
	if s, ok := props[PropRetryDelay].(string); ok {
		p.Delay, _ = time.ParseDuration(s)
	}
	if s, ok := props[PropRetryBackoff].(string); ok {
		p.Backoff = s
	}
	if s, ok := props[PropRetryMaxDelay].(string); ok {
		p.MaxDelay, _ = time.ParseDuration(s)
	}
	return p
}

func intProp(props map[string]any, key string) (int64, bool) {
	switch v := props[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}
