package models

import (
	"strings"
	"time"
)

// BackoffStrategy determines how the delay between retry attempts grows.
type BackoffStrategy string

const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy governs whether and how a failed node execution is retried
// (§7, Table 7-A). Classification flags select which error categories are
// retryable without requiring the caller to enumerate substrings: a node
// executor's error is matched against these categories via substring rules
// (timeout-like messages, connection-refused/reset, 5xx status text) before
// falling back to RetryableErrors for handler-specific patterns.
type RetryPolicy struct {
	MaxAttempts     int             `json:"max_attempts"`
	BaseDelay       time.Duration   `json:"base_delay"`
	MaxDelay        time.Duration   `json:"max_delay"`
	Backoff         BackoffStrategy `json:"backoff"`
	RetryOnTimeout    bool     `json:"retry_on_timeout"`
	RetryOnConnection bool     `json:"retry_on_connection_error"`
	RetryOn5xx        bool     `json:"retry_on_5xx"`
	RetryableErrors   []string `json:"retryable_errors,omitempty"`
}

// NoRetry returns a policy that never retries.
func NoRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1, Backoff: BackoffConstant}
}

// DefaultRetryPolicyFor returns the Table 7-A default retry policy for a
// node class. Agent nodes get 2 attempts starting at a 5 s delay; trigger,
// config and toolkit nodes are not retried; every other node gets 3 attempts
// starting at a 1 s delay, capped at 60 s.
func DefaultRetryPolicyFor(class NodeClass) *RetryPolicy {
	switch class {
	case NodeClassAgent:
		return &RetryPolicy{
			MaxAttempts:       2,
			BaseDelay:         5 * time.Second,
			MaxDelay:          30 * time.Second,
			Backoff:           BackoffExponential,
			RetryOnTimeout:    true,
			RetryOnConnection: true,
			RetryOn5xx:        true,
		}
	case NodeClassTrigger:
		return NoRetry()
	case NodeClassConfig, NodeClassToolkit:
		return NoRetry()
	default:
		return &RetryPolicy{
			MaxAttempts:       3,
			BaseDelay:         1 * time.Second,
			MaxDelay:          60 * time.Second,
			Backoff:           BackoffExponential,
			RetryOnTimeout:    true,
			RetryOnConnection: true,
			RetryOn5xx:        true,
		}
	}
}

var retryableSubstrings5xx = []string{"500", "502", "503", "504", "server error", "internal server error", "bad gateway", "service unavailable", "gateway timeout"}
var retryableSubstringsTimeout = []string{"timeout", "timed out", "deadline exceeded"}
var retryableSubstringsConnection = []string{"connection refused", "connection reset", "connection closed", "broken pipe", "no such host", "eof"}

// ClassifyAndShouldRetry reports whether errMsg matches one of the policy's
// enabled retryable categories or an explicit RetryableErrors pattern.
func (rp *RetryPolicy) ClassifyAndShouldRetry(errMsg string) bool {
	lower := strings.ToLower(errMsg)

	if rp.RetryOnTimeout && containsAny(lower, retryableSubstringsTimeout) {
		return true
	}
	if rp.RetryOnConnection && containsAny(lower, retryableSubstringsConnection) {
		return true
	}
	if rp.RetryOn5xx && containsAny(lower, retryableSubstrings5xx) {
		return true
	}
	for _, pattern := range rp.RetryableErrors {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
