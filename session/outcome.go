// Package session launches and supervises external coding-agent processes.
//
// The executor speaks the agent CLI's line-delimited JSON stream, the
// classifier maps terminal errors onto a small outcome taxonomy, and the
// controller applies the recovery policy: resume-after-delay for transient
// failures, fresh-session retry for context overflow, immediate failure
// for fatal errors.
package session

import "strings"

// Outcome classifies how one agent attempt ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"

	// Recoverable: resume the same logical session after a delay.
	OutcomeRateLimit   Outcome = "rate-limit"
	OutcomeOverloaded  Outcome = "overloaded"
	OutcomeAPITimeout  Outcome = "api-timeout"
	OutcomeAuthExpired Outcome = "auth-expired"

	// Fatal: no retry will help.
	OutcomeForbidden     Outcome = "forbidden"
	OutcomeInvalidConfig Outcome = "invalid-config"

	// OutcomeContextOverflow needs a retry with a fresh session; resuming
	// would replay the oversized context.
	OutcomeContextOverflow Outcome = "context-overflow"

	// OutcomeCancelled means the supervising context was cancelled and the
	// subprocess was terminated. Never retried.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeUnknown is treated as recoverable with a reduced budget.
	OutcomeUnknown Outcome = "unknown"
)

// Recoverable reports whether the controller may retry by resuming the
// same session after a delay.
func (o Outcome) Recoverable() bool {
	switch o {
	case OutcomeRateLimit, OutcomeOverloaded, OutcomeAPITimeout, OutcomeAuthExpired, OutcomeUnknown:
		return true
	}
	return false
}

// Fatal reports whether retrying can never succeed.
func (o Outcome) Fatal() bool {
	return o == OutcomeForbidden || o == OutcomeInvalidConfig
}

// classifier patterns, checked in order against the lower-cased error
// text. First match wins, so the more specific patterns come first.
var outcomePatterns = []struct {
	outcome  Outcome
	patterns []string
}{
	{OutcomeContextOverflow, []string{"context low", "prompt is too long", "context overflow", "context_length_exceeded", "conversation is too long"}},
	{OutcomeAuthExpired, []string{"oauth token has expired", "authentication_error", "api key", "please run /login", "token expired"}},
	{OutcomeRateLimit, []string{"rate limit", "rate_limit", "429", "usage limit reached"}},
	{OutcomeOverloaded, []string{"overloaded", "overloaded_error", "529"}},
	{OutcomeAPITimeout, []string{"timed out", "timeout", "deadline exceeded", "connection error", "connection refused", "connection reset"}},
	{OutcomeForbidden, []string{"forbidden", "403", "permission denied", "insufficient permissions"}},
	{OutcomeInvalidConfig, []string{"unknown agent", "no such agent", "invalid flag", "unknown flag", "unknown option"}},
}

// Classify maps a terminal error description to an Outcome. Matching is
// case-insensitive substring matching over the agent's error text, which
// is the only signal the external CLI provides.
func Classify(errText string) Outcome {
	if errText == "" {
		return OutcomeUnknown
	}
	lower := strings.ToLower(errText)
	for _, entry := range outcomePatterns {
		for _, p := range entry.patterns {
			if strings.Contains(lower, p) {
				return entry.outcome
			}
		}
	}
	return OutcomeUnknown
}
