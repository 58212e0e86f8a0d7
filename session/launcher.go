package session

import (
	"context"
	"time"
)

// Request describes one agent invocation.
type Request struct {
	// Agent selects the external agent definition, e.g. "code-reviewer".
	// Empty runs the CLI's default agent.
	Agent string

	// Prompt is the instruction text handed to the agent.
	Prompt string

	// SessionID, when non-empty, resumes an existing session instead of
	// starting a new one.
	SessionID string

	// WorkDir overrides the launcher's working directory for this request.
	WorkDir string
}

// Usage carries the token and cost counters reported by the agent CLI.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Result is the terminal state of one agent attempt.
type Result struct {
	// SessionID identifies the session the CLI created or resumed. It is
	// captured from the stream even on failure so a retry can resume.
	SessionID string

	// Text is the agent's final result text.
	Text string

	// Outcome classifies how the attempt ended.
	Outcome Outcome

	// ErrorText is the raw error description when Outcome is not success.
	ErrorText string

	ExitCode  int
	Usage     Usage
	StartedAt time.Time
	EndedAt   time.Time
}

// Launcher runs one agent attempt to completion. Implementations must
// honor context cancellation by terminating the underlying work and
// returning a Result with OutcomeCancelled.
//
// The error return is reserved for launcher-level failures (binary not
// found, stream parse breakdown); agent-level failures travel in
// Result.Outcome so the caller can apply recovery policy.
type Launcher interface {
	Launch(ctx context.Context, req Request) (Result, error)
}

// LauncherFunc adapts a function to the Launcher interface. Tests use it
// to script agent behavior.
type LauncherFunc func(ctx context.Context, req Request) (Result, error)

func (f LauncherFunc) Launch(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
