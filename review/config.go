// Package review runs parallel reviewer agents against one task and
// iterates fix passes until every mandatory review is clean.
package review

import "time"

// Reviewer binds a section kind to the agent that produces it.
type Reviewer struct {
	// Kind is the Section type the reviewer owns, e.g. "code-review".
	Kind string

	// Agent is the external agent definition to launch.
	Agent string

	// Mandatory review kinds gate LGTM; optional kinds inform but never
	// block.
	Mandatory bool
}

// Policy selects which reviewers re-run after a fix pass.
type Policy string

const (
	// PolicyNarrow re-dispatches only reviewers whose section still has
	// open findings. Default.
	PolicyNarrow Policy = "narrow"

	// PolicyFull re-dispatches every active reviewer each iteration.
	PolicyFull Policy = "full"
)

// Config tunes one orchestrator.
type Config struct {
	Reviewers []Reviewer

	// MaxIterations bounds fix/re-review rounds after the initial review.
	MaxIterations int

	// ReviewerRetries is the per-reviewer crash retry cap within one
	// round.
	ReviewerRetries uint64

	// RetryDelay is the constant backoff between reviewer retries.
	RetryDelay time.Duration

	Policy Policy
}

// DefaultReviewers is the standard review chain.
func DefaultReviewers() []Reviewer {
	return []Reviewer{
		{Kind: "code-review", Agent: "code-reviewer", Mandatory: true},
		{Kind: "comment-analysis", Agent: "comment-analyzer", Mandatory: true},
		{Kind: "pr-test-analysis", Agent: "pr-test-analyzer", Mandatory: true},
		{Kind: "silent-failure-hunting", Agent: "silent-failure-hunter", Mandatory: true},
		{Kind: "security-review", Agent: "security-reviewer", Mandatory: true},
	}
}

// DefaultConfig returns the standard chain with conservative budgets.
func DefaultConfig() Config {
	return Config{
		Reviewers:       DefaultReviewers(),
		MaxIterations:   3,
		ReviewerRetries: 1,
		RetryDelay:      5 * time.Second,
		Policy:          PolicyNarrow,
	}
}

func (c Config) withDefaults() Config {
	if len(c.Reviewers) == 0 {
		c.Reviewers = DefaultReviewers()
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.Policy == "" {
		c.Policy = PolicyNarrow
	}
	return c
}

func (c Config) mandatoryKinds() []string {
	var kinds []string
	for _, r := range c.Reviewers {
		if r.Mandatory {
			kinds = append(kinds, r.Kind)
		}
	}
	return kinds
}
