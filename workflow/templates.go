// Package workflow drives the per-task pipeline state machine. Every
// decision is computed from stored run and step status; free-text agent
// transcripts are never inspected.
package workflow

// Template is the ordered, mandatory step list for one run type.
type Template []string

// Built-in run types. The registry is open: callers can register new
// types without engine changes.
const (
	RunInterview = "interview"
	RunPlan      = "plan"
	RunImplement = "implement"
)

// DefaultTemplates returns the standard run-type registry.
func DefaultTemplates() map[string]Template {
	return map[string]Template{
		RunInterview: {"interview"},
		RunPlan:      {"plan", "review-primary", "review-secondary"},
		RunImplement: {"implement", "test", "review", "lint", "secondary-review"},
	}
}
