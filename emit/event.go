// Package emit provides pluggable observability for task execution.
//
// Every component that drives external work (the workflow engine, the
// review orchestrator, the execution controller) reports progress through
// an Emitter. Backends range from plain log output to OpenTelemetry spans.
package emit

// Event is one observability event from task automation.
type Event struct {
	// Task is the project-scoped task reference, e.g. "billing#12".
	// Empty for events not tied to a task.
	Task string

	// Run identifies the workflow run the event belongs to, if any.
	Run string

	// Step names the workflow step being executed, e.g. "implement".
	// Empty for run-level events.
	Step string

	// Agent names the external agent involved, e.g. "code-reviewer".
	Agent string

	// Msg is a short machine-matchable event name such as "step_start",
	// "review_converged", or "recoverable_error".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": elapsed time
	//   - "error": error details
	//   - "attempt": retry attempt number
	//   - "session_id": external agent session
	//   - "open_findings": count after a review round
	Meta map[string]interface{}
}
