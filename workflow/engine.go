package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/foremanproject/foreman/emit"
	"github.com/foremanproject/foreman/graph"
)

// ErrReasonRequired is returned by FailStep when no reason is given. A
// failed step with no recorded cause is useless for recovery decisions.
var ErrReasonRequired = errors.New("failing a step requires a reason")

// UnknownRunTypeError indicates a run type with no registered template.
type UnknownRunTypeError struct {
	Type string
}

func (e *UnknownRunTypeError) Error() string {
	return fmt.Sprintf("unknown run type %q", e.Type)
}

// PredecessorError indicates a step completion attempted while earlier
// template steps are still unfinished.
type PredecessorError struct {
	RunID      string
	Step       string
	Incomplete []string
}

func (e *PredecessorError) Error() string {
	return fmt.Sprintf("cannot complete step %q of run %s: predecessors not finished: %s",
		e.Step, e.RunID, strings.Join(e.Incomplete, ", "))
}

// Engine executes run templates against the graph store.
//
// The engine owns no in-memory run state; every operation reads current
// step rows, validates the transition, and writes the result back. Two
// engine instances over the same store behave identically.
type Engine struct {
	store     graph.Store
	emitter   emit.Emitter
	templates map[string]Template
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the observability backend. Default is NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(eng *Engine) { eng.emitter = e }
}

// WithTemplate registers or overrides one run-type template.
func WithTemplate(runType string, tmpl Template) Option {
	return func(eng *Engine) { eng.templates[runType] = tmpl }
}

// NewEngine creates an engine with the default template registry.
func NewEngine(store graph.Store, opts ...Option) *Engine {
	eng := &Engine{
		store:     store,
		emitter:   emit.NewNullEmitter(),
		templates: DefaultTemplates(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

// Template returns the registered step list for a run type.
func (e *Engine) Template(runType string) (Template, error) {
	tmpl, ok := e.templates[runType]
	if !ok {
		return nil, &UnknownRunTypeError{Type: runType}
	}
	return tmpl, nil
}

// StartRun creates a pending run with all template steps pending.
func (e *Engine) StartRun(ctx context.Context, project string, number int, runType string) (graph.WorkflowRun, error) {
	tmpl, err := e.Template(runType)
	if err != nil {
		return graph.WorkflowRun{}, err
	}
	run, err := e.store.CreateWorkflowRun(ctx, project, number, runType, tmpl)
	if err != nil {
		return graph.WorkflowRun{}, fmt.Errorf("start %s run: %w", runType, err)
	}
	e.emitter.Emit(emit.Event{
		Task: taskRef(project, number),
		Run:  run.ID,
		Msg:  "run_start",
		Meta: map[string]interface{}{"type": runType},
	})
	return run, nil
}

// BeginStep transitions a step from pending to running. Beginning an
// already-running step is an idempotent no-op; beginning a terminal step
// is illegal.
func (e *Engine) BeginStep(ctx context.Context, runID, name string) (graph.WorkflowStep, error) {
	step, err := e.store.GetWorkflowStep(ctx, runID, name)
	if err != nil {
		return graph.WorkflowStep{}, err
	}
	switch step.Status {
	case graph.StepRunning:
		return step, nil
	case graph.StepPending:
	default:
		return graph.WorkflowStep{}, &graph.IllegalTransitionError{
			Kind: graph.KindWorkflowStep, Ref: runID + "/" + name,
			From: string(step.Status), To: string(graph.StepRunning),
		}
	}

	step, err = e.store.UpdateWorkflowStep(ctx, runID, name, graph.StepRunning, "")
	if err != nil {
		return graph.WorkflowStep{}, err
	}
	if _, err := e.store.UpdateWorkflowRunStatus(ctx, runID, graph.RunRunning); err != nil {
		return graph.WorkflowStep{}, err
	}
	e.emitter.Emit(emit.Event{Run: runID, Step: name, Msg: "step_start"})
	return step, nil
}

// CompleteStep transitions a running step to completed, storing its
// output. Completion is rejected while any earlier template step is not
// completed or skipped.
func (e *Engine) CompleteStep(ctx context.Context, runID, name, output string) (graph.WorkflowStep, error) {
	steps, err := e.store.ListWorkflowSteps(ctx, runID)
	if err != nil {
		return graph.WorkflowStep{}, err
	}
	target, err := findStep(steps, runID, name)
	if err != nil {
		return graph.WorkflowStep{}, err
	}
	if target.Status != graph.StepRunning && target.Status != graph.StepPending {
		return graph.WorkflowStep{}, &graph.IllegalTransitionError{
			Kind: graph.KindWorkflowStep, Ref: runID + "/" + name,
			From: string(target.Status), To: string(graph.StepCompleted),
		}
	}

	var incomplete []string
	for _, st := range steps {
		if st.Index >= target.Index {
			continue
		}
		if st.Status != graph.StepCompleted && st.Status != graph.StepSkipped {
			incomplete = append(incomplete, st.Name)
		}
	}
	if len(incomplete) > 0 {
		return graph.WorkflowStep{}, &PredecessorError{RunID: runID, Step: name, Incomplete: incomplete}
	}

	step, err := e.store.UpdateWorkflowStep(ctx, runID, name, graph.StepCompleted, output)
	if err != nil {
		return graph.WorkflowStep{}, err
	}
	e.emitter.Emit(emit.Event{Run: runID, Step: name, Msg: "step_complete"})
	if err := e.recomputeRun(ctx, runID); err != nil {
		return graph.WorkflowStep{}, err
	}
	return step, nil
}

// FailStep transitions a step to failed with a mandatory reason and fails
// the owning run. Callers invoke this only after their retry budget is
// exhausted.
func (e *Engine) FailStep(ctx context.Context, runID, name, reason string) (graph.WorkflowStep, error) {
	if reason == "" {
		return graph.WorkflowStep{}, ErrReasonRequired
	}
	step, err := e.store.GetWorkflowStep(ctx, runID, name)
	if err != nil {
		return graph.WorkflowStep{}, err
	}
	if step.Status == graph.StepCompleted || step.Status == graph.StepFailed || step.Status == graph.StepSkipped {
		return graph.WorkflowStep{}, &graph.IllegalTransitionError{
			Kind: graph.KindWorkflowStep, Ref: runID + "/" + name,
			From: string(step.Status), To: string(graph.StepFailed),
		}
	}
	step, err = e.store.UpdateWorkflowStep(ctx, runID, name, graph.StepFailed, reason)
	if err != nil {
		return graph.WorkflowStep{}, err
	}
	e.emitter.Emit(emit.Event{
		Run: runID, Step: name, Msg: "step_failed",
		Meta: map[string]interface{}{"error": reason},
	})
	if err := e.recomputeRun(ctx, runID); err != nil {
		return graph.WorkflowStep{}, err
	}
	return step, nil
}

// SkipStep marks a pending or running step as skipped.
func (e *Engine) SkipStep(ctx context.Context, runID, name string) (graph.WorkflowStep, error) {
	step, err := e.store.GetWorkflowStep(ctx, runID, name)
	if err != nil {
		return graph.WorkflowStep{}, err
	}
	if step.Status == graph.StepCompleted || step.Status == graph.StepFailed || step.Status == graph.StepSkipped {
		return graph.WorkflowStep{}, &graph.IllegalTransitionError{
			Kind: graph.KindWorkflowStep, Ref: runID + "/" + name,
			From: string(step.Status), To: string(graph.StepSkipped),
		}
	}
	step, err = e.store.UpdateWorkflowStep(ctx, runID, name, graph.StepSkipped, "")
	if err != nil {
		return graph.WorkflowStep{}, err
	}
	e.emitter.Emit(emit.Event{Run: runID, Step: name, Msg: "step_skipped"})
	if err := e.recomputeRun(ctx, runID); err != nil {
		return graph.WorkflowStep{}, err
	}
	return step, nil
}

// recomputeRun derives run status from step rows alone: failed if any step
// failed, completed when every step is completed or skipped, running
// otherwise.
func (e *Engine) recomputeRun(ctx context.Context, runID string) error {
	steps, err := e.store.ListWorkflowSteps(ctx, runID)
	if err != nil {
		return err
	}
	status := graph.RunCompleted
	for _, st := range steps {
		switch st.Status {
		case graph.StepFailed:
			status = graph.RunFailed
		case graph.StepCompleted, graph.StepSkipped:
		default:
			if status != graph.RunFailed {
				status = graph.RunRunning
			}
		}
	}

	run, err := e.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == status {
		return nil
	}
	if _, err := e.store.UpdateWorkflowRunStatus(ctx, runID, status); err != nil {
		return err
	}
	switch status {
	case graph.RunCompleted:
		e.emitter.Emit(emit.Event{Run: runID, Msg: "run_complete"})
	case graph.RunFailed:
		e.emitter.Emit(emit.Event{Run: runID, Msg: "run_failed"})
	}
	return nil
}

func findStep(steps []graph.WorkflowStep, runID, name string) (graph.WorkflowStep, error) {
	for _, st := range steps {
		if st.Name == name {
			return st, nil
		}
	}
	return graph.WorkflowStep{}, &graph.NotFoundError{Kind: graph.KindWorkflowStep, Ref: runID + "/" + name}
}

func taskRef(project string, number int) string {
	return fmt.Sprintf("%s#%d", project, number)
}
