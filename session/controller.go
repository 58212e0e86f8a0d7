package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foremanproject/foreman/emit"
	"github.com/foremanproject/foreman/graph"
	"github.com/foremanproject/foreman/metrics"
	"github.com/foremanproject/foreman/notify"
	"github.com/foremanproject/foreman/workflow"
)

// DefaultSchedule is the recovery delay table: one hour, then two, then
// three. The delay for attempt N is schedule[N]; running out of entries
// exhausts the budget.
var DefaultSchedule = []time.Duration{
	1 * time.Hour,
	2 * time.Hour,
	3 * time.Hour,
}

// DefaultOverflowRetries bounds fresh-session retries after a context
// overflow.
const DefaultOverflowRetries = 1

// StepFailedError reports that a workflow step was marked failed after a
// fatal error or an exhausted recovery budget.
type StepFailedError struct {
	Step    string
	Outcome Outcome
	Reason  string
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %q failed (%s): %s", e.Step, e.Outcome, e.Reason)
}

// Controller supervises one agent-driven workflow step at a time: lease,
// launch, classify, recover or fail, record.
//
// Exactly one controller can drive a given task at a time; the lease is
// taken before the first launch and released when the step reaches a
// terminal state or the context is cancelled.
type Controller struct {
	store    graph.Store
	engine   *workflow.Engine
	launcher Launcher

	emitter  emit.Emitter
	notifier notify.Notifier
	metrics  *metrics.Metrics

	schedule        []time.Duration
	overflowRetries int
	holder          string

	// sleep is swapped in tests so recovery waits don't take hours.
	sleep func(ctx context.Context, d time.Duration) error
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithEmitter sets the observability backend.
func WithEmitter(e emit.Emitter) ControllerOption {
	return func(c *Controller) { c.emitter = e }
}

// WithNotifier sets the operator notification channel.
func WithNotifier(n notify.Notifier) ControllerOption {
	return func(c *Controller) { c.notifier = n }
}

// WithMetrics sets the metrics collector. Nil is allowed.
func WithMetrics(m *metrics.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithSchedule replaces the recovery delay table.
func WithSchedule(schedule []time.Duration) ControllerOption {
	return func(c *Controller) { c.schedule = schedule }
}

// WithOverflowRetries bounds fresh-session retries after context overflow.
func WithOverflowRetries(n int) ControllerOption {
	return func(c *Controller) { c.overflowRetries = n }
}

// WithHolder sets the lease holder identity. Default is a random id.
func WithHolder(holder string) ControllerOption {
	return func(c *Controller) { c.holder = holder }
}

// WithSleep replaces the recovery wait. Test hook.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ControllerOption {
	return func(c *Controller) { c.sleep = sleep }
}

// NewController wires a controller over a store, engine, and launcher.
func NewController(store graph.Store, engine *workflow.Engine, launcher Launcher, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:           store,
		engine:          engine,
		launcher:        launcher,
		emitter:         emit.NewNullEmitter(),
		notifier:        notify.Null{},
		schedule:        DefaultSchedule,
		overflowRetries: DefaultOverflowRetries,
		holder:          "controller-" + uuid.NewString(),
		sleep:           sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Holder returns the controller's lease identity.
func (c *Controller) Holder() string { return c.holder }

// RunStep drives one workflow step to a terminal state.
//
// The step is begun, the agent launched, and the outcome handled per
// policy: success completes the step; recoverable errors resume the same
// session after the scheduled delay; context overflow retries with a
// fresh session; fatal errors and exhausted budgets fail the step with
// the last error kind as the reason; cancellation fails the step too, so
// a cancelled step is never left running. Every attempt is appended to
// the task's execution record regardless of outcome.
func (c *Controller) RunStep(ctx context.Context, project string, number int, runID, stepName string, req Request) (Result, error) {
	task := fmt.Sprintf("%s#%d", project, number)

	if _, err := c.store.AcquireLease(ctx, project, number, c.holder); err != nil {
		return Result{}, fmt.Errorf("acquire lease for %s: %w", task, err)
	}
	defer func() {
		// Release under a fresh context: the step context may already be
		// cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.store.ReleaseLease(releaseCtx, project, number, c.holder); err != nil {
			c.emitter.Emit(emit.Event{Task: task, Msg: "lease_release_failed",
				Meta: map[string]interface{}{"error": err.Error()}})
		}
	}()

	if _, err := c.engine.BeginStep(ctx, runID, stepName); err != nil {
		return Result{}, err
	}
	stepStart := time.Now()

	attemptNo := 0            // indexes the execution record trail
	recoveries := 0           // indexes the delay schedule
	budget := len(c.schedule) // shrinks on unknown outcomes
	overflowLeft := c.overflowRetries

	for {
		res, err := c.launcher.Launch(ctx, req)
		if err != nil {
			reason := fmt.Sprintf("launcher error: %v", err)
			c.failStep(ctx, task, runID, stepName, OutcomeUnknown, reason, stepStart)
			return res, err
		}
		c.appendRecord(ctx, project, number, stepName, attemptNo, res)
		c.metrics.AgentAttempt(req.Agent, string(res.Outcome))
		attemptNo++

		switch {
		case res.Outcome == OutcomeSuccess:
			if _, err := c.engine.CompleteStep(ctx, runID, stepName, res.Text); err != nil {
				return res, err
			}
			c.metrics.ObserveStep(stepName, "completed", time.Since(stepStart))
			return res, nil

		case res.Outcome == OutcomeCancelled:
			c.emitter.Emit(emit.Event{Task: task, Run: runID, Step: stepName, Msg: "step_cancelled"})
			c.failStepCancelled(task, runID, stepName, stepStart)
			return res, ctx.Err()

		case res.Outcome.Fatal():
			reason := fmt.Sprintf("%s: %s", res.Outcome, res.ErrorText)
			c.failStep(ctx, task, runID, stepName, res.Outcome, reason, stepStart)
			c.notifyAsync(task, fmt.Sprintf("step %s failed: %s", stepName, res.Outcome))
			return res, &StepFailedError{Step: stepName, Outcome: res.Outcome, Reason: reason}

		case res.Outcome == OutcomeContextOverflow:
			if overflowLeft == 0 {
				reason := fmt.Sprintf("%s: %s", res.Outcome, res.ErrorText)
				c.failStep(ctx, task, runID, stepName, res.Outcome, reason, stepStart)
				return res, &StepFailedError{Step: stepName, Outcome: res.Outcome, Reason: reason}
			}
			overflowLeft--
			// Resuming would replay the oversized context; start clean.
			req.SessionID = ""
			c.emitter.Emit(emit.Event{Task: task, Run: runID, Step: stepName,
				Msg: "context_overflow_retry"})

		case res.Outcome.Recoverable():
			if res.Outcome == OutcomeUnknown {
				budget--
			}
			if recoveries >= budget || recoveries >= len(c.schedule) {
				reason := fmt.Sprintf("recovery budget exhausted after %d attempts; last error %s: %s",
					attemptNo, res.Outcome, res.ErrorText)
				c.failStep(ctx, task, runID, stepName, res.Outcome, reason, stepStart)
				c.notifyAsync(task, fmt.Sprintf("step %s gave up: %s", stepName, res.Outcome))
				return res, &StepFailedError{Step: stepName, Outcome: res.Outcome, Reason: reason}
			}
			delay := c.schedule[recoveries]
			c.metrics.Recovery(string(res.Outcome))
			c.emitter.Emit(emit.Event{Task: task, Run: runID, Step: stepName,
				Msg: "recovery_wait",
				Meta: map[string]interface{}{
					"kind": string(res.Outcome), "delay_s": int(delay.Seconds()), "attempt": recoveries,
				}})
			if err := c.sleep(ctx, delay); err != nil {
				c.emitter.Emit(emit.Event{Task: task, Run: runID, Step: stepName, Msg: "step_cancelled"})
				c.failStepCancelled(task, runID, stepName, stepStart)
				return res, err
			}
			recoveries++
			// Resume the same logical session.
			if res.SessionID != "" {
				req.SessionID = res.SessionID
			}

		default:
			reason := fmt.Sprintf("unhandled outcome %s: %s", res.Outcome, res.ErrorText)
			c.failStep(ctx, task, runID, stepName, res.Outcome, reason, stepStart)
			return res, &StepFailedError{Step: stepName, Outcome: res.Outcome, Reason: reason}
		}
	}
}

func (c *Controller) appendRecord(ctx context.Context, project string, number int, stepName string, attempt int, res Result) {
	_, err := c.store.AppendExecutionRecord(ctx, project, number, graph.ExecutionRecord{
		StepName:     stepName,
		Attempt:      attempt,
		SessionID:    res.SessionID,
		Outcome:      string(res.Outcome),
		ExitCode:     res.ExitCode,
		StartedAt:    res.StartedAt,
		EndedAt:      res.EndedAt,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		CostUSD:      res.Usage.CostUSD,
	})
	if err != nil {
		c.emitter.Emit(emit.Event{Step: stepName, Msg: "record_append_failed",
			Meta: map[string]interface{}{"error": err.Error()}})
	}
}

// failStepCancelled moves a cancelled step out of running. The step
// context is already dead, so the write uses a fresh one.
func (c *Controller) failStepCancelled(task, runID, stepName string, stepStart time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.failStep(ctx, task, runID, stepName, OutcomeCancelled, "cancelled before completion", stepStart)
}

func (c *Controller) failStep(ctx context.Context, task, runID, stepName string, outcome Outcome, reason string, stepStart time.Time) {
	if _, err := c.engine.FailStep(ctx, runID, stepName, reason); err != nil {
		c.emitter.Emit(emit.Event{Task: task, Run: runID, Step: stepName,
			Msg: "fail_step_error", Meta: map[string]interface{}{"error": err.Error()}})
	}
	c.metrics.ObserveStep(stepName, "failed", time.Since(stepStart))
}

// notifyAsync fires a notification without waiting for or acting on the
// result.
func (c *Controller) notifyAsync(title, message string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = c.notifier.Notify(ctx, title, message)
	}()
}
