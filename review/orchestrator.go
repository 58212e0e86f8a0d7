package review

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/foremanproject/foreman/emit"
	"github.com/foremanproject/foreman/graph"
	"github.com/foremanproject/foreman/metrics"
	"github.com/foremanproject/foreman/notify"
	"github.com/foremanproject/foreman/session"
	"github.com/foremanproject/foreman/workflow"
)

// Orchestrator fans reviewer agents out against one task, waits for all
// of them, and loops fix passes until LGTM or the iteration budget runs
// out.
//
// Write isolation comes from the data model: each reviewer is handed its
// own section kind and appends findings only there, so parallel dispatch
// produces the same finding set sequential dispatch would.
type Orchestrator struct {
	store    graph.Store
	launcher session.Launcher
	cfg      Config

	emitter  emit.Emitter
	notifier notify.Notifier
	metrics  *metrics.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEmitter sets the observability backend.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithNotifier sets the operator notification channel.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithMetrics sets the metrics collector. Nil is allowed.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an orchestrator.
func New(store graph.Store, launcher session.Launcher, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		launcher: launcher,
		cfg:      cfg.withDefaults(),
		emitter:  emit.NewNullEmitter(),
		notifier: notify.Null{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunOptions binds one review run to its surroundings.
type RunOptions struct {
	// MainSessionID is the implementation session the fix process
	// resumes. Empty starts the fix process fresh.
	MainSessionID string

	// Engine, RunID, and StepName identify the governing workflow step.
	// When set, convergence completes the step and budget exhaustion
	// fails it with the open findings as the reason.
	Engine   *workflow.Engine
	RunID    string
	StepName string

	// WorkDir is passed through to every launched agent.
	WorkDir string
}

// Outcome summarizes one review run.
type Outcome struct {
	LGTM       bool
	Iterations int

	// OpenFindings is the remaining open set when LGTM was not reached.
	OpenFindings []graph.Finding

	// FailedKinds lists reviewers whose execution failed even after
	// retries. Their sections carry a failure marker finding.
	FailedKinds []string

	// Sessions maps reviewer kind to the session id of its last attempt,
	// for diagnosis and manual resumption.
	Sessions map[string]string
}

// Run executes the review loop for one task.
func (o *Orchestrator) Run(ctx context.Context, project string, number int, opts RunOptions) (Outcome, error) {
	task := fmt.Sprintf("%s#%d", project, number)
	sessions := make(map[string]string)
	failed := make(map[string]bool)

	dispatch := o.cfg.Reviewers
	iteration := 0

	for {
		o.emitter.Emit(emit.Event{Task: task, Msg: "review_round_start",
			Meta: map[string]interface{}{"iteration": iteration, "reviewers": len(dispatch)}})

		if err := o.round(ctx, project, number, task, dispatch, sessions, failed, opts.WorkDir); err != nil {
			return Outcome{}, err
		}

		open, err := o.store.ListOpenFindings(ctx, project, number, o.activeKinds())
		if err != nil {
			return Outcome{}, fmt.Errorf("aggregate findings for %s: %w", task, err)
		}
		lgtm, err := o.evaluateLGTM(ctx, project, number, failed)
		if err != nil {
			return Outcome{}, err
		}

		outcome := Outcome{
			LGTM:         lgtm,
			Iterations:   iteration,
			OpenFindings: open,
			FailedKinds:  sortedKeys(failed),
			Sessions:     sessions,
		}

		if lgtm {
			o.emitter.Emit(emit.Event{Task: task, Msg: "review_converged",
				Meta: map[string]interface{}{"iterations": iteration}})
			if opts.Engine != nil {
				if _, err := opts.Engine.CompleteStep(ctx, opts.RunID, opts.StepName, "LGTM"); err != nil {
					return outcome, err
				}
			}
			o.notifyAsync(task, "review converged: LGTM")
			return outcome, nil
		}

		if iteration >= o.cfg.MaxIterations {
			reason := "review budget exhausted; open findings:\n" + FormatFindings(open)
			o.emitter.Emit(emit.Event{Task: task, Msg: "review_budget_exhausted",
				Meta: map[string]interface{}{"open_findings": len(open)}})
			if opts.Engine != nil {
				if _, err := opts.Engine.FailStep(ctx, opts.RunID, opts.StepName, reason); err != nil {
					return outcome, err
				}
			}
			o.notifyAsync(task, fmt.Sprintf("review gave up with %d open findings", len(open)))
			return outcome, nil
		}

		// Fix pass: the implementation session addresses every open
		// finding, resolving or declining each. Anything it stays silent
		// on remains open for the next round.
		fixRes, err := o.launcher.Launch(ctx, session.Request{
			Prompt:    buildFixPrompt(task, open),
			SessionID: opts.MainSessionID,
			WorkDir:   opts.WorkDir,
		})
		if err != nil {
			return outcome, fmt.Errorf("fix process for %s: %w", task, err)
		}
		if fixRes.Outcome != session.OutcomeSuccess {
			return outcome, fmt.Errorf("fix process for %s ended %s: %s", task, fixRes.Outcome, fixRes.ErrorText)
		}
		if fixRes.SessionID != "" {
			opts.MainSessionID = fixRes.SessionID
		}
		o.metrics.ReviewIteration()
		iteration++

		// Re-dispatch is decided from the finding set the fix pass was
		// handed, not from what remains open afterwards: a kind whose
		// findings were all resolved still gets re-reviewed to confirm.
		dispatch = o.nextDispatch(open, failed)
	}
}

// round upserts sections and runs the given reviewers in parallel, with a
// join barrier before returning. Reviewer crashes are retried on a
// constant backoff up to the configured cap; exhausting the cap records a
// failure marker finding on the reviewer's section.
func (o *Orchestrator) round(ctx context.Context, project string, number int, task string,
	dispatch []Reviewer, sessions map[string]string, failed map[string]bool, workDir string) error {

	if len(dispatch) == 0 {
		return nil
	}
	for _, r := range dispatch {
		if _, err := o.store.UpsertSection(ctx, project, number, r.Kind); err != nil {
			return fmt.Errorf("upsert %s section: %w", r.Kind, err)
		}
	}

	// Snapshot resume ids before any goroutine starts: the live sessions
	// map is written under mu by the reviewers themselves.
	resumes := make(map[string]string, len(dispatch))
	for _, r := range dispatch {
		resumes[r.Kind] = sessions[r.Kind]
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(dispatch))

	for _, r := range dispatch {
		reviewer := r
		g.Go(func() error {
			o.metrics.ReviewerStarted()
			defer o.metrics.ReviewerFinished()

			resume := resumes[reviewer.Kind]
			var res session.Result
			operation := func() error {
				var err error
				res, err = o.launcher.Launch(gctx, session.Request{
					Agent:     reviewer.Agent,
					Prompt:    buildReviewPrompt(task, reviewer.Kind),
					SessionID: resume,
					WorkDir:   workDir,
				})
				if err != nil {
					return err
				}
				if res.SessionID != "" {
					resume = res.SessionID
				}
				switch {
				case res.Outcome == session.OutcomeSuccess:
					return nil
				case res.Outcome == session.OutcomeCancelled, res.Outcome.Fatal():
					return backoff.Permanent(fmt.Errorf("reviewer %s: %s: %s", reviewer.Agent, res.Outcome, res.ErrorText))
				default:
					return fmt.Errorf("reviewer %s: %s: %s", reviewer.Agent, res.Outcome, res.ErrorText)
				}
			}

			policy := backoff.WithContext(
				backoff.WithMaxRetries(backoff.NewConstantBackOff(o.cfg.RetryDelay), o.cfg.ReviewerRetries), gctx)
			err := backoff.Retry(operation, policy)

			mu.Lock()
			defer mu.Unlock()
			if res.SessionID != "" {
				sessions[reviewer.Kind] = res.SessionID
			}
			o.metrics.AgentAttempt(reviewer.Agent, string(res.Outcome))

			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed[reviewer.Kind] = true
				o.emitter.Emit(emit.Event{Task: task, Agent: reviewer.Agent, Msg: "reviewer_failed",
					Meta: map[string]interface{}{"error": err.Error()}})
				// The marker is an open finding, so a failed mandatory
				// reviewer blocks LGTM through the normal aggregation.
				if _, markErr := o.store.AddFinding(ctx, project, number, reviewer.Kind, graph.FindingInput{
					Text:     "reviewer execution failed: " + err.Error(),
					Author:   "review-orchestrator",
					Severity: "blocker",
				}); markErr != nil {
					return fmt.Errorf("record failure marker for %s: %w", reviewer.Kind, markErr)
				}
				return nil
			}

			delete(failed, reviewer.Kind)
			o.emitter.Emit(emit.Event{Task: task, Agent: reviewer.Agent, Msg: "reviewer_done"})
			return nil
		})
	}
	return g.Wait()
}

// evaluateLGTM applies the convergence rule: every mandatory section
// exists and carries zero open findings. Zero findings overall is
// vacuously LGTM.
func (o *Orchestrator) evaluateLGTM(ctx context.Context, project string, number int, failed map[string]bool) (bool, error) {
	mandatory := o.cfg.mandatoryKinds()
	for _, kind := range mandatory {
		if failed[kind] {
			return false, nil
		}
		if _, err := o.store.GetSection(ctx, project, number, kind); err != nil {
			if graph.IsNotFound(err) {
				// Never reviewed is not clean.
				return false, nil
			}
			return false, err
		}
	}
	open, err := o.store.ListOpenFindings(ctx, project, number, mandatory)
	if err != nil {
		return false, err
	}
	return len(open) == 0, nil
}

// nextDispatch selects reviewers for the next round per policy: all of
// them, or only those whose section had open findings going into the fix
// pass, plus any whose execution failed last round.
func (o *Orchestrator) nextDispatch(open []graph.Finding, failed map[string]bool) []Reviewer {
	if o.cfg.Policy == PolicyFull {
		return o.cfg.Reviewers
	}
	dirty := make(map[string]bool)
	for _, f := range open {
		dirty[f.SectionType] = true
	}
	var next []Reviewer
	for _, r := range o.cfg.Reviewers {
		if dirty[r.Kind] || failed[r.Kind] {
			next = append(next, r)
		}
	}
	return next
}

func (o *Orchestrator) activeKinds() []string {
	kinds := make([]string, len(o.cfg.Reviewers))
	for i, r := range o.cfg.Reviewers {
		kinds[i] = r.Kind
	}
	return kinds
}

func (o *Orchestrator) notifyAsync(title, message string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = o.notifier.Notify(ctx, title, message)
	}()
}

// FormatFindings renders findings for step failure reasons and fix
// prompts: one line per finding with id, section, severity, and text.
func FormatFindings(findings []graph.Finding) string {
	if len(findings) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s] %s", f.SectionType, f.Text)
		if f.Severity != "" {
			fmt.Fprintf(&b, " (severity: %s)", f.Severity)
		}
		if f.File != "" {
			fmt.Fprintf(&b, " at %s:%d", f.File, f.LineStart)
		}
		fmt.Fprintf(&b, " id=%s\n", f.ID)
	}
	return b.String()
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func buildReviewPrompt(task, kind string) string {
	return fmt.Sprintf(
		"Review the change for task %s. Record every issue you find as a finding on the %q section of this task. "+
			"Do not write to any other section. If you find nothing, add no findings.", task, kind)
}

func buildFixPrompt(task string, findings []graph.Finding) string {
	return fmt.Sprintf(
		"Reviewers raised the following open findings on task %s. Address every one of them: "+
			"fix the issue and resolve the finding with a response, or decline it with a reason.\n%s",
		task, FormatFindings(findings))
}
