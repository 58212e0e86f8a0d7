package review_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanproject/foreman/graph"
	"github.com/foremanproject/foreman/review"
	"github.com/foremanproject/foreman/session"
	"github.com/foremanproject/foreman/workflow"
)

// agentScript models one agent's behavior per call. The orchestrator sees
// reviewers as black boxes that write findings to the store themselves, so
// scripts get the store and do exactly that.
type agentScript func(call int, req session.Request) (session.Result, error)

// fakeLaunch routes launches to per-agent scripts. The fix process is the
// launch without an agent name, keyed "".
type fakeLaunch struct {
	mu       sync.Mutex
	calls    map[string]int
	requests []session.Request
	agents   map[string]agentScript
}

func newFakeLaunch() *fakeLaunch {
	return &fakeLaunch{calls: make(map[string]int), agents: make(map[string]agentScript)}
}

func (f *fakeLaunch) Launch(_ context.Context, req session.Request) (session.Result, error) {
	f.mu.Lock()
	call := f.calls[req.Agent]
	f.calls[req.Agent]++
	f.requests = append(f.requests, req)
	script := f.agents[req.Agent]
	f.mu.Unlock()
	if script == nil {
		return session.Result{SessionID: "sess-" + req.Agent, Outcome: session.OutcomeSuccess}, nil
	}
	return script(call, req)
}

// requestsFor returns the recorded launches for one agent, in order.
func (f *fakeLaunch) requestsFor(agent string) []session.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []session.Request
	for _, r := range f.requests {
		if r.Agent == agent {
			out = append(out, r)
		}
	}
	return out
}

type fixture struct {
	store  graph.Store
	engine *workflow.Engine
	task   graph.Task
	run    graph.WorkflowRun
}

// newFixture seeds a plan run with the "plan" step already completed, so
// "review-primary" is free to complete when the review converges.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: graph.NewMemStore()}
	f.engine = workflow.NewEngine(f.store)

	_, err := f.store.CreateWorkspace(ctx, "ws", "")
	require.NoError(t, err)
	_, err = f.store.CreateProject(ctx, graph.KindWorkspace, "ws", "proj", "")
	require.NoError(t, err)
	f.task, err = f.store.CreateTask(ctx, "proj", "add feature", graph.TaskUpdate{})
	require.NoError(t, err)
	f.run, err = f.engine.StartRun(ctx, "proj", f.task.Number, workflow.RunPlan)
	require.NoError(t, err)
	_, err = f.engine.BeginStep(ctx, f.run.ID, "plan")
	require.NoError(t, err)
	_, err = f.engine.CompleteStep(ctx, f.run.ID, "plan", "planned")
	require.NoError(t, err)
	_, err = f.engine.BeginStep(ctx, f.run.ID, "review-primary")
	require.NoError(t, err)
	return f
}

func fastConfig() review.Config {
	cfg := review.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func (f *fixture) runOptions() review.RunOptions {
	return review.RunOptions{
		MainSessionID: "main-sess",
		Engine:        f.engine,
		RunID:         f.run.ID,
		StepName:      "review-primary",
	}
}

func TestReviewVacuousLGTM(t *testing.T) {
	f := newFixture(t)
	launch := newFakeLaunch()
	orch := review.New(f.store, launch, fastConfig())

	out, err := orch.Run(context.Background(), "proj", f.task.Number, f.runOptions())
	require.NoError(t, err)
	assert.True(t, out.LGTM)
	assert.Equal(t, 0, out.Iterations)
	assert.Empty(t, out.OpenFindings)

	// Every reviewer ran once and every section exists, even with zero
	// findings raised.
	for _, r := range review.DefaultReviewers() {
		assert.Len(t, launch.requestsFor(r.Agent), 1)
		_, err := f.store.GetSection(context.Background(), "proj", f.task.Number, r.Kind)
		assert.NoError(t, err, r.Kind)
	}

	step, err := f.store.GetWorkflowStep(context.Background(), f.run.ID, "review-primary")
	require.NoError(t, err)
	assert.Equal(t, graph.StepCompleted, step.Status)
}

func TestReviewFixLoopConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	launch := newFakeLaunch()

	// code-reviewer raises one finding on its first pass and comes back
	// clean on re-review.
	var findingID string
	launch.agents["code-reviewer"] = func(call int, req session.Request) (session.Result, error) {
		if call == 0 {
			fnd, err := f.store.AddFinding(ctx, "proj", f.task.Number, "code-review",
				graph.FindingInput{Text: "missing nil check", Author: "code-reviewer", Severity: "major"})
			if err != nil {
				return session.Result{}, err
			}
			findingID = fnd.ID
		}
		return session.Result{SessionID: "sess-code", Outcome: session.OutcomeSuccess}, nil
	}
	// The fix process resolves whatever is open.
	launch.agents[""] = func(call int, req session.Request) (session.Result, error) {
		if _, err := f.store.ResolveFinding(ctx, findingID, "added the nil check"); err != nil {
			return session.Result{}, err
		}
		return session.Result{SessionID: "main-sess-2", Outcome: session.OutcomeSuccess}, nil
	}

	orch := review.New(f.store, launch, fastConfig())
	out, err := orch.Run(ctx, "proj", f.task.Number, f.runOptions())
	require.NoError(t, err)
	assert.True(t, out.LGTM)
	assert.Equal(t, 1, out.Iterations)

	// Narrow policy: only the dirty reviewer re-ran, resuming its own
	// session; the clean four ran exactly once.
	codeReqs := launch.requestsFor("code-reviewer")
	require.Len(t, codeReqs, 2)
	assert.Empty(t, codeReqs[0].SessionID)
	assert.Equal(t, "sess-code", codeReqs[1].SessionID)
	assert.Len(t, launch.requestsFor("security-reviewer"), 1)

	// The fix prompt carried the finding and resumed the main session.
	fixReqs := launch.requestsFor("")
	require.Len(t, fixReqs, 1)
	assert.Equal(t, "main-sess", fixReqs[0].SessionID)
	assert.Contains(t, fixReqs[0].Prompt, "missing nil check")
}

func TestReviewFullPolicyRedispatchesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	launch := newFakeLaunch()

	var findingID string
	launch.agents["code-reviewer"] = func(call int, req session.Request) (session.Result, error) {
		if call == 0 {
			fnd, _ := f.store.AddFinding(ctx, "proj", f.task.Number, "code-review",
				graph.FindingInput{Text: "off by one", Author: "code-reviewer"})
			findingID = fnd.ID
		}
		return session.Result{SessionID: "sess-code", Outcome: session.OutcomeSuccess}, nil
	}
	launch.agents[""] = func(call int, req session.Request) (session.Result, error) {
		_, err := f.store.ResolveFinding(ctx, findingID, "fixed")
		return session.Result{Outcome: session.OutcomeSuccess}, err
	}

	cfg := fastConfig()
	cfg.Policy = review.PolicyFull
	orch := review.New(f.store, launch, cfg)
	out, err := orch.Run(ctx, "proj", f.task.Number, f.runOptions())
	require.NoError(t, err)
	assert.True(t, out.LGTM)
	for _, r := range review.DefaultReviewers() {
		assert.Len(t, launch.requestsFor(r.Agent), 2, r.Agent)
	}
}

func TestReviewStaggeredReviewersResumeOwnSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	launch := newFakeLaunch()

	// Reviewers finish at different times, so first-round session writes
	// interleave with the dispatch of their siblings. Each must still
	// resume its own session on the second round and no other's.
	var findingID string
	for i, r := range review.DefaultReviewers() {
		delay := time.Duration(i) * 3 * time.Millisecond
		agent := r.Agent
		launch.agents[agent] = func(call int, req session.Request) (session.Result, error) {
			time.Sleep(delay)
			if agent == "code-reviewer" && call == 0 {
				fnd, err := f.store.AddFinding(ctx, "proj", f.task.Number, "code-review",
					graph.FindingInput{Text: "unchecked error return", Author: agent})
				if err != nil {
					return session.Result{}, err
				}
				findingID = fnd.ID
			}
			return session.Result{SessionID: "sess-" + agent, Outcome: session.OutcomeSuccess}, nil
		}
	}
	launch.agents[""] = func(call int, req session.Request) (session.Result, error) {
		_, err := f.store.ResolveFinding(ctx, findingID, "checked")
		return session.Result{Outcome: session.OutcomeSuccess}, err
	}

	cfg := fastConfig()
	cfg.Policy = review.PolicyFull
	orch := review.New(f.store, launch, cfg)
	out, err := orch.Run(ctx, "proj", f.task.Number, f.runOptions())
	require.NoError(t, err)
	assert.True(t, out.LGTM)

	for _, r := range review.DefaultReviewers() {
		reqs := launch.requestsFor(r.Agent)
		require.Len(t, reqs, 2, r.Agent)
		assert.Empty(t, reqs[0].SessionID, r.Agent)
		assert.Equal(t, "sess-"+r.Agent, reqs[1].SessionID, r.Agent)
	}
}

func TestReviewBudgetExhaustionFailsStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	launch := newFakeLaunch()

	// The finding is never resolved: the fix process succeeds but changes
	// nothing, so every round ends with the same open finding.
	launch.agents["comment-analyzer"] = func(call int, req session.Request) (session.Result, error) {
		if call == 0 {
			_, err := f.store.AddFinding(ctx, "proj", f.task.Number, "comment-analysis",
				graph.FindingInput{Text: "stale doc comment on Frobnicate", Author: "comment-analyzer"})
			if err != nil {
				return session.Result{}, err
			}
		}
		return session.Result{Outcome: session.OutcomeSuccess}, nil
	}

	cfg := fastConfig()
	cfg.MaxIterations = 2
	orch := review.New(f.store, launch, cfg)
	out, err := orch.Run(ctx, "proj", f.task.Number, f.runOptions())
	require.NoError(t, err)
	assert.False(t, out.LGTM)
	assert.Equal(t, 2, out.Iterations)
	require.Len(t, out.OpenFindings, 1)

	// The governing step failed and its output names the surviving
	// finding.
	step, err := f.store.GetWorkflowStep(ctx, f.run.ID, "review-primary")
	require.NoError(t, err)
	assert.Equal(t, graph.StepFailed, step.Status)
	assert.Contains(t, step.Output, "stale doc comment on Frobnicate")

	// Two fix passes were attempted before giving up.
	assert.Len(t, launch.requestsFor(""), 2)
}

func TestReviewCrashedReviewerBlocksLGTM(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	launch := newFakeLaunch()

	launch.agents["security-reviewer"] = func(call int, req session.Request) (session.Result, error) {
		return session.Result{Outcome: session.OutcomeAPITimeout, ErrorText: "connection refused"}, nil
	}

	cfg := fastConfig()
	cfg.MaxIterations = 1
	orch := review.New(f.store, launch, cfg)
	out, err := orch.Run(ctx, "proj", f.task.Number, f.runOptions())
	require.NoError(t, err)
	assert.False(t, out.LGTM)
	assert.Contains(t, out.FailedKinds, "security-review")

	// The crash was retried once per round, and left a failure marker
	// finding that holds the gate closed.
	assert.Len(t, launch.requestsFor("security-reviewer"), 2*(cfg.MaxIterations+1))
	var markers int
	for _, fnd := range out.OpenFindings {
		if fnd.SectionType == "security-review" && fnd.Author == "review-orchestrator" {
			markers++
			assert.Contains(t, fnd.Text, "reviewer execution failed")
		}
	}
	assert.NotZero(t, markers)
}

func TestReviewFatalReviewerNotRetried(t *testing.T) {
	f := newFixture(t)
	launch := newFakeLaunch()
	launch.agents["code-reviewer"] = func(call int, req session.Request) (session.Result, error) {
		return session.Result{Outcome: session.OutcomeInvalidConfig, ErrorText: "unknown agent"}, nil
	}

	cfg := fastConfig()
	cfg.MaxIterations = 1
	orch := review.New(f.store, launch, cfg)
	out, err := orch.Run(context.Background(), "proj", f.task.Number, f.runOptions())
	require.NoError(t, err)
	assert.False(t, out.LGTM)

	// One attempt per round, no retry for a configuration error.
	assert.Len(t, launch.requestsFor("code-reviewer"), cfg.MaxIterations+1)
}

func TestReviewFixProcessFailureAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	launch := newFakeLaunch()

	launch.agents["pr-test-analyzer"] = func(call int, req session.Request) (session.Result, error) {
		_, err := f.store.AddFinding(ctx, "proj", f.task.Number, "pr-test-analysis",
			graph.FindingInput{Text: "tests assert nothing", Author: "pr-test-analyzer"})
		return session.Result{Outcome: session.OutcomeSuccess}, err
	}
	launch.agents[""] = func(call int, req session.Request) (session.Result, error) {
		return session.Result{Outcome: session.OutcomeForbidden, ErrorText: "403"}, nil
	}

	orch := review.New(f.store, launch, fastConfig())
	_, err := orch.Run(ctx, "proj", f.task.Number, f.runOptions())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "fix process"), "got %v", err)
}

func TestReviewDeclinedFindingSatisfiesGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	launch := newFakeLaunch()

	var findingID string
	launch.agents["silent-failure-hunter"] = func(call int, req session.Request) (session.Result, error) {
		if call == 0 {
			fnd, _ := f.store.AddFinding(ctx, "proj", f.task.Number, "silent-failure-hunting",
				graph.FindingInput{Text: "error swallowed in cleanup path", Author: "silent-failure-hunter"})
			findingID = fnd.ID
		}
		return session.Result{Outcome: session.OutcomeSuccess}, nil
	}
	launch.agents[""] = func(call int, req session.Request) (session.Result, error) {
		_, err := f.store.DeclineFinding(ctx, findingID, "intentional: cleanup errors are best-effort")
		return session.Result{Outcome: session.OutcomeSuccess}, err
	}

	orch := review.New(f.store, launch, fastConfig())
	out, err := orch.Run(ctx, "proj", f.task.Number, f.runOptions())
	require.NoError(t, err)
	assert.True(t, out.LGTM, "a declined finding is closed and must not block")
}
