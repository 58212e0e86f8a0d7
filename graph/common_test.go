package graph_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/foremanproject/foreman/graph"
)

// openStore constructs one instance of every Store implementation that runs
// without external infrastructure. The MySQL backend runs the same suite
// from mysql_integration_test.go when TEST_MYSQL_DSN is set.
func storeImplementations(t *testing.T) map[string]func(t *testing.T) graph.Store {
	return map[string]func(t *testing.T) graph.Store{
		"memory": func(t *testing.T) graph.Store {
			return graph.NewMemStore()
		},
		"sqlite": func(t *testing.T) graph.Store {
			s, err := graph.NewSQLiteStore(filepath.Join(t.TempDir(), "graph.db"))
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return s
		},
	}
}

// seedTask creates workspace "ws", project "proj", and one task, returning
// the task. Most subtests need this scaffolding.
func seedTask(t *testing.T, s graph.Store, description string) graph.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := s.CreateWorkspace(ctx, "ws", ""); err != nil && !graph.IsConflict(err) {
		t.Fatalf("create workspace: %v", err)
	}
	if _, err := s.CreateProject(ctx, graph.KindWorkspace, "ws", "proj", ""); err != nil && !graph.IsConflict(err) {
		t.Fatalf("create project: %v", err)
	}
	task, err := s.CreateTask(ctx, "proj", description, graph.TaskUpdate{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestStoreConformance(t *testing.T) {
	for name, open := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			runStoreSuite(t, open)
		})
	}
}

// runStoreSuite is the backend-independent behavior contract. Every
// implementation must pass every subtest.
func runStoreSuite(t *testing.T, open func(t *testing.T) graph.Store) {
	ctx := context.Background()

	t.Run("WorkspaceLifecycle", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		w, err := s.CreateWorkspace(ctx, "home", "personal projects")
		if err != nil {
			t.Fatalf("create workspace: %v", err)
		}
		if w.ID == "" || w.Name != "home" {
			t.Errorf("unexpected workspace: %+v", w)
		}

		if _, err := s.CreateWorkspace(ctx, "home", ""); !graph.IsConflict(err) {
			t.Errorf("duplicate workspace: want ConflictError, got %v", err)
		}

		got, err := s.GetWorkspace(ctx, "home")
		if err != nil {
			t.Fatalf("get workspace: %v", err)
		}
		if got.ID != w.ID {
			t.Errorf("get workspace ID = %q, want %q", got.ID, w.ID)
		}

		if _, err := s.GetWorkspace(ctx, "missing"); !graph.IsNotFound(err) {
			t.Errorf("missing workspace: want NotFoundError, got %v", err)
		}

		if _, err := s.CreateWorkspace(ctx, "work", ""); err != nil {
			t.Fatalf("create second workspace: %v", err)
		}
		all, err := s.ListWorkspaces(ctx)
		if err != nil {
			t.Fatalf("list workspaces: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("workspaces = %d, want 2", len(all))
		}
	})

	t.Run("ProjectHierarchy", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		if _, err := s.CreateWorkspace(ctx, "ws", ""); err != nil {
			t.Fatalf("create workspace: %v", err)
		}
		parent, err := s.CreateProject(ctx, graph.KindWorkspace, "ws", "platform", "")
		if err != nil {
			t.Fatalf("create project: %v", err)
		}
		if parent.ParentWorkspaceID == "" || parent.ParentProjectID != "" {
			t.Errorf("parent refs wrong: %+v", parent)
		}

		child, err := s.CreateProject(ctx, graph.KindProject, "platform", "api", "")
		if err != nil {
			t.Fatalf("create nested project: %v", err)
		}
		if child.ParentProjectID != parent.ID {
			t.Errorf("child parent = %q, want %q", child.ParentProjectID, parent.ID)
		}

		// Same name is fine under a different parent, a conflict under the same.
		if _, err := s.CreateProject(ctx, graph.KindProject, "platform", "api", ""); !graph.IsConflict(err) {
			t.Errorf("duplicate sibling: want ConflictError, got %v", err)
		}
		if _, err := s.CreateProject(ctx, graph.KindWorkspace, "ws", "api", ""); err != nil {
			t.Errorf("same name under different parent: %v", err)
		}

		children, err := s.ListProjects(ctx, "platform")
		if err != nil {
			t.Fatalf("list projects: %v", err)
		}
		if len(children) != 1 || children[0].Name != "api" {
			t.Errorf("children = %+v, want one project named api", children)
		}

		renamed, err := s.RenameProject(ctx, "platform", "infra")
		if err != nil {
			t.Fatalf("rename project: %v", err)
		}
		if renamed.Name != "infra" {
			t.Errorf("renamed = %q, want infra", renamed.Name)
		}
		if _, err := s.GetProject(ctx, "platform"); !graph.IsNotFound(err) {
			t.Errorf("old name after rename: want NotFoundError, got %v", err)
		}
	})

	t.Run("TaskNumbering", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		first := seedTask(t, s, "first")
		if first.Number != 1 {
			t.Errorf("first number = %d, want 1", first.Number)
		}
		second, err := s.CreateTask(ctx, "proj", "second", graph.TaskUpdate{})
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		if second.Number != 2 {
			t.Errorf("second number = %d, want 2", second.Number)
		}

		// Subtasks draw from the same sequence.
		sub, err := s.CreateSubtask(ctx, "proj", first.Number, "child")
		if err != nil {
			t.Fatalf("create subtask: %v", err)
		}
		if sub.Number != 3 {
			t.Errorf("subtask number = %d, want 3", sub.Number)
		}
		if sub.ParentTaskID != first.ID {
			t.Errorf("subtask parent = %q, want %q", sub.ParentTaskID, first.ID)
		}

		subs, err := s.ListSubtasks(ctx, "proj", first.Number)
		if err != nil {
			t.Fatalf("list subtasks: %v", err)
		}
		if len(subs) != 1 || subs[0].ID != sub.ID {
			t.Errorf("subtasks = %+v", subs)
		}
	})

	t.Run("ConcurrentTaskNumbering", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		seedTask(t, s, "seed")

		const n = 20
		var wg sync.WaitGroup
		numbers := make(chan int, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				task, err := s.CreateTask(ctx, "proj", "concurrent", graph.TaskUpdate{})
				if err != nil {
					t.Errorf("create task: %v", err)
					return
				}
				numbers <- task.Number
			}()
		}
		wg.Wait()
		close(numbers)

		seen := make(map[int]bool)
		for num := range numbers {
			if seen[num] {
				t.Errorf("duplicate task number %d", num)
			}
			seen[num] = true
		}
	})

	t.Run("TaskUpdate", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		task := seedTask(t, s, "original")

		status := graph.TaskWork
		module := "auth"
		updated, err := s.UpdateTask(ctx, "proj", task.Number, graph.TaskUpdate{Status: &status, Module: &module})
		if err != nil {
			t.Fatalf("update task: %v", err)
		}
		if updated.Status != graph.TaskWork || updated.Module != "auth" {
			t.Errorf("updated = %+v", updated)
		}
		if updated.Description != "original" {
			t.Errorf("description clobbered: %q", updated.Description)
		}
	})

	t.Run("DependencyCycles", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		a := seedTask(t, s, "a")
		b, _ := s.CreateTask(ctx, "proj", "b", graph.TaskUpdate{})
		c, _ := s.CreateTask(ctx, "proj", "c", graph.TaskUpdate{})

		if err := s.AddDependency(ctx, "proj", a.Number, b.Number); err != nil {
			t.Fatalf("a->b: %v", err)
		}
		if err := s.AddDependency(ctx, "proj", b.Number, c.Number); err != nil {
			t.Fatalf("b->c: %v", err)
		}
		// Adding an existing edge is idempotent.
		if err := s.AddDependency(ctx, "proj", a.Number, b.Number); err != nil {
			t.Fatalf("repeat a->b: %v", err)
		}

		if err := s.AddDependency(ctx, "proj", a.Number, a.Number); !graph.IsCycle(err) {
			t.Errorf("self edge: want CycleError, got %v", err)
		}
		if err := s.AddDependency(ctx, "proj", c.Number, a.Number); !graph.IsCycle(err) {
			t.Errorf("transitive cycle: want CycleError, got %v", err)
		}

		// A rejected edge must not be persisted.
		deps, err := s.ListDependencies(ctx, "proj", c.Number)
		if err != nil {
			t.Fatalf("list dependencies: %v", err)
		}
		if len(deps) != 0 {
			t.Errorf("c deps = %+v, want none", deps)
		}

		if err := s.SyncDependencies(ctx, "proj", a.Number, []int{c.Number}); err != nil {
			t.Fatalf("sync dependencies: %v", err)
		}
		deps, _ = s.ListDependencies(ctx, "proj", a.Number)
		if len(deps) != 1 || deps[0].Number != c.Number {
			t.Errorf("after sync, a deps = %+v", deps)
		}

		// A sync rejected mid-way must leave the old edge set intact.
		// With b -> a in place, syncing a to [c, b] succeeds on the first
		// edge and cycles on the second; the whole replacement rolls back
		// and a still depends only on c.
		if err := s.AddDependency(ctx, "proj", b.Number, a.Number); err != nil {
			t.Fatalf("b->a: %v", err)
		}
		if err := s.SyncDependencies(ctx, "proj", a.Number, []int{c.Number, b.Number}); !graph.IsCycle(err) {
			t.Fatalf("sync with cycle: want CycleError, got %v", err)
		}
		deps, err = s.ListDependencies(ctx, "proj", a.Number)
		if err != nil {
			t.Fatalf("list dependencies after rejected sync: %v", err)
		}
		if len(deps) != 1 || deps[0].Number != c.Number {
			t.Errorf("rejected sync mutated edges: a deps = %+v, want [c]", deps)
		}
	})

	t.Run("SectionUpsert", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		task := seedTask(t, s, "task")

		sec1, err := s.UpsertSection(ctx, "proj", task.Number, "plan")
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if _, err := s.SetSectionContent(ctx, "proj", task.Number, "plan", "step one"); err != nil {
			t.Fatalf("set content: %v", err)
		}
		// Second upsert returns the same section without clobbering content.
		sec2, err := s.UpsertSection(ctx, "proj", task.Number, "plan")
		if err != nil {
			t.Fatalf("second upsert: %v", err)
		}
		if sec2.ID != sec1.ID {
			t.Errorf("upsert created a second section: %q vs %q", sec2.ID, sec1.ID)
		}
		got, err := s.GetSection(ctx, "proj", task.Number, "plan")
		if err != nil {
			t.Fatalf("get section: %v", err)
		}
		if got.Content != "step one" {
			t.Errorf("content = %q, want %q", got.Content, "step one")
		}

		// Open-string types: any new review kind works without setup.
		if _, err := s.UpsertSection(ctx, "proj", task.Number, "threat-model-review"); err != nil {
			t.Errorf("novel section type: %v", err)
		}

		if err := s.DeleteSection(ctx, "proj", task.Number, "plan"); err != nil {
			t.Fatalf("delete section: %v", err)
		}
		if _, err := s.GetSection(ctx, "proj", task.Number, "plan"); !graph.IsNotFound(err) {
			t.Errorf("deleted section: want NotFoundError, got %v", err)
		}
	})

	t.Run("FindingLifecycle", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		task := seedTask(t, s, "task")
		if _, err := s.UpsertSection(ctx, "proj", task.Number, "code-review"); err != nil {
			t.Fatalf("upsert section: %v", err)
		}

		f, err := s.AddFinding(ctx, "proj", task.Number, "code-review", graph.FindingInput{
			Text: "missing error check", Author: "code-reviewer", Severity: "major",
			File: "auth/login.go", LineStart: 42, LineEnd: 45,
		})
		if err != nil {
			t.Fatalf("add finding: %v", err)
		}
		if f.Status != graph.FindingOpen {
			t.Errorf("new finding status = %q, want open", f.Status)
		}

		if _, err := s.ResolveFinding(ctx, f.ID, ""); err != graph.ErrResponseRequired {
			t.Errorf("empty response: got %v, want ErrResponseRequired", err)
		}

		resolved, err := s.ResolveFinding(ctx, f.ID, "added the check")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolved.Status != graph.FindingResolved || resolved.Resolution != "added the check" {
			t.Errorf("resolved = %+v", resolved)
		}

		// Terminal states reject further transitions.
		if _, err := s.DeclineFinding(ctx, f.ID, "nope"); !graph.IsIllegalTransition(err) {
			t.Errorf("decline after resolve: want IllegalTransitionError, got %v", err)
		}
		if _, err := s.ResolveFinding(ctx, f.ID, "again"); !graph.IsIllegalTransition(err) {
			t.Errorf("double resolve: want IllegalTransitionError, got %v", err)
		}

		f2, _ := s.AddFinding(ctx, "proj", task.Number, "code-review", graph.FindingInput{Text: "style nit", Author: "code-reviewer"})
		if _, err := s.DeclineFinding(ctx, f2.ID, ""); err != graph.ErrReasonRequired {
			t.Errorf("empty reason: got %v, want ErrReasonRequired", err)
		}
		declined, err := s.DeclineFinding(ctx, f2.ID, "matches house style")
		if err != nil {
			t.Fatalf("decline: %v", err)
		}
		if declined.Status != graph.FindingDeclined {
			t.Errorf("declined status = %q", declined.Status)
		}
	})

	t.Run("FindingQueries", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		task := seedTask(t, s, "task")
		for _, st := range []string{"code-review", "security-review"} {
			if _, err := s.UpsertSection(ctx, "proj", task.Number, st); err != nil {
				t.Fatalf("upsert %s: %v", st, err)
			}
		}
		f1, _ := s.AddFinding(ctx, "proj", task.Number, "code-review", graph.FindingInput{Text: "one"})
		s.AddFinding(ctx, "proj", task.Number, "security-review", graph.FindingInput{Text: "two"})
		s.ResolveFinding(ctx, f1.ID, "done")

		openFindings, err := s.ListOpenFindings(ctx, "proj", task.Number, []string{"code-review", "security-review"})
		if err != nil {
			t.Fatalf("list open: %v", err)
		}
		if len(openFindings) != 1 || openFindings[0].Text != "two" {
			t.Errorf("open findings = %+v, want only %q", openFindings, "two")
		}

		sec, err := s.ListFindings(ctx, "proj", task.Number, graph.FindingFilter{SectionType: "security-review"})
		if err != nil {
			t.Fatalf("list by section: %v", err)
		}
		if len(sec) != 1 || sec[0].SectionType != "security-review" {
			t.Errorf("section filter = %+v", sec)
		}
	})

	t.Run("CommentThreads", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		task := seedTask(t, s, "task")
		s.UpsertSection(ctx, "proj", task.Number, "code-review")
		f, _ := s.AddFinding(ctx, "proj", task.Number, "code-review", graph.FindingInput{Text: "finding"})

		c, err := s.AddComment(ctx, f.ID, "why is this needed?", "maintainer")
		if err != nil {
			t.Fatalf("add comment: %v", err)
		}
		reply, err := s.ReplyToComment(ctx, c.ID, "backward compat", "reviewer")
		if err != nil {
			t.Fatalf("reply: %v", err)
		}
		if reply.ParentCommentID != c.ID || reply.FindingID != "" {
			t.Errorf("reply refs = %+v", reply)
		}

		comments, err := s.ListComments(ctx, f.ID)
		if err != nil {
			t.Fatalf("list comments: %v", err)
		}
		if len(comments) != 1 {
			t.Errorf("direct comments = %d, want 1", len(comments))
		}

		if _, err := s.AddComment(ctx, "missing", "x", "y"); !graph.IsNotFound(err) {
			t.Errorf("comment on missing finding: want NotFoundError, got %v", err)
		}
	})

	t.Run("DeleteTaskCascades", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		task := seedTask(t, s, "doomed")
		other, _ := s.CreateTask(ctx, "proj", "survivor", graph.TaskUpdate{})

		s.UpsertSection(ctx, "proj", task.Number, "code-review")
		f, _ := s.AddFinding(ctx, "proj", task.Number, "code-review", graph.FindingInput{Text: "finding"})
		c, _ := s.AddComment(ctx, f.ID, "comment", "a")
		s.ReplyToComment(ctx, c.ID, "reply", "b")
		sub, _ := s.CreateSubtask(ctx, "proj", task.Number, "child")
		s.AddDependency(ctx, "proj", other.Number, task.Number)
		s.CreateWorkflowRun(ctx, "proj", task.Number, "plan", []string{"plan"})

		if err := s.DeleteTask(ctx, "proj", task.Number); err != nil {
			t.Fatalf("delete task: %v", err)
		}

		if _, err := s.GetTask(ctx, "proj", task.Number); !graph.IsNotFound(err) {
			t.Errorf("task after delete: want NotFoundError, got %v", err)
		}
		if _, err := s.GetTask(ctx, "proj", sub.Number); !graph.IsNotFound(err) {
			t.Errorf("subtask after delete: want NotFoundError, got %v", err)
		}
		if _, err := s.GetFinding(ctx, f.ID); !graph.IsNotFound(err) {
			t.Errorf("finding after delete: want NotFoundError, got %v", err)
		}
		deps, err := s.ListDependencies(ctx, "proj", other.Number)
		if err != nil {
			t.Fatalf("list survivor deps: %v", err)
		}
		if len(deps) != 0 {
			t.Errorf("dangling dependency edges: %+v", deps)
		}
		if _, err := s.GetTask(ctx, "proj", other.Number); err != nil {
			t.Errorf("survivor task: %v", err)
		}
	})

	t.Run("TaskDetailReadModel", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		task := seedTask(t, s, "task")
		dep, _ := s.CreateTask(ctx, "proj", "dep", graph.TaskUpdate{})
		s.AddDependency(ctx, "proj", task.Number, dep.Number)
		s.SetSectionContent(ctx, "proj", task.Number, "plan", "the plan")

		d, err := s.GetTaskFull(ctx, "proj", task.Number)
		if err != nil {
			t.Fatalf("get task full: %v", err)
		}
		if d.Sections["plan"] != "the plan" {
			t.Errorf("sections = %+v", d.Sections)
		}
		if len(d.DependsOn) != 1 || d.DependsOn[0] != dep.Number {
			t.Errorf("depends on = %+v", d.DependsOn)
		}

		all, err := s.ListTasks(ctx, "proj")
		if err != nil {
			t.Fatalf("list tasks: %v", err)
		}
		if len(all) != 2 || all[0].Number != task.Number {
			t.Errorf("list = %+v", all)
		}
	})

	t.Run("WorkflowRunsAndSteps", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		task := seedTask(t, s, "task")

		run, err := s.CreateWorkflowRun(ctx, "proj", task.Number, "implement",
			[]string{"implement", "test", "review"})
		if err != nil {
			t.Fatalf("create run: %v", err)
		}
		if run.Status != graph.RunPending {
			t.Errorf("run status = %q, want pending", run.Status)
		}

		steps, err := s.ListWorkflowSteps(ctx, run.ID)
		if err != nil {
			t.Fatalf("list steps: %v", err)
		}
		if len(steps) != 3 || steps[0].Name != "implement" || steps[2].Name != "review" {
			t.Errorf("steps = %+v", steps)
		}
		for i, st := range steps {
			if st.Index != i || st.Status != graph.StepPending {
				t.Errorf("step %d = %+v", i, st)
			}
		}

		st, err := s.UpdateWorkflowStep(ctx, run.ID, "implement", graph.StepRunning, "")
		if err != nil {
			t.Fatalf("step running: %v", err)
		}
		if st.StartedAt.IsZero() {
			t.Error("running step has zero StartedAt")
		}
		st, err = s.UpdateWorkflowStep(ctx, run.ID, "implement", graph.StepCompleted, "done")
		if err != nil {
			t.Fatalf("step completed: %v", err)
		}
		if st.CompletedAt.IsZero() || st.Output != "done" {
			t.Errorf("completed step = %+v", st)
		}

		run, err = s.UpdateWorkflowRunStatus(ctx, run.ID, graph.RunCompleted)
		if err != nil {
			t.Fatalf("run completed: %v", err)
		}
		if run.CompletedAt.IsZero() {
			t.Error("completed run has zero CompletedAt")
		}

		runs, err := s.ListWorkflowRuns(ctx, "proj", task.Number)
		if err != nil {
			t.Fatalf("list runs: %v", err)
		}
		if len(runs) != 1 {
			t.Errorf("runs = %d, want 1", len(runs))
		}
	})

	t.Run("LeaseExclusivity", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		task := seedTask(t, s, "task")

		if _, err := s.AcquireLease(ctx, "proj", task.Number, "controller-1"); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if _, err := s.AcquireLease(ctx, "proj", task.Number, "controller-2"); !graph.IsConflict(err) {
			t.Errorf("second acquire: want ConflictError, got %v", err)
		}
		holder, err := s.LeaseHolder(ctx, "proj", task.Number)
		if err != nil {
			t.Fatalf("holder: %v", err)
		}
		if holder != "controller-1" {
			t.Errorf("holder = %q", holder)
		}

		if err := s.ReleaseLease(ctx, "proj", task.Number, "controller-2"); !graph.IsConflict(err) {
			t.Errorf("wrong-holder release: want ConflictError, got %v", err)
		}
		if err := s.ReleaseLease(ctx, "proj", task.Number, "controller-1"); err != nil {
			t.Fatalf("release: %v", err)
		}
		if _, err := s.AcquireLease(ctx, "proj", task.Number, "controller-2"); err != nil {
			t.Errorf("reacquire after release: %v", err)
		}
	})

	t.Run("ExecutionRecords", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		task := seedTask(t, s, "task")

		for attempt := 0; attempt < 3; attempt++ {
			_, err := s.AppendExecutionRecord(ctx, "proj", task.Number, graph.ExecutionRecord{
				StepName: "implement", Attempt: attempt, Outcome: "recoverable-error",
			})
			if err != nil {
				t.Fatalf("append %d: %v", attempt, err)
			}
		}
		recs, err := s.ListExecutionRecords(ctx, "proj", task.Number)
		if err != nil {
			t.Fatalf("list records: %v", err)
		}
		if len(recs) != 3 {
			t.Fatalf("records = %d, want 3", len(recs))
		}
		for i, rec := range recs {
			if rec.Attempt != i {
				t.Errorf("record %d attempt = %d", i, rec.Attempt)
			}
		}
	})

	t.Run("RoleAuthorization", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		if _, err := s.CreateRole(ctx, "reviewer"); err != nil {
			t.Fatalf("create role: %v", err)
		}
		if _, err := s.CreateRole(ctx, "reviewer"); !graph.IsConflict(err) {
			t.Errorf("duplicate role: want ConflictError, got %v", err)
		}
		grants := []graph.Capability{
			{Verb: graph.VerbRead, Kind: graph.KindTask},
			{Verb: graph.VerbWrite, Kind: graph.KindFinding, Operation: "add"},
			{Verb: graph.VerbWrite, Kind: graph.KindFinding, Operation: "resolve"},
		}
		for _, cap := range grants {
			if err := s.GrantCapability(ctx, "reviewer", cap); err != nil {
				t.Fatalf("grant %+v: %v", cap, err)
			}
		}

		cases := []struct {
			verb graph.Verb
			kind graph.NodeKind
			op   string
			want bool
		}{
			{graph.VerbRead, graph.KindTask, "get", true},
			{graph.VerbWrite, graph.KindFinding, "add", true},
			{graph.VerbWrite, graph.KindFinding, "resolve", true},
			{graph.VerbWrite, graph.KindFinding, "decline", false},
			{graph.VerbWrite, graph.KindTask, "update", false},
		}
		for _, tc := range cases {
			ok, err := s.Authorize(ctx, "reviewer", tc.verb, tc.kind, tc.op)
			if err != nil {
				t.Fatalf("authorize %v %v %q: %v", tc.verb, tc.kind, tc.op, err)
			}
			if ok != tc.want {
				t.Errorf("authorize %v %v %q = %v, want %v", tc.verb, tc.kind, tc.op, ok, tc.want)
			}
		}

		if _, err := s.Authorize(ctx, "ghost", graph.VerbRead, graph.KindTask, ""); !graph.IsNotFound(err) {
			t.Errorf("missing role: want NotFoundError, got %v", err)
		}
	})
}
