package graph

import "context"

// Store provides transactional CRUD over the graph entities, constraint
// enforcement, and safe concurrent task numbering.
//
// Implementations:
//   - MemStore: in-memory reference implementation for tests
//   - SQLiteStore: single-file persistence (modernc.org/sqlite, WAL mode)
//   - MySQLStore: shared-server persistence (go-sql-driver/mysql)
//
// Error contract: missing nodes surface *NotFoundError, constraint
// violations *ConflictError, dependency cycles *CycleError, lifecycle
// violations *IllegalTransitionError, and transient infrastructure failures
// *ConnectionError. The store never retries transient failures itself.
type Store interface {
	// Workspaces.
	CreateWorkspace(ctx context.Context, name, description string) (Workspace, error)
	GetWorkspace(ctx context.Context, name string) (Workspace, error)
	ListWorkspaces(ctx context.Context) ([]Workspace, error)

	// Projects. Parent is a Workspace or another Project, addressed by name.
	CreateProject(ctx context.Context, parentKind NodeKind, parentName, name, description string) (Project, error)
	GetProject(ctx context.Context, name string) (Project, error)
	ListProjects(ctx context.Context, parentName string) ([]Project, error)
	RenameProject(ctx context.Context, oldName, newName string) (Project, error)

	// Tasks. Numbers are allocated atomically inside the creating
	// transaction; two concurrent creators always receive distinct,
	// consecutive numbers. Subtasks draw from the same per-project sequence.
	CreateTask(ctx context.Context, project, description string, update TaskUpdate) (Task, error)
	CreateSubtask(ctx context.Context, project string, parentNumber int, description string) (Task, error)
	GetTask(ctx context.Context, project string, number int) (Task, error)
	GetTaskFull(ctx context.Context, project string, number int) (TaskDetail, error)
	ListTasks(ctx context.Context, project string) ([]TaskDetail, error)
	ListSubtasks(ctx context.Context, project string, parentNumber int) ([]Task, error)
	UpdateTask(ctx context.Context, project string, number int, update TaskUpdate) (Task, error)
	// DeleteTask cascades to the task's sections, findings, comments (with
	// reply chains), workflow runs/steps, dependencies, lease, execution
	// records, and subtasks: all removed or none on failure.
	DeleteTask(ctx context.Context, project string, number int) error

	// Dependencies. AddDependency performs a reachability check inside the
	// inserting transaction and rejects with *CycleError before commit.
	AddDependency(ctx context.Context, project string, from, to int) error
	RemoveDependency(ctx context.Context, project string, from, to int) error
	ListDependencies(ctx context.Context, project string, number int) ([]Task, error)
	SyncDependencies(ctx context.Context, project string, number int, dependsOn []int) error

	// Sections. UpsertSection is an idempotent create-or-fetch: concurrent
	// first writers receive the same Section and content is never clobbered.
	UpsertSection(ctx context.Context, project string, number int, sectionType string) (Section, error)
	GetSection(ctx context.Context, project string, number int, sectionType string) (Section, error)
	SetSectionContent(ctx context.Context, project string, number int, sectionType, content string) (Section, error)
	DeleteSection(ctx context.Context, project string, number int, sectionType string) error

	// Findings. Resolve and decline are legal only from open; both require
	// a non-empty resolution text and both are terminal.
	AddFinding(ctx context.Context, project string, number int, sectionType string, in FindingInput) (Finding, error)
	GetFinding(ctx context.Context, id string) (Finding, error)
	ResolveFinding(ctx context.Context, id, response string) (Finding, error)
	DeclineFinding(ctx context.Context, id, reason string) (Finding, error)
	ListFindings(ctx context.Context, project string, number int, filter FindingFilter) ([]Finding, error)
	// ListOpenFindings is the fan-in read model consumed by the review
	// orchestrator: open findings across the given section types.
	ListOpenFindings(ctx context.Context, project string, number int, sectionTypes []string) ([]Finding, error)

	// Comments.
	AddComment(ctx context.Context, findingID, text, author string) (Comment, error)
	ReplyToComment(ctx context.Context, commentID, text, author string) (Comment, error)
	ListComments(ctx context.Context, findingID string) ([]Comment, error)

	// Workflow runs and steps. Steps are created with the run in template
	// order and only ever change status afterwards.
	CreateWorkflowRun(ctx context.Context, project string, number int, runType string, stepNames []string) (WorkflowRun, error)
	GetWorkflowRun(ctx context.Context, runID string) (WorkflowRun, error)
	UpdateWorkflowRunStatus(ctx context.Context, runID string, status RunStatus) (WorkflowRun, error)
	ListWorkflowRuns(ctx context.Context, project string, number int) ([]WorkflowRun, error)
	GetWorkflowStep(ctx context.Context, runID, name string) (WorkflowStep, error)
	ListWorkflowSteps(ctx context.Context, runID string) ([]WorkflowStep, error)
	UpdateWorkflowStep(ctx context.Context, runID, name string, status StepStatus, output string) (WorkflowStep, error)

	// Lease: at most one active holder per task.
	AcquireLease(ctx context.Context, project string, number int, holder string) (Lease, error)
	ReleaseLease(ctx context.Context, project string, number int, holder string) error
	LeaseHolder(ctx context.Context, project string, number int) (string, error)

	// Execution records are append-only: no update or delete path exists.
	AppendExecutionRecord(ctx context.Context, project string, number int, rec ExecutionRecord) (ExecutionRecord, error)
	ListExecutionRecords(ctx context.Context, project string, number int) ([]ExecutionRecord, error)

	// Roles and capability checks.
	CreateRole(ctx context.Context, name string) (Role, error)
	GrantCapability(ctx context.Context, roleName string, cap Capability) error
	Authorize(ctx context.Context, roleName string, verb Verb, kind NodeKind, operation string) (bool, error)

	Close() error
}
