// Package graph provides the durable entity/relationship store that all
// foreman components treat as the single source of truth.
package graph

import "time"

// NodeKind identifies an entity type in the graph.
type NodeKind string

const (
	KindWorkspace    NodeKind = "workspace"
	KindProject      NodeKind = "project"
	KindTask         NodeKind = "task"
	KindSection      NodeKind = "section"
	KindFinding      NodeKind = "finding"
	KindComment      NodeKind = "comment"
	KindWorkflowRun  NodeKind = "workflow_run"
	KindWorkflowStep NodeKind = "workflow_step"
	KindRole         NodeKind = "role"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskTodo     TaskStatus = "todo"
	TaskWork     TaskStatus = "work"
	TaskDone     TaskStatus = "done"
	TaskApproved TaskStatus = "approved"
	TaskHold     TaskStatus = "hold"
)

// FindingStatus is the tri-state lifecycle of a Finding. Resolved and
// declined are terminal.
type FindingStatus string

const (
	FindingOpen     FindingStatus = "open"
	FindingResolved FindingStatus = "resolved"
	FindingDeclined FindingStatus = "declined"
)

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StepStatus is the lifecycle state of a WorkflowStep. Completed, failed,
// and skipped are terminal.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Workspace is the root container. Names are globally unique.
type Workspace struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Project nests under a Workspace or another Project. Its name is unique
// under its parent.
type Project struct {
	ID          string
	Name        string
	Description string

	// Exactly one of the two parent references is set.
	ParentWorkspaceID string
	ParentProjectID   string

	CreatedAt time.Time
}

// Task is a unit of work under a Project (or under another Task, for
// subtasks). Numbers are unique and monotonically assigned within the
// owning Project, including subtask numbers.
type Task struct {
	ID           string
	ProjectID    string
	ParentTaskID string
	Number       int
	Description  string
	Status       TaskStatus
	Module       string
	Branch       string
	Started      time.Time
	Completed    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskDetail is the read-model shape of a Task: the task plus all attached
// Section contents keyed by type and the numbers of tasks it depends on.
type TaskDetail struct {
	Task
	Sections  map[string]string
	DependsOn []int
}

// Section is a typed content or review container attached to exactly one
// Task. The type is an open string: new review kinds need no migration.
// Exactly one Section exists per (Task, type).
type Section struct {
	ID        string
	TaskID    string
	Type      string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Finding is a single reviewer-raised issue attached to a Section.
type Finding struct {
	ID          string
	SectionID   string
	SectionType string // populated on reads
	Text        string
	Status      FindingStatus
	Severity    string
	Author      string
	File        string
	LineStart   int
	LineEnd     int

	// Resolution carries the response given on resolve or the reason given
	// on decline.
	Resolution string
	ResolvedAt time.Time
	CreatedAt  time.Time
}

// FindingInput is the caller-supplied portion of a new Finding.
type FindingInput struct {
	Text      string
	Author    string
	Severity  string
	File      string
	LineStart int
	LineEnd   int
}

// Comment attaches to a Finding or, for threaded replies, to another
// Comment. Exactly one of FindingID/ParentCommentID is set.
type Comment struct {
	ID              string
	FindingID       string
	ParentCommentID string
	Text            string
	Author          string
	CreatedAt       time.Time
}

// WorkflowRun is one execution of a named pipeline against a Task.
type WorkflowRun struct {
	ID          string
	TaskID      string
	Type        string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt time.Time
}

// WorkflowStep is one ordered step of a WorkflowRun. Index is the step's
// position in the run's template.
type WorkflowStep struct {
	ID          string
	RunID       string
	Name        string
	Index       int
	Status      StepStatus
	Output      string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Verb is a capability verb held by a Role.
type Verb string

const (
	VerbRead  Verb = "read"
	VerbWrite Verb = "write"
)

// Capability grants a Role a verb over one node kind, optionally narrowed
// to an operation (e.g. "decline" on findings).
type Capability struct {
	Verb      Verb
	Kind      NodeKind
	Operation string
}

// Role holds scoped capabilities over node kinds.
type Role struct {
	ID           string
	Name         string
	Capabilities []Capability
}

// Lease is the exclusivity token ensuring at most one active execution
// controller per Task.
type Lease struct {
	TaskID     string
	Holder     string
	AcquiredAt time.Time
}

// ExecutionRecord is one append-only record of a single external agent
// attempt. Records are never mutated after creation.
type ExecutionRecord struct {
	ID           string
	TaskID       string
	StepName     string
	Attempt      int
	SessionID    string
	Outcome      string
	ExitCode     int
	StartedAt    time.Time
	EndedAt      time.Time
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// TaskUpdate is a partial Task update; nil fields are left unchanged.
type TaskUpdate struct {
	Description *string
	Status      *TaskStatus
	Module      *string
	Branch      *string
	Started     *time.Time
	Completed   *time.Time
}

// FindingFilter narrows ListFindings results. Zero values match everything.
type FindingFilter struct {
	SectionType string
	Status      FindingStatus
}
