package graph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory implementation of Store.
//
// It is the reference implementation for the store conformance suite and is
// used by component tests throughout the codebase. All semantics (atomic
// numbering, cycle rejection, cascade deletes, lease exclusivity) match the
// SQL backends; only durability differs.
//
// MemStore is safe for concurrent use. A single mutex guards all state, so
// every operation is trivially serializable; the SQL backends achieve the
// same guarantees through transactions.
type MemStore struct {
	mu sync.Mutex

	workspaces map[string]*Workspace // by name
	projects   map[string]*Project   // by id
	tasks      map[string]*Task      // by id
	sections   map[string]*Section   // by id
	findings   map[string]*Finding   // by id
	comments   map[string]*Comment   // by id
	runs       map[string]*WorkflowRun
	steps      map[string][]*WorkflowStep // runID -> ordered by Index
	deps       map[string]map[string]bool // from task id -> to task ids
	leases     map[string]*Lease          // task id -> lease
	records    map[string][]ExecutionRecord
	roles      map[string]*Role // by name
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workspaces: make(map[string]*Workspace),
		projects:   make(map[string]*Project),
		tasks:      make(map[string]*Task),
		sections:   make(map[string]*Section),
		findings:   make(map[string]*Finding),
		comments:   make(map[string]*Comment),
		runs:       make(map[string]*WorkflowRun),
		steps:      make(map[string][]*WorkflowStep),
		deps:       make(map[string]map[string]bool),
		leases:     make(map[string]*Lease),
		records:    make(map[string][]ExecutionRecord),
		roles:      make(map[string]*Role),
	}
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }

// ---------------------------------------------------------------------------
// Workspaces
// ---------------------------------------------------------------------------

func (m *MemStore) CreateWorkspace(_ context.Context, name, description string) (Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workspaces[name]; exists {
		return Workspace{}, &ConflictError{Kind: KindWorkspace, Ref: name, Reason: "name already exists"}
	}
	w := &Workspace{ID: uuid.NewString(), Name: name, Description: description, CreatedAt: time.Now().UTC()}
	m.workspaces[name] = w
	return *w, nil
}

func (m *MemStore) GetWorkspace(_ context.Context, name string) (Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workspaces[name]
	if !ok {
		return Workspace{}, &NotFoundError{Kind: KindWorkspace, Ref: name}
	}
	return *w, nil
}

func (m *MemStore) ListWorkspaces(_ context.Context) ([]Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Workspace, 0, len(m.workspaces))
	for _, w := range m.workspaces {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

func (m *MemStore) CreateProject(_ context.Context, parentKind NodeKind, parentName, name, description string) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &Project{ID: uuid.NewString(), Name: name, Description: description, CreatedAt: time.Now().UTC()}

	switch parentKind {
	case KindWorkspace:
		w, ok := m.workspaces[parentName]
		if !ok {
			return Project{}, &NotFoundError{Kind: KindWorkspace, Ref: parentName}
		}
		for _, sibling := range m.projects {
			if sibling.ParentWorkspaceID == w.ID && sibling.Name == name {
				return Project{}, &ConflictError{Kind: KindProject, Ref: name, Reason: "name already exists under " + parentName}
			}
		}
		p.ParentWorkspaceID = w.ID
	case KindProject:
		parent := m.projectByName(parentName)
		if parent == nil {
			return Project{}, &NotFoundError{Kind: KindProject, Ref: parentName}
		}
		for _, sibling := range m.projects {
			if sibling.ParentProjectID == parent.ID && sibling.Name == name {
				return Project{}, &ConflictError{Kind: KindProject, Ref: name, Reason: "name already exists under " + parentName}
			}
		}
		p.ParentProjectID = parent.ID
	default:
		return Project{}, &ConflictError{Kind: KindProject, Ref: name, Reason: "invalid parent kind " + string(parentKind)}
	}

	m.projects[p.ID] = p
	return *p, nil
}

func (m *MemStore) GetProject(_ context.Context, name string) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.projectByName(name)
	if p == nil {
		return Project{}, &NotFoundError{Kind: KindProject, Ref: name}
	}
	return *p, nil
}

func (m *MemStore) ListProjects(_ context.Context, parentName string) ([]Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var parentIDs []string
	if w, ok := m.workspaces[parentName]; ok {
		parentIDs = append(parentIDs, w.ID)
	}
	if p := m.projectByName(parentName); p != nil {
		parentIDs = append(parentIDs, p.ID)
	}

	var out []Project
	for _, p := range m.projects {
		for _, pid := range parentIDs {
			if p.ParentWorkspaceID == pid || p.ParentProjectID == pid {
				out = append(out, *p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemStore) RenameProject(_ context.Context, oldName, newName string) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.projectByName(oldName)
	if p == nil {
		return Project{}, &NotFoundError{Kind: KindProject, Ref: oldName}
	}
	for _, sibling := range m.projects {
		if sibling.ID == p.ID || sibling.Name != newName {
			continue
		}
		if sibling.ParentWorkspaceID == p.ParentWorkspaceID && sibling.ParentProjectID == p.ParentProjectID {
			return Project{}, &ConflictError{Kind: KindProject, Ref: newName, Reason: "name already exists under parent"}
		}
	}
	p.Name = newName
	return *p, nil
}

// projectByName returns the first project with the given name. Names are
// unique under a parent; callers address projects by name the way the CLI
// surface does.
func (m *MemStore) projectByName(name string) *Project {
	for _, p := range m.projects {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func (m *MemStore) CreateTask(_ context.Context, project, description string, update TaskUpdate) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.projectByName(project)
	if p == nil {
		return Task{}, &NotFoundError{Kind: KindProject, Ref: project}
	}

	now := time.Now().UTC()
	t := &Task{
		ID:          uuid.NewString(),
		ProjectID:   p.ID,
		Number:      m.nextNumberLocked(p.ID),
		Description: description,
		Status:      TaskTodo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	applyTaskUpdate(t, update)
	m.tasks[t.ID] = t
	return *t, nil
}

func (m *MemStore) CreateSubtask(_ context.Context, project string, parentNumber int, description string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, err := m.taskByNumberLocked(project, parentNumber)
	if err != nil {
		return Task{}, err
	}

	now := time.Now().UTC()
	t := &Task{
		ID:           uuid.NewString(),
		ProjectID:    parent.ProjectID,
		ParentTaskID: parent.ID,
		Number:       m.nextNumberLocked(parent.ProjectID),
		Description:  description,
		Status:       TaskTodo,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.tasks[t.ID] = t
	return *t, nil
}

// nextNumberLocked allocates the next task number for a project. Subtasks
// share the project-wide sequence.
func (m *MemStore) nextNumberLocked(projectID string) int {
	max := 0
	for _, t := range m.tasks {
		if t.ProjectID == projectID && t.Number > max {
			max = t.Number
		}
	}
	return max + 1
}

func (m *MemStore) taskByNumberLocked(project string, number int) (*Task, error) {
	p := m.projectByName(project)
	if p == nil {
		return nil, &NotFoundError{Kind: KindProject, Ref: project}
	}
	for _, t := range m.tasks {
		if t.ProjectID == p.ID && t.Number == number {
			return t, nil
		}
	}
	return nil, &NotFoundError{Kind: KindTask, Ref: taskRef(project, number)}
}

func (m *MemStore) GetTask(_ context.Context, project string, number int) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return Task{}, err
	}
	return *t, nil
}

func (m *MemStore) GetTaskFull(_ context.Context, project string, number int) (TaskDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return TaskDetail{}, err
	}
	return m.detailLocked(t), nil
}

func (m *MemStore) detailLocked(t *Task) TaskDetail {
	d := TaskDetail{Task: *t, Sections: make(map[string]string)}
	for _, s := range m.sections {
		if s.TaskID == t.ID {
			d.Sections[s.Type] = s.Content
		}
	}
	for to := range m.deps[t.ID] {
		if dep, ok := m.tasks[to]; ok {
			d.DependsOn = append(d.DependsOn, dep.Number)
		}
	}
	sort.Ints(d.DependsOn)
	return d
}

func (m *MemStore) ListTasks(_ context.Context, project string) ([]TaskDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.projectByName(project)
	if p == nil {
		return nil, &NotFoundError{Kind: KindProject, Ref: project}
	}
	var out []TaskDetail
	for _, t := range m.tasks {
		if t.ProjectID == p.ID {
			out = append(out, m.detailLocked(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemStore) ListSubtasks(_ context.Context, project string, parentNumber int) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, err := m.taskByNumberLocked(project, parentNumber)
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range m.tasks {
		if t.ParentTaskID == parent.ID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemStore) UpdateTask(_ context.Context, project string, number int, update TaskUpdate) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return Task{}, err
	}
	applyTaskUpdate(t, update)
	t.UpdatedAt = time.Now().UTC()
	return *t, nil
}

func applyTaskUpdate(t *Task, update TaskUpdate) {
	if update.Description != nil {
		t.Description = *update.Description
	}
	if update.Status != nil {
		t.Status = *update.Status
	}
	if update.Module != nil {
		t.Module = *update.Module
	}
	if update.Branch != nil {
		t.Branch = *update.Branch
	}
	if update.Started != nil {
		t.Started = *update.Started
	}
	if update.Completed != nil {
		t.Completed = *update.Completed
	}
}

func (m *MemStore) DeleteTask(_ context.Context, project string, number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return err
	}

	// Collect the whole subtask subtree.
	doomed := map[string]bool{root.ID: true}
	for changed := true; changed; {
		changed = false
		for _, t := range m.tasks {
			if t.ParentTaskID != "" && doomed[t.ParentTaskID] && !doomed[t.ID] {
				doomed[t.ID] = true
				changed = true
			}
		}
	}

	for id := range doomed {
		m.deleteTaskContentsLocked(id)
		delete(m.tasks, id)
	}
	return nil
}

// deleteTaskContentsLocked removes everything hanging off one task node.
func (m *MemStore) deleteTaskContentsLocked(taskID string) {
	for sid, s := range m.sections {
		if s.TaskID != taskID {
			continue
		}
		m.deleteSectionContentsLocked(sid)
		delete(m.sections, sid)
	}
	for rid, r := range m.runs {
		if r.TaskID == taskID {
			delete(m.steps, rid)
			delete(m.runs, rid)
		}
	}
	delete(m.deps, taskID)
	for _, targets := range m.deps {
		delete(targets, taskID)
	}
	delete(m.leases, taskID)
	delete(m.records, taskID)
}

func (m *MemStore) deleteSectionContentsLocked(sectionID string) {
	for fid, f := range m.findings {
		if f.SectionID != sectionID {
			continue
		}
		m.deleteCommentThreadLocked(fid, "")
		delete(m.findings, fid)
	}
}

// deleteCommentThreadLocked removes comments on a finding (and their reply
// chains) or replies under a comment.
func (m *MemStore) deleteCommentThreadLocked(findingID, parentCommentID string) {
	for cid, c := range m.comments {
		if (findingID != "" && c.FindingID == findingID) ||
			(parentCommentID != "" && c.ParentCommentID == parentCommentID) {
			delete(m.comments, cid)
			m.deleteCommentThreadLocked("", cid)
		}
	}
}

// ---------------------------------------------------------------------------
// Dependencies
// ---------------------------------------------------------------------------

func (m *MemStore) AddDependency(_ context.Context, project string, from, to int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addDependencyLocked(project, from, to)
}

func (m *MemStore) addDependencyLocked(project string, from, to int) error {
	fromTask, err := m.taskByNumberLocked(project, from)
	if err != nil {
		return err
	}
	toTask, err := m.taskByNumberLocked(project, to)
	if err != nil {
		return err
	}
	if fromTask.ID == toTask.ID {
		return &CycleError{Project: project, From: from, To: to}
	}
	if m.reachableLocked(toTask.ID, fromTask.ID) {
		return &CycleError{Project: project, From: from, To: to}
	}
	if m.deps[fromTask.ID] == nil {
		m.deps[fromTask.ID] = make(map[string]bool)
	}
	m.deps[fromTask.ID][toTask.ID] = true
	return nil
}

// reachableLocked reports whether dst is reachable from src over DEPENDS_ON
// edges.
func (m *MemStore) reachableLocked(src, dst string) bool {
	seen := map[string]bool{src: true}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == dst {
			return true
		}
		for next := range m.deps[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

func (m *MemStore) RemoveDependency(_ context.Context, project string, from, to int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fromTask, err := m.taskByNumberLocked(project, from)
	if err != nil {
		return err
	}
	toTask, err := m.taskByNumberLocked(project, to)
	if err != nil {
		return err
	}
	delete(m.deps[fromTask.ID], toTask.ID)
	return nil
}

func (m *MemStore) ListDependencies(_ context.Context, project string, number int) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return nil, err
	}
	var out []Task
	for to := range m.deps[t.ID] {
		if dep, ok := m.tasks[to]; ok {
			out = append(out, *dep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemStore) SyncDependencies(_ context.Context, project string, number int, dependsOn []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return err
	}
	// Replace the edge set atomically: on any failure the old set is
	// restored, so a rejected sync never leaves partial state.
	old := m.deps[t.ID]
	delete(m.deps, t.ID)
	for _, dep := range dependsOn {
		if err := m.addDependencyLocked(project, number, dep); err != nil {
			if old == nil {
				delete(m.deps, t.ID)
			} else {
				m.deps[t.ID] = old
			}
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sections
// ---------------------------------------------------------------------------

func (m *MemStore) UpsertSection(_ context.Context, project string, number int, sectionType string) (Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return Section{}, err
	}
	if s := m.sectionLocked(t.ID, sectionType); s != nil {
		return *s, nil
	}
	now := time.Now().UTC()
	s := &Section{ID: uuid.NewString(), TaskID: t.ID, Type: sectionType, CreatedAt: now, UpdatedAt: now}
	m.sections[s.ID] = s
	return *s, nil
}

func (m *MemStore) sectionLocked(taskID, sectionType string) *Section {
	for _, s := range m.sections {
		if s.TaskID == taskID && s.Type == sectionType {
			return s
		}
	}
	return nil
}

func (m *MemStore) GetSection(_ context.Context, project string, number int, sectionType string) (Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return Section{}, err
	}
	s := m.sectionLocked(t.ID, sectionType)
	if s == nil {
		return Section{}, &NotFoundError{Kind: KindSection, Ref: sectionType}
	}
	return *s, nil
}

func (m *MemStore) SetSectionContent(_ context.Context, project string, number int, sectionType, content string) (Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return Section{}, err
	}
	now := time.Now().UTC()
	s := m.sectionLocked(t.ID, sectionType)
	if s == nil {
		s = &Section{ID: uuid.NewString(), TaskID: t.ID, Type: sectionType, CreatedAt: now}
		m.sections[s.ID] = s
	}
	s.Content = content
	s.UpdatedAt = now
	return *s, nil
}

func (m *MemStore) DeleteSection(_ context.Context, project string, number int, sectionType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return err
	}
	s := m.sectionLocked(t.ID, sectionType)
	if s == nil {
		return &NotFoundError{Kind: KindSection, Ref: sectionType}
	}
	m.deleteSectionContentsLocked(s.ID)
	delete(m.sections, s.ID)
	return nil
}

// ---------------------------------------------------------------------------
// Findings
// ---------------------------------------------------------------------------

func (m *MemStore) AddFinding(_ context.Context, project string, number int, sectionType string, in FindingInput) (Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return Finding{}, err
	}
	s := m.sectionLocked(t.ID, sectionType)
	if s == nil {
		return Finding{}, &NotFoundError{Kind: KindSection, Ref: sectionType}
	}
	f := &Finding{
		ID:          uuid.NewString(),
		SectionID:   s.ID,
		SectionType: s.Type,
		Text:        in.Text,
		Status:      FindingOpen,
		Severity:    in.Severity,
		Author:      in.Author,
		File:        in.File,
		LineStart:   in.LineStart,
		LineEnd:     in.LineEnd,
		CreatedAt:   time.Now().UTC(),
	}
	m.findings[f.ID] = f
	return *f, nil
}

func (m *MemStore) GetFinding(_ context.Context, id string) (Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.findings[id]
	if !ok {
		return Finding{}, &NotFoundError{Kind: KindFinding, Ref: id}
	}
	return *f, nil
}

func (m *MemStore) ResolveFinding(_ context.Context, id, response string) (Finding, error) {
	return m.closeFinding(id, FindingResolved, response, ErrResponseRequired)
}

func (m *MemStore) DeclineFinding(_ context.Context, id, reason string) (Finding, error) {
	return m.closeFinding(id, FindingDeclined, reason, ErrReasonRequired)
}

func (m *MemStore) closeFinding(id string, to FindingStatus, resolution string, emptyErr error) (Finding, error) {
	if resolution == "" {
		return Finding{}, emptyErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.findings[id]
	if !ok {
		return Finding{}, &NotFoundError{Kind: KindFinding, Ref: id}
	}
	if f.Status != FindingOpen {
		return Finding{}, &IllegalTransitionError{Kind: KindFinding, Ref: id, From: string(f.Status), To: string(to)}
	}
	f.Status = to
	f.Resolution = resolution
	f.ResolvedAt = time.Now().UTC()
	return *f, nil
}

func (m *MemStore) ListFindings(_ context.Context, project string, number int, filter FindingFilter) ([]Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return nil, err
	}
	var out []Finding
	for _, f := range m.findings {
		s, ok := m.sections[f.SectionID]
		if !ok || s.TaskID != t.ID {
			continue
		}
		if filter.SectionType != "" && s.Type != filter.SectionType {
			continue
		}
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		cp := *f
		cp.SectionType = s.Type
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) ListOpenFindings(ctx context.Context, project string, number int, sectionTypes []string) ([]Finding, error) {
	all, err := m.ListFindings(ctx, project, number, FindingFilter{Status: FindingOpen})
	if err != nil {
		return nil, err
	}
	if len(sectionTypes) == 0 {
		return all, nil
	}
	wanted := make(map[string]bool, len(sectionTypes))
	for _, st := range sectionTypes {
		wanted[st] = true
	}
	var out []Finding
	for _, f := range all {
		if wanted[f.SectionType] {
			out = append(out, f)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Comments
// ---------------------------------------------------------------------------

func (m *MemStore) AddComment(_ context.Context, findingID, text, author string) (Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.findings[findingID]; !ok {
		return Comment{}, &NotFoundError{Kind: KindFinding, Ref: findingID}
	}
	c := &Comment{ID: uuid.NewString(), FindingID: findingID, Text: text, Author: author, CreatedAt: time.Now().UTC()}
	m.comments[c.ID] = c
	return *c, nil
}

func (m *MemStore) ReplyToComment(_ context.Context, commentID, text, author string) (Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.comments[commentID]; !ok {
		return Comment{}, &NotFoundError{Kind: KindComment, Ref: commentID}
	}
	c := &Comment{ID: uuid.NewString(), ParentCommentID: commentID, Text: text, Author: author, CreatedAt: time.Now().UTC()}
	m.comments[c.ID] = c
	return *c, nil
}

func (m *MemStore) ListComments(_ context.Context, findingID string) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.findings[findingID]; !ok {
		return nil, &NotFoundError{Kind: KindFinding, Ref: findingID}
	}
	var out []Comment
	for _, c := range m.comments {
		if c.FindingID == findingID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Workflow runs and steps
// ---------------------------------------------------------------------------

func (m *MemStore) CreateWorkflowRun(_ context.Context, project string, number int, runType string, stepNames []string) (WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return WorkflowRun{}, err
	}
	run := &WorkflowRun{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		Type:      runType,
		Status:    RunPending,
		StartedAt: time.Now().UTC(),
	}
	m.runs[run.ID] = run
	for i, name := range stepNames {
		m.steps[run.ID] = append(m.steps[run.ID], &WorkflowStep{
			ID:     uuid.NewString(),
			RunID:  run.ID,
			Name:   name,
			Index:  i,
			Status: StepPending,
		})
	}
	return *run, nil
}

func (m *MemStore) GetWorkflowRun(_ context.Context, runID string) (WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return WorkflowRun{}, &NotFoundError{Kind: KindWorkflowRun, Ref: runID}
	}
	return *run, nil
}

func (m *MemStore) UpdateWorkflowRunStatus(_ context.Context, runID string, status RunStatus) (WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return WorkflowRun{}, &NotFoundError{Kind: KindWorkflowRun, Ref: runID}
	}
	run.Status = status
	if status == RunCompleted || status == RunFailed {
		run.CompletedAt = time.Now().UTC()
	}
	return *run, nil
}

func (m *MemStore) ListWorkflowRuns(_ context.Context, project string, number int) ([]WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return nil, err
	}
	var out []WorkflowRun
	for _, run := range m.runs {
		if run.TaskID == t.ID {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemStore) GetWorkflowStep(_ context.Context, runID, name string) (WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	step := m.stepLocked(runID, name)
	if step == nil {
		return WorkflowStep{}, &NotFoundError{Kind: KindWorkflowStep, Ref: runID + "/" + name}
	}
	return *step, nil
}

func (m *MemStore) stepLocked(runID, name string) *WorkflowStep {
	for _, step := range m.steps[runID] {
		if step.Name == name {
			return step
		}
	}
	return nil
}

func (m *MemStore) ListWorkflowSteps(_ context.Context, runID string) ([]WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[runID]; !ok {
		return nil, &NotFoundError{Kind: KindWorkflowRun, Ref: runID}
	}
	steps := m.steps[runID]
	out := make([]WorkflowStep, len(steps))
	for i, s := range steps {
		out[i] = *s
	}
	return out, nil
}

func (m *MemStore) UpdateWorkflowStep(_ context.Context, runID, name string, status StepStatus, output string) (WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	step := m.stepLocked(runID, name)
	if step == nil {
		return WorkflowStep{}, &NotFoundError{Kind: KindWorkflowStep, Ref: runID + "/" + name}
	}
	now := time.Now().UTC()
	step.Status = status
	switch status {
	case StepRunning:
		if step.StartedAt.IsZero() {
			step.StartedAt = now
		}
	case StepCompleted, StepFailed, StepSkipped:
		step.CompletedAt = now
	}
	if output != "" {
		step.Output = output
	}
	return *step, nil
}

// ---------------------------------------------------------------------------
// Leases
// ---------------------------------------------------------------------------

func (m *MemStore) AcquireLease(_ context.Context, project string, number int, holder string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return Lease{}, err
	}
	if held, ok := m.leases[t.ID]; ok {
		return Lease{}, &ConflictError{Kind: KindTask, Ref: taskRef(project, number), Reason: "lease held by " + held.Holder}
	}
	l := &Lease{TaskID: t.ID, Holder: holder, AcquiredAt: time.Now().UTC()}
	m.leases[t.ID] = l
	return *l, nil
}

func (m *MemStore) ReleaseLease(_ context.Context, project string, number int, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return err
	}
	held, ok := m.leases[t.ID]
	if !ok {
		return &NotFoundError{Kind: KindTask, Ref: taskRef(project, number) + " lease"}
	}
	if held.Holder != holder {
		return &ConflictError{Kind: KindTask, Ref: taskRef(project, number), Reason: "lease held by " + held.Holder}
	}
	delete(m.leases, t.ID)
	return nil
}

func (m *MemStore) LeaseHolder(_ context.Context, project string, number int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return "", err
	}
	if held, ok := m.leases[t.ID]; ok {
		return held.Holder, nil
	}
	return "", nil
}

// ---------------------------------------------------------------------------
// Execution records
// ---------------------------------------------------------------------------

func (m *MemStore) AppendExecutionRecord(_ context.Context, project string, number int, rec ExecutionRecord) (ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return ExecutionRecord{}, err
	}
	rec.ID = uuid.NewString()
	rec.TaskID = t.ID
	m.records[t.ID] = append(m.records[t.ID], rec)
	return rec, nil
}

func (m *MemStore) ListExecutionRecords(_ context.Context, project string, number int) ([]ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.taskByNumberLocked(project, number)
	if err != nil {
		return nil, err
	}
	out := make([]ExecutionRecord, len(m.records[t.ID]))
	copy(out, m.records[t.ID])
	return out, nil
}

// ---------------------------------------------------------------------------
// Roles
// ---------------------------------------------------------------------------

func (m *MemStore) CreateRole(_ context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.roles[name]; exists {
		return Role{}, &ConflictError{Kind: KindRole, Ref: name, Reason: "name already exists"}
	}
	r := &Role{ID: uuid.NewString(), Name: name}
	m.roles[name] = r
	return *r, nil
}

func (m *MemStore) GrantCapability(_ context.Context, roleName string, cap Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.roles[roleName]
	if !ok {
		return &NotFoundError{Kind: KindRole, Ref: roleName}
	}
	r.Capabilities = append(r.Capabilities, cap)
	return nil
}

func (m *MemStore) Authorize(_ context.Context, roleName string, verb Verb, kind NodeKind, operation string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.roles[roleName]
	if !ok {
		return false, &NotFoundError{Kind: KindRole, Ref: roleName}
	}
	for _, c := range r.Capabilities {
		if c.Verb == verb && c.Kind == kind && (c.Operation == "" || c.Operation == operation) {
			return true, nil
		}
	}
	return false, nil
}
