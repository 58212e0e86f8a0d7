package graph

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// sqlStore implements Store on top of database/sql. SQLiteStore and
// MySQLStore embed it; only connection setup, schema DDL, and the row-lock
// suffix differ between the two.
//
// Timestamps are stored as RFC 3339 strings (empty string for the zero
// time) so the two engines share all scan code. Parent references use the
// empty string rather than NULL so composite UNIQUE constraints behave
// identically on both engines.
type sqlStore struct {
	db *sql.DB

	// mysql selects the row-locking dialect. SQLite serializes writers
	// through a single connection instead, so it never emits FOR UPDATE.
	mysql bool
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) lockSuffix() string {
	if s.mysql {
		return " FOR UPDATE"
	}
	return ""
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (s *sqlStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ConnectionError{Op: op, Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &ConnectionError{Op: op, Err: err}
	}
	return nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---------------------------------------------------------------------------
// Workspaces
// ---------------------------------------------------------------------------

func (s *sqlStore) CreateWorkspace(ctx context.Context, name, description string) (Workspace, error) {
	w := Workspace{ID: uuid.NewString(), Name: name, Description: description, CreatedAt: time.Now().UTC()}
	err := s.withTx(ctx, "create workspace", func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM workspaces WHERE name = ?`+s.lockSuffix(), name).Scan(&n); err != nil {
			return &ConnectionError{Op: "create workspace", Err: err}
		}
		if n > 0 {
			return &ConflictError{Kind: KindWorkspace, Ref: name, Reason: "name already exists"}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workspaces (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
			w.ID, w.Name, w.Description, fmtTime(w.CreatedAt))
		if err != nil {
			return &ConnectionError{Op: "create workspace", Err: err}
		}
		return nil
	})
	if err != nil {
		return Workspace{}, err
	}
	return w, nil
}

func (s *sqlStore) GetWorkspace(ctx context.Context, name string) (Workspace, error) {
	return s.workspaceByName(ctx, s.db, name)
}

func (s *sqlStore) workspaceByName(ctx context.Context, q querier, name string) (Workspace, error) {
	var w Workspace
	var created string
	err := q.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM workspaces WHERE name = ?`, name).
		Scan(&w.ID, &w.Name, &w.Description, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, &NotFoundError{Kind: KindWorkspace, Ref: name}
	}
	if err != nil {
		return Workspace{}, &ConnectionError{Op: "get workspace", Err: err}
	}
	w.CreatedAt = parseTime(created)
	return w, nil
}

func (s *sqlStore) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at FROM workspaces ORDER BY name`)
	if err != nil {
		return nil, &ConnectionError{Op: "list workspaces", Err: err}
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var w Workspace
		var created string
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &created); err != nil {
			return nil, &ConnectionError{Op: "list workspaces", Err: err}
		}
		w.CreatedAt = parseTime(created)
		out = append(out, w)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

const projectCols = `id, name, description, parent_workspace_id, parent_project_id, created_at`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var p Project
	var created string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ParentWorkspaceID, &p.ParentProjectID, &created); err != nil {
		return Project{}, err
	}
	p.CreatedAt = parseTime(created)
	return p, nil
}

func (s *sqlStore) CreateProject(ctx context.Context, parentKind NodeKind, parentName, name, description string) (Project, error) {
	p := Project{ID: uuid.NewString(), Name: name, Description: description, CreatedAt: time.Now().UTC()}
	err := s.withTx(ctx, "create project", func(tx *sql.Tx) error {
		switch parentKind {
		case KindWorkspace:
			w, err := s.workspaceByName(ctx, tx, parentName)
			if err != nil {
				return err
			}
			p.ParentWorkspaceID = w.ID
		case KindProject:
			parent, err := s.projectByName(ctx, tx, parentName)
			if err != nil {
				return err
			}
			p.ParentProjectID = parent.ID
		default:
			return &ConflictError{Kind: KindProject, Ref: name, Reason: "invalid parent kind " + string(parentKind)}
		}

		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM projects WHERE name = ? AND parent_workspace_id = ? AND parent_project_id = ?`+s.lockSuffix(),
			name, p.ParentWorkspaceID, p.ParentProjectID).Scan(&n); err != nil {
			return &ConnectionError{Op: "create project", Err: err}
		}
		if n > 0 {
			return &ConflictError{Kind: KindProject, Ref: name, Reason: "name already exists under " + parentName}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO projects (`+projectCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Description, p.ParentWorkspaceID, p.ParentProjectID, fmtTime(p.CreatedAt))
		if err != nil {
			return &ConnectionError{Op: "create project", Err: err}
		}
		return nil
	})
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

func (s *sqlStore) projectByName(ctx context.Context, q querier, name string) (Project, error) {
	p, err := scanProject(q.QueryRowContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE name = ? LIMIT 1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, &NotFoundError{Kind: KindProject, Ref: name}
	}
	if err != nil {
		return Project{}, &ConnectionError{Op: "get project", Err: err}
	}
	return p, nil
}

func (s *sqlStore) GetProject(ctx context.Context, name string) (Project, error) {
	return s.projectByName(ctx, s.db, name)
}

func (s *sqlStore) ListProjects(ctx context.Context, parentName string) ([]Project, error) {
	var ids []string
	if w, err := s.workspaceByName(ctx, s.db, parentName); err == nil {
		ids = append(ids, w.ID)
	}
	if p, err := s.projectByName(ctx, s.db, parentName); err == nil {
		ids = append(ids, p.ID)
	}
	var out []Project
	for _, id := range ids {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+projectCols+` FROM projects WHERE parent_workspace_id = ? OR parent_project_id = ? ORDER BY name`,
			id, id)
		if err != nil {
			return nil, &ConnectionError{Op: "list projects", Err: err}
		}
		for rows.Next() {
			p, err := scanProject(rows)
			if err != nil {
				rows.Close()
				return nil, &ConnectionError{Op: "list projects", Err: err}
			}
			out = append(out, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, &ConnectionError{Op: "list projects", Err: err}
		}
		rows.Close()
	}
	return out, nil
}

func (s *sqlStore) RenameProject(ctx context.Context, oldName, newName string) (Project, error) {
	var out Project
	err := s.withTx(ctx, "rename project", func(tx *sql.Tx) error {
		p, err := s.projectByName(ctx, tx, oldName)
		if err != nil {
			return err
		}
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM projects WHERE name = ? AND parent_workspace_id = ? AND parent_project_id = ? AND id <> ?`+s.lockSuffix(),
			newName, p.ParentWorkspaceID, p.ParentProjectID, p.ID).Scan(&n); err != nil {
			return &ConnectionError{Op: "rename project", Err: err}
		}
		if n > 0 {
			return &ConflictError{Kind: KindProject, Ref: newName, Reason: "name already exists under parent"}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE projects SET name = ? WHERE id = ?`, newName, p.ID); err != nil {
			return &ConnectionError{Op: "rename project", Err: err}
		}
		p.Name = newName
		out = p
		return nil
	})
	if err != nil {
		return Project{}, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

const taskCols = `id, project_id, parent_task_id, number, description, status, module, branch, started, completed, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var started, completed, created, updated string
	if err := row.Scan(&t.ID, &t.ProjectID, &t.ParentTaskID, &t.Number, &t.Description, &t.Status,
		&t.Module, &t.Branch, &started, &completed, &created, &updated); err != nil {
		return Task{}, err
	}
	t.Started = parseTime(started)
	t.Completed = parseTime(completed)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func (s *sqlStore) insertTask(ctx context.Context, tx *sql.Tx, t Task) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.ParentTaskID, t.Number, t.Description, t.Status,
		t.Module, t.Branch, fmtTime(t.Started), fmtTime(t.Completed), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	if err != nil {
		return &ConnectionError{Op: "insert task", Err: err}
	}
	return nil
}

// nextNumber allocates the next task number inside tx. The MAX read carries
// the dialect's row lock so concurrent creators serialize on the project.
func (s *sqlStore) nextNumber(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var max int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), 0) FROM tasks WHERE project_id = ?`+s.lockSuffix(), projectID).Scan(&max)
	if err != nil {
		return 0, &ConnectionError{Op: "allocate task number", Err: err}
	}
	return max + 1, nil
}

func (s *sqlStore) CreateTask(ctx context.Context, project, description string, update TaskUpdate) (Task, error) {
	var out Task
	err := s.withTx(ctx, "create task", func(tx *sql.Tx) error {
		p, err := s.projectByName(ctx, tx, project)
		if err != nil {
			return err
		}
		number, err := s.nextNumber(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		t := Task{
			ID:          uuid.NewString(),
			ProjectID:   p.ID,
			Number:      number,
			Description: description,
			Status:      TaskTodo,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		applyTaskUpdate(&t, update)
		if err := s.insertTask(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return out, nil
}

func (s *sqlStore) CreateSubtask(ctx context.Context, project string, parentNumber int, description string) (Task, error) {
	var out Task
	err := s.withTx(ctx, "create subtask", func(tx *sql.Tx) error {
		parent, err := s.taskByNumber(ctx, tx, project, parentNumber)
		if err != nil {
			return err
		}
		number, err := s.nextNumber(ctx, tx, parent.ProjectID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		t := Task{
			ID:           uuid.NewString(),
			ProjectID:    parent.ProjectID,
			ParentTaskID: parent.ID,
			Number:       number,
			Description:  description,
			Status:       TaskTodo,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.insertTask(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return out, nil
}

func (s *sqlStore) taskByNumber(ctx context.Context, q querier, project string, number int) (Task, error) {
	p, err := s.projectByName(ctx, q, project)
	if err != nil {
		return Task{}, err
	}
	t, err := scanTask(q.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE project_id = ? AND number = ?`, p.ID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, &NotFoundError{Kind: KindTask, Ref: taskRef(project, number)}
	}
	if err != nil {
		return Task{}, &ConnectionError{Op: "get task", Err: err}
	}
	return t, nil
}

func (s *sqlStore) GetTask(ctx context.Context, project string, number int) (Task, error) {
	return s.taskByNumber(ctx, s.db, project, number)
}

func (s *sqlStore) GetTaskFull(ctx context.Context, project string, number int) (TaskDetail, error) {
	t, err := s.taskByNumber(ctx, s.db, project, number)
	if err != nil {
		return TaskDetail{}, err
	}
	return s.taskDetail(ctx, t)
}

func (s *sqlStore) taskDetail(ctx context.Context, t Task) (TaskDetail, error) {
	d := TaskDetail{Task: t, Sections: make(map[string]string)}

	rows, err := s.db.QueryContext(ctx, `SELECT type, content FROM sections WHERE task_id = ?`, t.ID)
	if err != nil {
		return TaskDetail{}, &ConnectionError{Op: "get task sections", Err: err}
	}
	for rows.Next() {
		var typ, content string
		if err := rows.Scan(&typ, &content); err != nil {
			rows.Close()
			return TaskDetail{}, &ConnectionError{Op: "get task sections", Err: err}
		}
		d.Sections[typ] = content
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return TaskDetail{}, &ConnectionError{Op: "get task sections", Err: err}
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT t.number FROM task_deps d JOIN tasks t ON t.id = d.to_id WHERE d.from_id = ? ORDER BY t.number`, t.ID)
	if err != nil {
		return TaskDetail{}, &ConnectionError{Op: "get task dependencies", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return TaskDetail{}, &ConnectionError{Op: "get task dependencies", Err: err}
		}
		d.DependsOn = append(d.DependsOn, n)
	}
	return d, rows.Err()
}

func (s *sqlStore) ListTasks(ctx context.Context, project string) ([]TaskDetail, error) {
	p, err := s.projectByName(ctx, s.db, project)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE project_id = ? ORDER BY number`, p.ID)
	if err != nil {
		return nil, &ConnectionError{Op: "list tasks", Err: err}
	}
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, &ConnectionError{Op: "list tasks", Err: err}
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &ConnectionError{Op: "list tasks", Err: err}
	}
	rows.Close()

	var out []TaskDetail
	for _, t := range tasks {
		d, err := s.taskDetail(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *sqlStore) ListSubtasks(ctx context.Context, project string, parentNumber int) ([]Task, error) {
	parent, err := s.taskByNumber(ctx, s.db, project, parentNumber)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE parent_task_id = ? ORDER BY number`, parent.ID)
	if err != nil {
		return nil, &ConnectionError{Op: "list subtasks", Err: err}
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, &ConnectionError{Op: "list subtasks", Err: err}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateTask(ctx context.Context, project string, number int, update TaskUpdate) (Task, error) {
	var out Task
	err := s.withTx(ctx, "update task", func(tx *sql.Tx) error {
		t, err := s.taskByNumber(ctx, tx, project, number)
		if err != nil {
			return err
		}
		applyTaskUpdate(&t, update)
		t.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET description = ?, status = ?, module = ?, branch = ?, started = ?, completed = ?, updated_at = ?
			 WHERE id = ?`,
			t.Description, t.Status, t.Module, t.Branch, fmtTime(t.Started), fmtTime(t.Completed), fmtTime(t.UpdatedAt), t.ID)
		if err != nil {
			return &ConnectionError{Op: "update task", Err: err}
		}
		out = t
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return out, nil
}

// subtreeCTE selects the ids of a task and every transitive subtask.
const subtreeCTE = `
	WITH RECURSIVE subtree(id) AS (
		SELECT id FROM tasks WHERE id = ?
		UNION ALL
		SELECT t.id FROM tasks t JOIN subtree s ON t.parent_task_id = s.id
	)`

func (s *sqlStore) DeleteTask(ctx context.Context, project string, number int) error {
	return s.withTx(ctx, "delete task", func(tx *sql.Tx) error {
		root, err := s.taskByNumber(ctx, tx, project, number)
		if err != nil {
			return err
		}

		// One statement per dependent table, deepest first. Comment reply
		// chains hang off comments, which hang off findings, which hang off
		// sections.
		stmts := []string{
			subtreeCTE + `
			DELETE FROM comments WHERE finding_id IN (
				SELECT f.id FROM findings f
				JOIN sections sec ON sec.id = f.section_id
				WHERE sec.task_id IN (SELECT id FROM subtree))`,
			subtreeCTE + `
			DELETE FROM findings WHERE section_id IN (
				SELECT id FROM sections WHERE task_id IN (SELECT id FROM subtree))`,
			subtreeCTE + `DELETE FROM sections WHERE task_id IN (SELECT id FROM subtree)`,
			subtreeCTE + `
			DELETE FROM workflow_steps WHERE run_id IN (
				SELECT id FROM workflow_runs WHERE task_id IN (SELECT id FROM subtree))`,
			subtreeCTE + `DELETE FROM workflow_runs WHERE task_id IN (SELECT id FROM subtree)`,
			subtreeCTE + `DELETE FROM task_deps WHERE from_id IN (SELECT id FROM subtree) OR to_id IN (SELECT id FROM subtree)`,
			subtreeCTE + `DELETE FROM leases WHERE task_id IN (SELECT id FROM subtree)`,
			subtreeCTE + `DELETE FROM execution_records WHERE task_id IN (SELECT id FROM subtree)`,
			subtreeCTE + `DELETE FROM tasks WHERE id IN (SELECT id FROM subtree)`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, root.ID); err != nil {
				return &ConnectionError{Op: "delete task", Err: err}
			}
		}
		return s.sweepOrphanReplies(ctx, tx)
	})
}

// sweepOrphanReplies removes reply comments whose parent was deleted,
// repeating until the reply chains are fully unwound.
func (s *sqlStore) sweepOrphanReplies(ctx context.Context, tx *sql.Tx) error {
	for {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM comments WHERE parent_comment_id <> ''
			 AND parent_comment_id NOT IN (SELECT id FROM (SELECT id FROM comments) AS c)`)
		if err != nil {
			return &ConnectionError{Op: "delete comments", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// Dependencies
// ---------------------------------------------------------------------------

func (s *sqlStore) AddDependency(ctx context.Context, project string, from, to int) error {
	return s.withTx(ctx, "add dependency", func(tx *sql.Tx) error {
		return s.addDependencyTx(ctx, tx, project, from, to)
	})
}

func (s *sqlStore) addDependencyTx(ctx context.Context, tx *sql.Tx, project string, from, to int) error {
	fromTask, err := s.taskByNumber(ctx, tx, project, from)
	if err != nil {
		return err
	}
	toTask, err := s.taskByNumber(ctx, tx, project, to)
	if err != nil {
		return err
	}
	if fromTask.ID == toTask.ID {
		return &CycleError{Project: project, From: from, To: to}
	}

	// Reachability from the target back to the source inside the same
	// transaction. The edge is only written when no path exists.
	var n int
	err = tx.QueryRowContext(ctx, `
		WITH RECURSIVE reach(id) AS (
			SELECT to_id FROM task_deps WHERE from_id = ?
			UNION
			SELECT d.to_id FROM task_deps d JOIN reach r ON d.from_id = r.id
		)
		SELECT COUNT(*) FROM reach WHERE id = ?`, toTask.ID, fromTask.ID).Scan(&n)
	if err != nil {
		return &ConnectionError{Op: "add dependency", Err: err}
	}
	if n > 0 {
		return &CycleError{Project: project, From: from, To: to}
	}

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_deps WHERE from_id = ? AND to_id = ?`,
		fromTask.ID, toTask.ID).Scan(&exists); err != nil {
		return &ConnectionError{Op: "add dependency", Err: err}
	}
	if exists > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_deps (from_id, to_id) VALUES (?, ?)`, fromTask.ID, toTask.ID); err != nil {
		return &ConnectionError{Op: "add dependency", Err: err}
	}
	return nil
}

func (s *sqlStore) RemoveDependency(ctx context.Context, project string, from, to int) error {
	return s.withTx(ctx, "remove dependency", func(tx *sql.Tx) error {
		fromTask, err := s.taskByNumber(ctx, tx, project, from)
		if err != nil {
			return err
		}
		toTask, err := s.taskByNumber(ctx, tx, project, to)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_deps WHERE from_id = ? AND to_id = ?`, fromTask.ID, toTask.ID); err != nil {
			return &ConnectionError{Op: "remove dependency", Err: err}
		}
		return nil
	})
}

func (s *sqlStore) ListDependencies(ctx context.Context, project string, number int) ([]Task, error) {
	t, err := s.taskByNumber(ctx, s.db, project, number)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixedTaskCols("t")+` FROM task_deps d JOIN tasks t ON t.id = d.to_id
		 WHERE d.from_id = ? ORDER BY t.number`, t.ID)
	if err != nil {
		return nil, &ConnectionError{Op: "list dependencies", Err: err}
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		dep, err := scanTask(rows)
		if err != nil {
			return nil, &ConnectionError{Op: "list dependencies", Err: err}
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

func prefixedTaskCols(alias string) string {
	return alias + ".id, " + alias + ".project_id, " + alias + ".parent_task_id, " + alias + ".number, " +
		alias + ".description, " + alias + ".status, " + alias + ".module, " + alias + ".branch, " +
		alias + ".started, " + alias + ".completed, " + alias + ".created_at, " + alias + ".updated_at"
}

// SyncDependencies replaces the task's outgoing edge set in one
// transaction: the delete and every insert commit together or roll back
// together, so a cycle rejection leaves the old set untouched.
func (s *sqlStore) SyncDependencies(ctx context.Context, project string, number int, dependsOn []int) error {
	return s.withTx(ctx, "sync dependencies", func(tx *sql.Tx) error {
		t, err := s.taskByNumber(ctx, tx, project, number)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE from_id = ?`, t.ID); err != nil {
			return &ConnectionError{Op: "sync dependencies", Err: err}
		}
		for _, dep := range dependsOn {
			if err := s.addDependencyTx(ctx, tx, project, number, dep); err != nil {
				return err
			}
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Sections
// ---------------------------------------------------------------------------

const sectionCols = `id, task_id, type, content, created_at, updated_at`

func scanSection(row interface{ Scan(...any) error }) (Section, error) {
	var sec Section
	var created, updated string
	if err := row.Scan(&sec.ID, &sec.TaskID, &sec.Type, &sec.Content, &created, &updated); err != nil {
		return Section{}, err
	}
	sec.CreatedAt = parseTime(created)
	sec.UpdatedAt = parseTime(updated)
	return sec, nil
}

func (s *sqlStore) sectionByType(ctx context.Context, q querier, taskID, sectionType string) (Section, error) {
	sec, err := scanSection(q.QueryRowContext(ctx,
		`SELECT `+sectionCols+` FROM sections WHERE task_id = ? AND type = ?`, taskID, sectionType))
	if errors.Is(err, sql.ErrNoRows) {
		return Section{}, &NotFoundError{Kind: KindSection, Ref: sectionType}
	}
	if err != nil {
		return Section{}, &ConnectionError{Op: "get section", Err: err}
	}
	return sec, nil
}

func (s *sqlStore) UpsertSection(ctx context.Context, project string, number int, sectionType string) (Section, error) {
	var out Section
	err := s.withTx(ctx, "upsert section", func(tx *sql.Tx) error {
		t, err := s.taskByNumber(ctx, tx, project, number)
		if err != nil {
			return err
		}
		sec, err := s.sectionByType(ctx, tx, t.ID, sectionType)
		if err == nil {
			out = sec
			return nil
		}
		if !IsNotFound(err) {
			return err
		}
		now := time.Now().UTC()
		out = Section{ID: uuid.NewString(), TaskID: t.ID, Type: sectionType, CreatedAt: now, UpdatedAt: now}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sections (`+sectionCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
			out.ID, out.TaskID, out.Type, out.Content, fmtTime(out.CreatedAt), fmtTime(out.UpdatedAt))
		if err != nil {
			return &ConnectionError{Op: "upsert section", Err: err}
		}
		return nil
	})
	if err != nil {
		return Section{}, err
	}
	return out, nil
}

func (s *sqlStore) GetSection(ctx context.Context, project string, number int, sectionType string) (Section, error) {
	t, err := s.taskByNumber(ctx, s.db, project, number)
	if err != nil {
		return Section{}, err
	}
	return s.sectionByType(ctx, s.db, t.ID, sectionType)
}

func (s *sqlStore) SetSectionContent(ctx context.Context, project string, number int, sectionType, content string) (Section, error) {
	var out Section
	err := s.withTx(ctx, "set section content", func(tx *sql.Tx) error {
		t, err := s.taskByNumber(ctx, tx, project, number)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		sec, err := s.sectionByType(ctx, tx, t.ID, sectionType)
		if IsNotFound(err) {
			sec = Section{ID: uuid.NewString(), TaskID: t.ID, Type: sectionType, CreatedAt: now}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sections (`+sectionCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
				sec.ID, sec.TaskID, sec.Type, content, fmtTime(now), fmtTime(now)); err != nil {
				return &ConnectionError{Op: "set section content", Err: err}
			}
			sec.Content = content
			sec.UpdatedAt = now
			out = sec
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sections SET content = ?, updated_at = ? WHERE id = ?`,
			content, fmtTime(now), sec.ID); err != nil {
			return &ConnectionError{Op: "set section content", Err: err}
		}
		sec.Content = content
		sec.UpdatedAt = now
		out = sec
		return nil
	})
	if err != nil {
		return Section{}, err
	}
	return out, nil
}

func (s *sqlStore) DeleteSection(ctx context.Context, project string, number int, sectionType string) error {
	return s.withTx(ctx, "delete section", func(tx *sql.Tx) error {
		t, err := s.taskByNumber(ctx, tx, project, number)
		if err != nil {
			return err
		}
		sec, err := s.sectionByType(ctx, tx, t.ID, sectionType)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM comments WHERE finding_id IN (SELECT id FROM findings WHERE section_id = ?)`, sec.ID); err != nil {
			return &ConnectionError{Op: "delete section", Err: err}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM findings WHERE section_id = ?`, sec.ID); err != nil {
			return &ConnectionError{Op: "delete section", Err: err}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE id = ?`, sec.ID); err != nil {
			return &ConnectionError{Op: "delete section", Err: err}
		}
		return s.sweepOrphanReplies(ctx, tx)
	})
}

// ---------------------------------------------------------------------------
// Findings
// ---------------------------------------------------------------------------

const findingCols = `f.id, f.section_id, sec.type, f.text, f.status, f.severity, f.author, f.file,
	f.line_start, f.line_end, f.resolution, f.resolved_at, f.created_at`

func scanFinding(row interface{ Scan(...any) error }) (Finding, error) {
	var f Finding
	var resolved, created string
	if err := row.Scan(&f.ID, &f.SectionID, &f.SectionType, &f.Text, &f.Status, &f.Severity, &f.Author,
		&f.File, &f.LineStart, &f.LineEnd, &f.Resolution, &resolved, &created); err != nil {
		return Finding{}, err
	}
	f.ResolvedAt = parseTime(resolved)
	f.CreatedAt = parseTime(created)
	return f, nil
}

func (s *sqlStore) AddFinding(ctx context.Context, project string, number int, sectionType string, in FindingInput) (Finding, error) {
	var out Finding
	err := s.withTx(ctx, "add finding", func(tx *sql.Tx) error {
		t, err := s.taskByNumber(ctx, tx, project, number)
		if err != nil {
			return err
		}
		sec, err := s.sectionByType(ctx, tx, t.ID, sectionType)
		if err != nil {
			return err
		}
		out = Finding{
			ID:          uuid.NewString(),
			SectionID:   sec.ID,
			SectionType: sec.Type,
			Text:        in.Text,
			Status:      FindingOpen,
			Severity:    in.Severity,
			Author:      in.Author,
			File:        in.File,
			LineStart:   in.LineStart,
			LineEnd:     in.LineEnd,
			CreatedAt:   time.Now().UTC(),
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO findings (id, section_id, text, status, severity, author, file, line_start, line_end, resolution, resolved_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			out.ID, out.SectionID, out.Text, out.Status, out.Severity, out.Author, out.File,
			out.LineStart, out.LineEnd, "", "", fmtTime(out.CreatedAt))
		if err != nil {
			return &ConnectionError{Op: "add finding", Err: err}
		}
		return nil
	})
	if err != nil {
		return Finding{}, err
	}
	return out, nil
}

func (s *sqlStore) findingByID(ctx context.Context, q querier, id string) (Finding, error) {
	f, err := scanFinding(q.QueryRowContext(ctx,
		`SELECT `+findingCols+` FROM findings f JOIN sections sec ON sec.id = f.section_id WHERE f.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Finding{}, &NotFoundError{Kind: KindFinding, Ref: id}
	}
	if err != nil {
		return Finding{}, &ConnectionError{Op: "get finding", Err: err}
	}
	return f, nil
}

func (s *sqlStore) GetFinding(ctx context.Context, id string) (Finding, error) {
	return s.findingByID(ctx, s.db, id)
}

func (s *sqlStore) ResolveFinding(ctx context.Context, id, response string) (Finding, error) {
	return s.closeFinding(ctx, id, FindingResolved, response, ErrResponseRequired)
}

func (s *sqlStore) DeclineFinding(ctx context.Context, id, reason string) (Finding, error) {
	return s.closeFinding(ctx, id, FindingDeclined, reason, ErrReasonRequired)
}

func (s *sqlStore) closeFinding(ctx context.Context, id string, to FindingStatus, resolution string, emptyErr error) (Finding, error) {
	if resolution == "" {
		return Finding{}, emptyErr
	}
	var out Finding
	err := s.withTx(ctx, "close finding", func(tx *sql.Tx) error {
		f, err := s.findingByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if f.Status != FindingOpen {
			return &IllegalTransitionError{Kind: KindFinding, Ref: id, From: string(f.Status), To: string(to)}
		}
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE findings SET status = ?, resolution = ?, resolved_at = ? WHERE id = ?`,
			to, resolution, fmtTime(now), id)
		if err != nil {
			return &ConnectionError{Op: "close finding", Err: err}
		}
		f.Status = to
		f.Resolution = resolution
		f.ResolvedAt = now
		out = f
		return nil
	})
	if err != nil {
		return Finding{}, err
	}
	return out, nil
}

func (s *sqlStore) ListFindings(ctx context.Context, project string, number int, filter FindingFilter) ([]Finding, error) {
	t, err := s.taskByNumber(ctx, s.db, project, number)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + findingCols + ` FROM findings f
		JOIN sections sec ON sec.id = f.section_id
		WHERE sec.task_id = ?`
	args := []any{t.ID}
	if filter.SectionType != "" {
		query += ` AND sec.type = ?`
		args = append(args, filter.SectionType)
	}
	if filter.Status != "" {
		query += ` AND f.status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY f.created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ConnectionError{Op: "list findings", Err: err}
	}
	defer rows.Close()
	var out []Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, &ConnectionError{Op: "list findings", Err: err}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListOpenFindings(ctx context.Context, project string, number int, sectionTypes []string) ([]Finding, error) {
	all, err := s.ListFindings(ctx, project, number, FindingFilter{Status: FindingOpen})
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

func (s *sqlStore) AddComment(ctx context.Context, findingID, text, author string) (Comment, error) {
	if _, err := s.findingByID(ctx, s.db, findingID); err != nil {
		return Comment{}, err
	}
	c := Comment{ID: uuid.NewString(), FindingID: findingID, Text: text, Author: author, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (id, finding_id, parent_comment_id, text, author, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.FindingID, "", c.Text, c.Author, fmtTime(c.CreatedAt))
	if err != nil {
		return Comment{}, &ConnectionError{Op: "add comment", Err: err}
	}
	return c, nil
}

func (s *sqlStore) ReplyToComment(ctx context.Context, commentID, text, author string) (Comment, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM comments WHERE id = ?`, commentID).Scan(&n); err != nil {
		return Comment{}, &ConnectionError{Op: "reply to comment", Err: err}
	}
	if n == 0 {
		return Comment{}, &NotFoundError{Kind: KindComment, Ref: commentID}
	}
	c := Comment{ID: uuid.NewString(), ParentCommentID: commentID, Text: text, Author: author, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (id, finding_id, parent_comment_id, text, author, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, "", c.ParentCommentID, c.Text, c.Author, fmtTime(c.CreatedAt))
	if err != nil {
		return Comment{}, &ConnectionError{Op: "reply to comment", Err: err}
	}
	return c, nil
}

func (s *sqlStore) ListComments(ctx context.Context, findingID string) ([]Comment, error) {
	if _, err := s.findingByID(ctx, s.db, findingID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, finding_id, parent_comment_id, text, author, created_at FROM comments
		 WHERE finding_id = ? ORDER BY created_at`, findingID)
	if err != nil {
		return nil, &ConnectionError{Op: "list comments", Err: err}
	}
	defer rows.Close()
	var out []Comment
	for rows.Next() {
		var c Comment
		var created string
		if err := rows.Scan(&c.ID, &c.FindingID, &c.ParentCommentID, &c.Text, &c.Author, &created); err != nil {
			return nil, &ConnectionError{Op: "list comments", Err: err}
		}
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Workflow runs and steps
// ---------------------------------------------------------------------------

func (s *sqlStore) CreateWorkflowRun(ctx context.Context, project string, number int, runType string, stepNames []string) (WorkflowRun, error) {
	var out WorkflowRun
	err := s.withTx(ctx, "create workflow run", func(tx *sql.Tx) error {
		t, err := s.taskByNumber(ctx, tx, project, number)
		if err != nil {
			return err
		}
		out = WorkflowRun{
			ID:        uuid.NewString(),
			TaskID:    t.ID,
			Type:      runType,
			Status:    RunPending,
			StartedAt: time.Now().UTC(),
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_runs (id, task_id, type, status, started_at, completed_at) VALUES (?, ?, ?, ?, ?, ?)`,
			out.ID, out.TaskID, out.Type, out.Status, fmtTime(out.StartedAt), "")
		if err != nil {
			return &ConnectionError{Op: "create workflow run", Err: err}
		}
		for i, name := range stepNames {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO workflow_steps (id, run_id, name, idx, status, output, started_at, completed_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), out.ID, name, i, StepPending, "", "", "")
			if err != nil {
				return &ConnectionError{Op: "create workflow run", Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return WorkflowRun{}, err
	}
	return out, nil
}

func scanRun(row interface{ Scan(...any) error }) (WorkflowRun, error) {
	var r WorkflowRun
	var started, completed string
	if err := row.Scan(&r.ID, &r.TaskID, &r.Type, &r.Status, &started, &completed); err != nil {
		return WorkflowRun{}, err
	}
	r.StartedAt = parseTime(started)
	r.CompletedAt = parseTime(completed)
	return r, nil
}

func (s *sqlStore) GetWorkflowRun(ctx context.Context, runID string) (WorkflowRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, task_id, type, status, started_at, completed_at FROM workflow_runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return WorkflowRun{}, &NotFoundError{Kind: KindWorkflowRun, Ref: runID}
	}
	if err != nil {
		return WorkflowRun{}, &ConnectionError{Op: "get workflow run", Err: err}
	}
	return r, nil
}

func (s *sqlStore) UpdateWorkflowRunStatus(ctx context.Context, runID string, status RunStatus) (WorkflowRun, error) {
	var out WorkflowRun
	err := s.withTx(ctx, "update workflow run", func(tx *sql.Tx) error {
		r, err := scanRun(tx.QueryRowContext(ctx,
			`SELECT id, task_id, type, status, started_at, completed_at FROM workflow_runs WHERE id = ?`, runID))
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Kind: KindWorkflowRun, Ref: runID}
		}
		if err != nil {
			return &ConnectionError{Op: "update workflow run", Err: err}
		}
		r.Status = status
		if status == RunCompleted || status == RunFailed {
			r.CompletedAt = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE workflow_runs SET status = ?, completed_at = ? WHERE id = ?`,
			r.Status, fmtTime(r.CompletedAt), r.ID)
		if err != nil {
			return &ConnectionError{Op: "update workflow run", Err: err}
		}
		out = r
		return nil
	})
	if err != nil {
		return WorkflowRun{}, err
	}
	return out, nil
}

func (s *sqlStore) ListWorkflowRuns(ctx context.Context, project string, number int) ([]WorkflowRun, error) {
	t, err := s.taskByNumber(ctx, s.db, project, number)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, type, status, started_at, completed_at FROM workflow_runs
		 WHERE task_id = ? ORDER BY started_at`, t.ID)
	if err != nil {
		return nil, &ConnectionError{Op: "list workflow runs", Err: err}
	}
	defer rows.Close()
	var out []WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, &ConnectionError{Op: "list workflow runs", Err: err}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const stepCols = `id, run_id, name, idx, status, output, started_at, completed_at`

func scanStep(row interface{ Scan(...any) error }) (WorkflowStep, error) {
	var st WorkflowStep
	var started, completed string
	if err := row.Scan(&st.ID, &st.RunID, &st.Name, &st.Index, &st.Status, &st.Output, &started, &completed); err != nil {
		return WorkflowStep{}, err
	}
	st.StartedAt = parseTime(started)
	st.CompletedAt = parseTime(completed)
	return st, nil
}

func (s *sqlStore) GetWorkflowStep(ctx context.Context, runID, name string) (WorkflowStep, error) {
	st, err := scanStep(s.db.QueryRowContext(ctx,
		`SELECT `+stepCols+` FROM workflow_steps WHERE run_id = ? AND name = ?`, runID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return WorkflowStep{}, &NotFoundError{Kind: KindWorkflowStep, Ref: runID + "/" + name}
	}
	if err != nil {
		return WorkflowStep{}, &ConnectionError{Op: "get workflow step", Err: err}
	}
	return st, nil
}

func (s *sqlStore) ListWorkflowSteps(ctx context.Context, runID string) ([]WorkflowStep, error) {
	if _, err := s.GetWorkflowRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepCols+` FROM workflow_steps WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, &ConnectionError{Op: "list workflow steps", Err: err}
	}
	defer rows.Close()
	var out []WorkflowStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, &ConnectionError{Op: "list workflow steps", Err: err}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateWorkflowStep(ctx context.Context, runID, name string, status StepStatus, output string) (WorkflowStep, error) {
	var out WorkflowStep
	err := s.withTx(ctx, "update workflow step", func(tx *sql.Tx) error {
		st, err := scanStep(tx.QueryRowContext(ctx,
			`SELECT `+stepCols+` FROM workflow_steps WHERE run_id = ? AND name = ?`, runID, name))
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Kind: KindWorkflowStep, Ref: runID + "/" + name}
		}
		if err != nil {
			return &ConnectionError{Op: "update workflow step", Err: err}
		}
		now := time.Now().UTC()
		st.Status = status
		switch status {
		case StepRunning:
			if st.StartedAt.IsZero() {
				st.StartedAt = now
			}
		case StepCompleted, StepFailed, StepSkipped:
			st.CompletedAt = now
		}
		if output != "" {
			st.Output = output
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE workflow_steps SET status = ?, output = ?, started_at = ?, completed_at = ? WHERE id = ?`,
			st.Status, st.Output, fmtTime(st.StartedAt), fmtTime(st.CompletedAt), st.ID)
		if err != nil {
			return &ConnectionError{Op: "update workflow step", Err: err}
		}
		out = st
		return nil
	})
	if err != nil {
		return WorkflowStep{}, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Leases
// ---------------------------------------------------------------------------

func (s *sqlStore) AcquireLease(ctx context.Context, project string, number int, holder string) (Lease, error) {
	var out Lease
	err := s.withTx(ctx, "acquire lease", func(tx *sql.Tx) error {
		t, err := s.taskByNumber(ctx, tx, project, number)
		if err != nil {
			return err
		}
		var existing string
		err = tx.QueryRowContext(ctx,
			`SELECT holder FROM leases WHERE task_id = ?`+s.lockSuffix(), t.ID).Scan(&existing)
		if err == nil {
			return &ConflictError{Kind: KindTask, Ref: taskRef(project, number), Reason: "lease held by " + existing}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return &ConnectionError{Op: "acquire lease", Err: err}
		}
		out = Lease{TaskID: t.ID, Holder: holder, AcquiredAt: time.Now().UTC()}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO leases (task_id, holder, acquired_at) VALUES (?, ?, ?)`,
			out.TaskID, out.Holder, fmtTime(out.AcquiredAt))
		if err != nil {
			// A concurrent acquirer may win the primary-key race.
			return &ConflictError{Kind: KindTask, Ref: taskRef(project, number), Reason: "lease already held"}
		}
		return nil
	})
	if err != nil {
		return Lease{}, err
	}
	return out, nil
}

func (s *sqlStore) ReleaseLease(ctx context.Context, project string, number int, holder string) error {
	return s.withTx(ctx, "release lease", func(tx *sql.Tx) error {
		t, err := s.taskByNumber(ctx, tx, project, number)
		if err != nil {
			return err
		}
		var existing string
		err = tx.QueryRowContext(ctx,
			`SELECT holder FROM leases WHERE task_id = ?`+s.lockSuffix(), t.ID).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Kind: KindTask, Ref: taskRef(project, number) + " lease"}
		}
		if err != nil {
			return &ConnectionError{Op: "release lease", Err: err}
		}
		if existing != holder {
			return &ConflictError{Kind: KindTask, Ref: taskRef(project, number), Reason: "lease held by " + existing}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id = ?`, t.ID); err != nil {
			return &ConnectionError{Op: "release lease", Err: err}
		}
		return nil
	})
}

func (s *sqlStore) LeaseHolder(ctx context.Context, project string, number int) (string, error) {
	t, err := s.taskByNumber(ctx, s.db, project, number)
	if err != nil {
		return "", err
	}
	var holder string
	err = s.db.QueryRowContext(ctx, `SELECT holder FROM leases WHERE task_id = ?`, t.ID).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", &ConnectionError{Op: "lease holder", Err: err}
	}
	return holder, nil
}

// ---------------------------------------------------------------------------
// Execution records
// ---------------------------------------------------------------------------

func (s *sqlStore) AppendExecutionRecord(ctx context.Context, project string, number int, rec ExecutionRecord) (ExecutionRecord, error) {
	t, err := s.taskByNumber(ctx, s.db, project, number)
	if err != nil {
		return ExecutionRecord{}, err
	}
	rec.ID = uuid.NewString()
	rec.TaskID = t.ID
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_records (id, task_id, step_name, attempt, session_id, outcome, exit_code, started_at, ended_at, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.StepName, rec.Attempt, rec.SessionID, rec.Outcome, rec.ExitCode,
		fmtTime(rec.StartedAt), fmtTime(rec.EndedAt), rec.InputTokens, rec.OutputTokens, rec.CostUSD)
	if err != nil {
		return ExecutionRecord{}, &ConnectionError{Op: "append execution record", Err: err}
	}
	return rec, nil
}

func (s *sqlStore) ListExecutionRecords(ctx context.Context, project string, number int) ([]ExecutionRecord, error) {
	t, err := s.taskByNumber(ctx, s.db, project, number)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, step_name, attempt, session_id, outcome, exit_code, started_at, ended_at, input_tokens, output_tokens, cost_usd
		 FROM execution_records WHERE task_id = ? ORDER BY started_at, attempt`, t.ID)
	if err != nil {
		return nil, &ConnectionError{Op: "list execution records", Err: err}
	}
	defer rows.Close()
	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var started, ended string
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.StepName, &rec.Attempt, &rec.SessionID, &rec.Outcome,
			&rec.ExitCode, &started, &ended, &rec.InputTokens, &rec.OutputTokens, &rec.CostUSD); err != nil {
			return nil, &ConnectionError{Op: "list execution records", Err: err}
		}
		rec.StartedAt = parseTime(started)
		rec.EndedAt = parseTime(ended)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Roles
// ---------------------------------------------------------------------------

func (s *sqlStore) CreateRole(ctx context.Context, name string) (Role, error) {
	var out Role
	err := s.withTx(ctx, "create role", func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM roles WHERE name = ?`+s.lockSuffix(), name).Scan(&n); err != nil {
			return &ConnectionError{Op: "create role", Err: err}
		}
		if n > 0 {
			return &ConflictError{Kind: KindRole, Ref: name, Reason: "name already exists"}
		}
		out = Role{ID: uuid.NewString(), Name: name}
		if _, err := tx.ExecContext(ctx, `INSERT INTO roles (id, name) VALUES (?, ?)`, out.ID, out.Name); err != nil {
			return &ConnectionError{Op: "create role", Err: err}
		}
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	return out, nil
}

func (s *sqlStore) roleByName(ctx context.Context, name string) (Role, error) {
	var r Role
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM roles WHERE name = ?`, name).Scan(&r.ID, &r.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Role{}, &NotFoundError{Kind: KindRole, Ref: name}
	}
	if err != nil {
		return Role{}, &ConnectionError{Op: "get role", Err: err}
	}
	return r, nil
}

func (s *sqlStore) GrantCapability(ctx context.Context, roleName string, cap Capability) error {
	r, err := s.roleByName(ctx, roleName)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO role_caps (role_id, verb, kind, operation) VALUES (?, ?, ?, ?)`,
		r.ID, cap.Verb, cap.Kind, cap.Operation)
	if err != nil {
		return &ConnectionError{Op: "grant capability", Err: err}
	}
	return nil
}

func (s *sqlStore) Authorize(ctx context.Context, roleName string, verb Verb, kind NodeKind, operation string) (bool, error) {
	r, err := s.roleByName(ctx, roleName)
	if err != nil {
		return false, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM role_caps WHERE role_id = ? AND verb = ? AND kind = ? AND (operation = '' OR operation = ?)`,
		r.ID, verb, kind, operation).Scan(&n)
	if err != nil {
		return false, &ConnectionError{Op: "authorize", Err: err}
	}
	return n > 0, nil
}
