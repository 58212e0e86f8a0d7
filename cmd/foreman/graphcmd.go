package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/foremanproject/foreman/graph"
)

func newWorkspaceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Manage workspaces",
	}

	var description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := a.store.CreateWorkspace(cmd.Context(), args[0], description)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workspace %s created (%s)\n", ws.Name, ws.ID)
			return nil
		},
	}
	create.Flags().StringVar(&description, "description", "", "workspace description")

	list := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspaces, err := a.store.ListWorkspaces(cmd.Context())
			if err != nil {
				return err
			}
			for _, ws := range workspaces {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ws.Name, ws.Description)
			}
			return nil
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func newProjectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	var workspace, parent, description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project under a workspace or another project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parentKind, parentName := graph.KindWorkspace, workspace
			if parent != "" {
				parentKind, parentName = graph.KindProject, parent
			}
			if parentName == "" {
				return fmt.Errorf("either --workspace or --parent is required")
			}
			proj, err := a.store.CreateProject(cmd.Context(), parentKind, parentName, args[0], description)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %s created (%s)\n", proj.Name, proj.ID)
			return nil
		},
	}
	create.Flags().StringVar(&workspace, "workspace", "", "parent workspace name")
	create.Flags().StringVar(&parent, "parent", "", "parent project name")
	create.Flags().StringVar(&description, "description", "", "project description")

	var listParent string
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects under a parent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := a.store.ListProjects(cmd.Context(), listParent)
			if err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.Name, p.Description)
			}
			return nil
		},
	}
	list.Flags().StringVar(&listParent, "parent", "", "parent workspace or project name")
	_ = list.MarkFlagRequired("parent")

	rename := &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := a.store.RenameProject(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project renamed to %s\n", proj.Name)
			return nil
		},
	}

	cmd.AddCommand(create, list, rename)
	return cmd
}

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}

	var parent int
	create := &cobra.Command{
		Use:   "create <project> <description>",
		Short: "Create a task, or a subtask with --parent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task graph.Task
			var err error
			if parent > 0 {
				task, err = a.store.CreateSubtask(cmd.Context(), args[0], parent, args[1])
			} else {
				task, err = a.store.CreateTask(cmd.Context(), args[0], args[1], graph.TaskUpdate{})
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s#%d created\n", args[0], task.Number)
			return nil
		},
	}
	create.Flags().IntVar(&parent, "parent", 0, "parent task number (creates a subtask)")

	show := &cobra.Command{
		Use:   "show <project> <number>",
		Short: "Show a task with its sections and dependencies",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumber(args[1])
			if err != nil {
				return err
			}
			detail, err := a.store.GetTaskFull(cmd.Context(), args[0], number)
			if err != nil {
				return err
			}
			printTaskDetail(cmd, detail)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list <project>",
		Short: "List a project's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := a.store.ListTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "#%d\t%s\t%s\n", t.Number, t.Status, t.Description)
			}
			return nil
		},
	}

	var status, module, branch string
	update := &cobra.Command{
		Use:   "update <project> <number>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumber(args[1])
			if err != nil {
				return err
			}
			var upd graph.TaskUpdate
			if cmd.Flags().Changed("status") {
				s := graph.TaskStatus(status)
				upd.Status = &s
			}
			if cmd.Flags().Changed("module") {
				upd.Module = &module
			}
			if cmd.Flags().Changed("branch") {
				upd.Branch = &branch
			}
			task, err := a.store.UpdateTask(cmd.Context(), args[0], number, upd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s#%d updated (%s)\n", args[0], task.Number, task.Status)
			return nil
		},
	}
	update.Flags().StringVar(&status, "status", "", "task status (todo|work|done|approved|hold)")
	update.Flags().StringVar(&module, "module", "", "module the task touches")
	update.Flags().StringVar(&branch, "branch", "", "working branch")

	del := &cobra.Command{
		Use:   "delete <project> <number>",
		Short: "Delete a task and everything attached to it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumber(args[1])
			if err != nil {
				return err
			}
			if err := a.store.DeleteTask(cmd.Context(), args[0], number); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s#%d deleted\n", args[0], number)
			return nil
		},
	}

	dep := &cobra.Command{
		Use:   "dep",
		Short: "Manage task dependencies",
	}
	depAdd := &cobra.Command{
		Use:   "add <project> <from> <to>",
		Short: "Record that task <from> depends on task <to>",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseNumber(args[1])
			if err != nil {
				return err
			}
			to, err := parseNumber(args[2])
			if err != nil {
				return err
			}
			return a.store.AddDependency(cmd.Context(), args[0], from, to)
		},
	}
	depRemove := &cobra.Command{
		Use:   "remove <project> <from> <to>",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseNumber(args[1])
			if err != nil {
				return err
			}
			to, err := parseNumber(args[2])
			if err != nil {
				return err
			}
			return a.store.RemoveDependency(cmd.Context(), args[0], from, to)
		},
	}
	dep.AddCommand(depAdd, depRemove)

	cmd.AddCommand(create, show, list, update, del, dep)
	return cmd
}

func newFindingCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finding",
		Short: "Inspect and close review findings",
	}

	var section, status string
	list := &cobra.Command{
		Use:   "list <project> <number>",
		Short: "List a task's findings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumber(args[1])
			if err != nil {
				return err
			}
			findings, err := a.store.ListFindings(cmd.Context(), args[0], number, graph.FindingFilter{
				SectionType: section,
				Status:      graph.FindingStatus(status),
			})
			if err != nil {
				return err
			}
			for _, f := range findings {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", f.ID, f.SectionType, f.Status, f.Text)
			}
			return nil
		},
	}
	list.Flags().StringVar(&section, "section", "", "filter by section type")
	list.Flags().StringVar(&status, "status", "", "filter by status (open|resolved|declined)")

	resolve := &cobra.Command{
		Use:   "resolve <id> <response>",
		Short: "Resolve a finding with a response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := a.store.ResolveFinding(cmd.Context(), args[0], args[1])
			return err
		},
	}

	decline := &cobra.Command{
		Use:   "decline <id> <reason>",
		Short: "Decline a finding with a reason",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := a.store.DeclineFinding(cmd.Context(), args[0], args[1])
			return err
		},
	}

	cmd.AddCommand(list, resolve, decline)
	return cmd
}

func parseNumber(arg string) (int, error) {
	number, err := strconv.Atoi(arg)
	if err != nil || number < 1 {
		return 0, fmt.Errorf("invalid task number %q", arg)
	}
	return number, nil
}

func printTaskDetail(cmd *cobra.Command, detail graph.TaskDetail) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "#%d %s\n", detail.Number, detail.Description)
	fmt.Fprintf(out, "status: %s\n", detail.Status)
	if detail.Module != "" {
		fmt.Fprintf(out, "module: %s\n", detail.Module)
	}
	if detail.Branch != "" {
		fmt.Fprintf(out, "branch: %s\n", detail.Branch)
	}
	if len(detail.DependsOn) > 0 {
		fmt.Fprintf(out, "depends on: %v\n", detail.DependsOn)
	}
	types := make([]string, 0, len(detail.Sections))
	for t := range detail.Sections {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(out, "\n[%s]\n%s\n", t, detail.Sections[t])
	}
}
