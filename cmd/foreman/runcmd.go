package main

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/foremanproject/foreman/review"
	"github.com/foremanproject/foreman/session"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage workflow runs",
	}

	start := &cobra.Command{
		Use:   "start <project> <number> <type>",
		Short: "Start a workflow run (interview, plan, or implement)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumber(args[1])
			if err != nil {
				return err
			}
			run, err := a.engine().StartRun(cmd.Context(), args[0], number, args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s started (%s)\n", run.ID, run.Type)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list <project> <number>",
		Short: "List a task's workflow runs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumber(args[1])
			if err != nil {
				return err
			}
			runs, err := a.store.ListWorkflowRuns(cmd.Context(), args[0], number)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", r.ID, r.Type, r.Status)
			}
			return nil
		},
	}

	steps := &cobra.Command{
		Use:   "steps <run-id>",
		Short: "List a run's steps in template order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := a.store.ListWorkflowSteps(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, s := range steps {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", s.Index, s.Name, s.Status)
			}
			return nil
		},
	}

	var agent, prompt, sessionID string
	exec := &cobra.Command{
		Use:   "exec <project> <number> <run-id> <step>",
		Short: "Drive one step with an agent session, recovering per schedule",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumber(args[1])
			if err != nil {
				return err
			}
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}
			res, err := a.controller().RunStep(cmd.Context(), args[0], number, args[2], args[3],
				session.Request{Agent: agent, Prompt: prompt, SessionID: sessionID})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "step %s completed (session %s, cost $%.2f)\n",
				args[3], res.SessionID, res.Usage.CostUSD)
			return nil
		},
	}
	exec.Flags().StringVar(&agent, "agent", "", "agent definition to launch")
	exec.Flags().StringVar(&prompt, "prompt", "", "prompt for the step")
	exec.Flags().StringVar(&sessionID, "session", "", "session id to resume")

	skip := &cobra.Command{
		Use:   "skip <run-id> <step>",
		Short: "Skip a step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := a.engine().SkipStep(cmd.Context(), args[0], args[1])
			return err
		},
	}

	cmd.AddCommand(start, list, steps, exec, skip)
	return cmd
}

func newReviewCmd(a *app) *cobra.Command {
	var runID, stepName, mainSession, workDir string
	cmd := &cobra.Command{
		Use:   "review <project> <number>",
		Short: "Run the parallel review chain until LGTM or budget exhaustion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumber(args[1])
			if err != nil {
				return err
			}
			opts := review.RunOptions{
				MainSessionID: mainSession,
				WorkDir:       workDir,
			}
			if runID != "" {
				if stepName == "" {
					return fmt.Errorf("--step is required with --run")
				}
				opts.Engine = a.engine()
				opts.RunID = runID
				opts.StepName = stepName
			}
			out, err := a.orchestrator().Run(cmd.Context(), args[0], number, opts)
			if err != nil {
				return err
			}
			if out.LGTM {
				fmt.Fprintf(cmd.OutOrStdout(), "LGTM after %d fix iterations\n", out.Iterations)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "not converged after %d iterations; %d findings remain open:\n%s",
				out.Iterations, len(out.OpenFindings), review.FormatFindings(out.OpenFindings))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "workflow run holding the review step")
	cmd.Flags().StringVar(&stepName, "step", "", "review step name within the run")
	cmd.Flags().StringVar(&mainSession, "session", "", "implementation session to resume for fixes")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for launched agents")
	return cmd
}

func newServeMetricsCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve the Prometheus scrape endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := listen
			if addr == "" {
				addr = a.cfg.Metrics.Listen
			}
			if addr == "" {
				return fmt.Errorf("no listen address: set --listen or metrics.listen")
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
			server := &http.Server{Addr: addr, Handler: mux}
			go func() {
				<-cmd.Context().Done()
				_ = server.Close()
			}()
			fmt.Fprintf(cmd.OutOrStdout(), "serving metrics on %s\n", addr)
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, e.g. :9090")
	return cmd
}
