package main

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/foremanproject/foreman/config"
	"github.com/foremanproject/foreman/emit"
	"github.com/foremanproject/foreman/graph"
	"github.com/foremanproject/foreman/metrics"
	"github.com/foremanproject/foreman/notify"
	"github.com/foremanproject/foreman/review"
	"github.com/foremanproject/foreman/session"
	"github.com/foremanproject/foreman/workflow"
)

// app holds the wired components shared by all subcommands. It is built
// lazily in the root PersistentPreRunE so `foreman help` never touches
// the database.
type app struct {
	cfg      config.Config
	store    graph.Store
	emitter  emit.Emitter
	notifier notify.Notifier
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func (a *app) open(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.emitter = emit.NewLogEmitter(os.Stderr, cfg.Log.Format == "json")

	switch cfg.Store.Backend {
	case "memory":
		a.store = graph.NewMemStore()
	case "sqlite":
		a.store, err = graph.NewSQLiteStore(cfg.Store.Path)
	case "mysql":
		a.store, err = graph.NewMySQLStore(cfg.Store.DSN)
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if err != nil {
		return err
	}

	if len(cfg.Notify.Command) > 0 {
		a.notifier = notify.Multi{
			notify.Command{Argv: cfg.Notify.Command},
			notify.Emit{Emitter: a.emitter},
		}
	} else {
		a.notifier = notify.Emit{Emitter: a.emitter}
	}

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

func (a *app) engine() *workflow.Engine {
	return workflow.NewEngine(a.store, workflow.WithEmitter(a.emitter))
}

func (a *app) launcher() session.Launcher {
	exec := session.NewExecutor()
	if a.cfg.Executor.Command != "" {
		exec.Command = a.cfg.Executor.Command
	}
	if len(a.cfg.Executor.Args) > 0 {
		exec.BaseArgs = a.cfg.Executor.Args
	}
	exec.WorkDir = a.cfg.Executor.WorkDir
	exec.Emitter = a.emitter
	return exec
}

func (a *app) controller() *session.Controller {
	opts := []session.ControllerOption{
		session.WithEmitter(a.emitter),
		session.WithNotifier(a.notifier),
		session.WithMetrics(a.metrics),
		session.WithOverflowRetries(a.cfg.Recovery.OverflowRetries),
	}
	if len(a.cfg.Recovery.Schedule) > 0 {
		schedule := make([]time.Duration, len(a.cfg.Recovery.Schedule))
		for i, d := range a.cfg.Recovery.Schedule {
			schedule[i] = d.Std()
		}
		opts = append(opts, session.WithSchedule(schedule))
	}
	return session.NewController(a.store, a.engine(), a.launcher(), opts...)
}

func (a *app) reviewConfig() review.Config {
	cfg := review.Config{
		MaxIterations:   a.cfg.Review.MaxIterations,
		ReviewerRetries: a.cfg.Review.ReviewerRetries,
		RetryDelay:      a.cfg.Review.RetryDelay.Std(),
		Policy:          review.Policy(a.cfg.Review.Policy),
	}
	for _, r := range a.cfg.Review.Reviewers {
		cfg.Reviewers = append(cfg.Reviewers, review.Reviewer{
			Kind: r.Kind, Agent: r.Agent, Mandatory: r.Mandatory,
		})
	}
	return cfg
}

func (a *app) orchestrator() *review.Orchestrator {
	return review.New(a.store, a.launcher(), a.reviewConfig(),
		review.WithEmitter(a.emitter),
		review.WithNotifier(a.notifier),
		review.WithMetrics(a.metrics))
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var configPath string

	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Task graph and agent workflow orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(configPath)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "foreman.yaml", "configuration file")

	root.AddCommand(
		newWorkspaceCmd(a),
		newProjectCmd(a),
		newTaskCmd(a),
		newFindingCmd(a),
		newRunCmd(a),
		newReviewCmd(a),
		newServeMetricsCmd(a),
	)
	return root
}
