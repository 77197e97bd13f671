// FSM loop commands: run, resume, list, validate, events, serve.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/llp/internal/agent"
	"github.com/alekspetrov/llp/internal/banner"
	"github.com/alekspetrov/llp/internal/config"
	"github.com/alekspetrov/llp/internal/logging"
	"github.com/alekspetrov/llp/internal/loop"
	"github.com/alekspetrov/llp/internal/loopsched"
	"github.com/alekspetrov/llp/internal/replay"
	"github.com/alekspetrov/llp/internal/scopelock"
)

func newLoopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run self-correcting FSM loops",
		Long: `Loops are YAML state machines under .loops/. Each iteration runs an
action, evaluates a verdict, and routes to the next state until a
terminal state or the iteration cap. Interrupted runs resume from the
last persisted snapshot.`,
	}
	cmd.AddCommand(
		newLoopRunCmd(), newLoopResumeCmd(), newLoopListCmd(),
		newLoopValidateCmd(), newLoopEventsCmd(), newLoopServeCmd(),
	)
	return cmd
}

// loopEnv bundles the pieces every loop subcommand needs. The agent
// client is constructed unconditionally; shell-only loops never touch
// it and agent action failures surface as verdict errors.
type loopEnv struct {
	root       string
	cfg        *config.Config
	loopsDir   string
	runningDir string
	locks      *scopelock.Manager
	client     *agent.Client
	runner     *agent.Runner
}

func newLoopEnv() (*loopEnv, error) {
	root, err := workspaceRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	client := agent.New(cfg.Agents.Binary, cfg.Agents.Args, cfg.Agents.Model, cfg.Agents.TimeoutDuration())
	return &loopEnv{
		root:       root,
		cfg:        cfg,
		loopsDir:   resolve(root, cfg.Loops.Dir),
		runningDir: resolve(root, cfg.Loops.RunningDir()),
		locks:      scopelock.NewManager(resolve(root, cfg.Loops.RunningDir())),
		client:     client,
		runner:     agent.NewRunner(client, cfg.Agents.MaxContinuations),
	}, nil
}

func newLoopRunCmd() *cobra.Command {
	var (
		queueWait bool
		quiet     bool
	)

	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run a loop to termination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newLoopEnv()
			if err != nil {
				return err
			}
			if err := initLoopLogging(env, quiet); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runLoopOnce(ctx, env, args[0], false, queueWait)
		},
	}

	cmd.Flags().BoolVar(&queueWait, "queue", false, "Wait for a conflicting scope instead of failing")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress log output")
	return cmd
}

func newLoopResumeCmd() *cobra.Command {
	var (
		queueWait bool
		quiet     bool
	)

	cmd := &cobra.Command{
		Use:   "resume <name>",
		Short: "Resume an interrupted loop run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newLoopEnv()
			if err != nil {
				return err
			}
			if err := initLoopLogging(env, quiet); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runLoopOnce(ctx, env, args[0], true, queueWait)
		},
	}

	cmd.Flags().BoolVar(&queueWait, "queue", false, "Wait for a conflicting scope instead of failing")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress log output")
	return cmd
}

func initLoopLogging(env *loopEnv, quiet bool) error {
	if err := logging.Init(env.cfg.Logging); err != nil {
		return fatal(fmt.Errorf("failed to init logging: %w", err))
	}
	if quiet {
		logging.Suppress()
	}
	return nil
}

func runLoopOnce(ctx context.Context, env *loopEnv, name string, resume, queueWait bool) error {
	def, err := loop.Find(env.loopsDir, name)
	if err != nil {
		return fatal(err)
	}

	for {
		err := env.locks.Acquire(def.Name, def.Scope)
		if err == nil {
			break
		}
		var conflict *scopelock.ConflictError
		if errors.As(err, &conflict) && queueWait {
			fmt.Printf("⏳ Scope held by loop %s (%s); waiting...\n", conflict.LoopName, conflict.HeldScope)
			if !env.locks.WaitForScope(ctx, def.Scope, 0) {
				return failed(errors.New("cancelled while waiting for scope"))
			}
			continue
		}
		return failed(err)
	}
	defer func() {
		if err := env.locks.Release(def.Name); err != nil {
			logging.Warn("Failed to release scope lock", "loop", def.Name, "error", err.Error())
		}
	}()

	judge := &loop.AgentJudge{Runner: env.runner, Dir: env.root}
	table, err := loop.Compile(def, judge)
	if err != nil {
		return fatal(fmt.Errorf("loop %s does not compile: %w", def.Name, err))
	}

	rec, err := loop.OpenRecorder(env.runningDir, def.Name)
	if err != nil {
		return fatal(err)
	}
	defer rec.Close()

	spawn := func(prompt string) (int, error) {
		return env.client.Detach(env.root, prompt)
	}
	engine := loop.NewEngine(def, table, loop.NewExecutor(env.root, env.runner), rec, spawn)

	var st *loop.RunState
	if resume {
		prior, err := loop.LoadRunState(env.runningDir, def.Name)
		if os.IsNotExist(err) {
			return failed(fmt.Errorf("no interrupted run of loop %q to resume", def.Name))
		}
		if err != nil {
			return failed(err)
		}
		st, err = engine.Resume(ctx, prior)
		if err != nil {
			return failed(err)
		}
	} else {
		st, err = engine.Run(ctx)
		if err != nil {
			return failed(err)
		}
	}

	switch st.Status {
	case loop.StatusCompleted:
		fmt.Printf("✓ Loop %s completed after %d iteration(s)\n", def.Name, st.Iteration)
		return nil
	case loop.StatusCancelled:
		return failed(fmt.Errorf("loop %s cancelled at state %s (iteration %d); resume with: llp loop resume %s",
			def.Name, st.CurrentState, st.Iteration, def.Name))
	default:
		return failed(fmt.Errorf("loop %s failed at state %s after %d iteration(s)",
			def.Name, st.CurrentState, st.Iteration))
	}
}

func newLoopListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List defined loops and their run status",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newLoopEnv()
			if err != nil {
				return err
			}
			defs, err := loop.List(env.loopsDir)
			if err != nil {
				return fatal(err)
			}
			if len(defs) == 0 {
				fmt.Printf("No loops defined in %s\n", env.loopsDir)
				return nil
			}

			fmt.Printf("%-24s %-12s %-10s %s\n", "NAME", "PARADIGM", "STATUS", "SCOPE")
			for _, def := range defs {
				status := "-"
				if st, err := loop.LoadRunState(env.runningDir, def.Name); err == nil {
					status = string(st.Status)
				}
				fmt.Printf("%-24s %-12s %-10s %s\n",
					def.Name, paradigm(def), status, strings.Join(def.Scope, ", "))
			}
			return nil
		},
	}
}

func paradigm(def *loop.Definition) string {
	switch {
	case def.Goal != nil:
		return "goal"
	case len(def.Invariants) > 0:
		return "invariants"
	case def.Convergence != nil:
		return "convergence"
	case def.Imperative != nil:
		return "imperative"
	default:
		return "explicit"
	}
}

func newLoopValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <name>",
		Short: "Compile a loop definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newLoopEnv()
			if err != nil {
				return err
			}
			def, err := loop.Find(env.loopsDir, args[0])
			if err != nil {
				return failed(err)
			}
			if err := loop.Validate(def); err != nil {
				return failed(fmt.Errorf("loop %s is invalid: %w", def.Name, err))
			}
			fmt.Printf("✓ Loop %s is valid\n", def.Name)
			return nil
		},
	}
}

func newLoopEventsCmd() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "events <name>",
		Short: "Print the event timeline of a loop run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newLoopEnv()
			if err != nil {
				return err
			}
			if follow {
				ctx, cancel := signalContext()
				defer cancel()
				return replay.Follow(ctx, os.Stdout, env.runningDir, args[0])
			}
			return replay.Print(os.Stdout, env.runningDir, args[0])
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Tail a live run until it completes")
	return cmd
}

func newLoopServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled loops on their cron table",
		Long: `Run the loop scheduler in the foreground. Each configured schedule
fires its loop at the cron time; a firing is skipped while the loop's
scope is held elsewhere.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newLoopEnv()
			if err != nil {
				return err
			}
			if err := initLoopLogging(env, false); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			banner.StartupWithHealth(version, env.root, env.cfg)

			loopsCfg := *env.cfg.Loops
			loopsCfg.Dir = env.loopsDir
			sched := loopsched.New(&loopsCfg, env.locks, func(ctx context.Context, name string) error {
				return runLoopOnce(ctx, env, name, false, false)
			})
			if err := sched.Start(ctx); err != nil {
				return fatal(err)
			}
			defer sched.Stop()

			for _, entry := range sched.Entries() {
				fmt.Printf("  • %-24s %-16s next %s\n",
					entry.Loop, entry.Cron, entry.NextRun.Format("2006-01-02 15:04:05"))
			}
			fmt.Println("Loop scheduler running; Ctrl+C to stop.")
			<-ctx.Done()
			fmt.Println("🛑 Stopping scheduler...")
			return nil
		},
	}
}
