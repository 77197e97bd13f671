// Orchestrator run commands. auto and parallel share one wiring path;
// sprint run reuses it with precomputed dependency waves.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/alekspetrov/llp/internal/agent"
	"github.com/alekspetrov/llp/internal/banner"
	"github.com/alekspetrov/llp/internal/config"
	"github.com/alekspetrov/llp/internal/dashboard"
	"github.com/alekspetrov/llp/internal/gitx"
	"github.com/alekspetrov/llp/internal/graph"
	"github.com/alekspetrov/llp/internal/history"
	"github.com/alekspetrov/llp/internal/issues"
	"github.com/alekspetrov/llp/internal/logging"
	"github.com/alekspetrov/llp/internal/merge"
	"github.com/alekspetrov/llp/internal/orchestrator"
	"github.com/alekspetrov/llp/internal/overlap"
	"github.com/alekspetrov/llp/internal/queue"
	"github.com/alekspetrov/llp/internal/report"
	"github.com/alekspetrov/llp/internal/status"
	"github.com/alekspetrov/llp/internal/worker"
)

func newAutoCmd() *cobra.Command {
	var (
		only       []string
		skip       []string
		dryRun     bool
		jsonOut    bool
		statusAddr string
	)

	cmd := &cobra.Command{
		Use:   "auto <category>",
		Short: "Process a category sequentially in dependency order",
		Long: `Process every open issue of a category with a single worker, ordered by
dependencies and priority. Completed issues merge into the mainline and
move to the completed directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrated(runSettings{
				mode:       "auto",
				category:   args[0],
				workers:    1,
				only:       only,
				skip:       skip,
				dryRun:     dryRun,
				jsonOut:    jsonOut,
				statusAddr: statusAddr,
			})
		},
	}

	cmd.Flags().StringSliceVar(&only, "only", nil, "Limit processing to these issue ids")
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "Skip these issue ids")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the execution order without running")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the final report as JSON")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Serve live status on this address")
	return cmd
}

func newParallelCmd() *cobra.Command {
	var (
		maxWorkers int
		timeout    time.Duration
		overlapOn  bool
		warnOnly   bool
		watch      bool
		jsonOut    bool
		statusAddr string
	)

	cmd := &cobra.Command{
		Use:   "parallel <category>",
		Short: "Process a category with parallel workers",
		Long: `Dispatch ready issues of a category to a pool of agent workers, each in
an isolated git worktree. Finished branches merge back serially; scope
overlaps between concurrent issues are deferred unless --warn-only.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := runSettings{
				mode:       "parallel",
				category:   args[0],
				workers:    maxWorkers,
				timeout:    timeout,
				watch:      watch,
				jsonOut:    jsonOut,
				statusAddr: statusAddr,
			}
			if cmd.Flags().Changed("overlap-detection") {
				s.overlapSet, s.overlap = true, overlapOn
			}
			if cmd.Flags().Changed("warn-only") {
				s.warnOnlySet, s.warnOnly = true, warnOnly
			}
			return runOrchestrated(s)
		},
	}

	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Worker count (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-issue timeout (default from config)")
	cmd.Flags().BoolVar(&overlapOn, "overlap-detection", true, "Defer issues whose file hints overlap an active one")
	cmd.Flags().BoolVar(&warnOnly, "warn-only", false, "Log overlaps instead of deferring")
	cmd.Flags().BoolVar(&watch, "watch", false, "Show the live dashboard while running")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the final report as JSON")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Serve live status on this address")
	return cmd
}

// runSettings collects everything auto, parallel, and sprint run feed
// into the shared wiring. Zero values defer to config.
type runSettings struct {
	mode     string
	category string
	workers  int
	timeout  time.Duration

	overlapSet  bool
	overlap     bool
	warnOnlySet bool
	warnOnly    bool

	only   []string
	skip   []string
	dryRun bool

	sprint     bool
	watch      bool
	jsonOut    bool
	statusAddr string
}

func runOrchestrated(s runSettings) error {
	root, err := workspaceRoot()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return fatal(fmt.Errorf("failed to init logging: %w", err))
	}

	workers := s.workers
	if workers <= 0 {
		workers = cfg.Workers.Count
	}
	timeout := s.timeout
	if timeout <= 0 {
		timeout = cfg.Workers.IssueTimeoutDuration()
	}
	overlapOn := cfg.Overlap.Enabled
	if s.overlapSet {
		overlapOn = s.overlap
	}
	warnOnly := cfg.Overlap.WarnOnly
	if s.warnOnlySet {
		warnOnly = s.warnOnly
	}

	if s.category != "" && !containsString(cfg.Issues.Categories, s.category) {
		return fatal(fmt.Errorf("unknown category %q (configured: %s)",
			s.category, strings.Join(cfg.Issues.Categories, ", ")))
	}

	issuesRoot := resolve(root, cfg.Issues.Dir)
	categories := cfg.Issues.Categories
	if s.category != "" {
		categories = []string{s.category}
	}
	list, err := issues.LoadActive(issuesRoot, categories)
	if err != nil {
		return fatal(err)
	}
	completed, err := issues.CompletedIDs(issuesRoot, cfg.Issues.CompletedDir)
	if err != nil {
		return fatal(err)
	}
	list = filterIssues(list, s.only, s.skip, completed)
	if len(list) == 0 {
		fmt.Println("No open issues to process.")
		return nil
	}

	g := graph.FromIssues(list, completed)

	if s.dryRun {
		order, err := g.TopologicalSort()
		if err != nil {
			return fatal(err)
		}
		fmt.Printf("Execution order (%d issues):\n", len(order))
		for i, issue := range order {
			fmt.Printf("  %2d. %-12s %s\n", i+1, issue.ID, issue.Title)
		}
		return nil
	}

	var waves [][]*issues.Issue
	if s.sprint {
		waves, err = g.ExecutionWaves()
		if err != nil {
			return fatal(err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	gitClient := gitx.New(root, gitx.Options{
		CommandTimeout:  cfg.Git.CommandTimeoutDuration(),
		RetryAttempts:   cfg.Git.Retry.MaxAttempts,
		RetryBackoff:    cfg.Git.Retry.InitialBackoffDuration(),
		RetryMultiplier: cfg.Git.Retry.BackoffMultiplier,
	})
	if err := preflight(ctx, gitClient, cfg); err != nil {
		return err
	}

	agentClient := agent.New(cfg.Agents.Binary, cfg.Agents.Args, cfg.Agents.Model, cfg.Agents.TimeoutDuration())
	if !agentClient.IsAvailable() {
		return fatal(fmt.Errorf("agent binary %q not found on PATH", cfg.Agents.Binary))
	}
	runner := agent.NewRunner(agentClient, cfg.Agents.MaxContinuations)

	monitor := worker.NewMonitor()
	pipeline := worker.NewPipeline(worker.PipelineOptions{
		RepoRoot:       root,
		Git:            gitClient,
		Agent:          agentClient,
		Runner:         runner,
		Monitor:        monitor,
		Mainline:       cfg.Git.Mainline,
		WorktreeDir:    resolve(root, cfg.Git.WorktreeDir),
		VerifyCommands: cfg.Workers.VerifyCommands,
		IssueTimeout:   timeout,
	})

	integrator := merge.NewCoordinator(gitClient, cfg.Git.Remote, cfg.Git.Mainline, nil)

	var detector *overlap.Detector
	if overlapOn && workers > 1 {
		detector = overlap.NewDetector(cfg.Overlap.Extensions)
	}

	store := orchestrator.NewStateStore(resolve(root, cfg.StatePath))
	state, err := store.Load(nil)
	if err != nil {
		logging.Warn("Starting with fresh run state", "error", err.Error())
	}

	var (
		histStore *history.Store
		recorder  *history.Recorder
	)
	if cfg.History.Enabled {
		histStore, err = history.Open(resolve(root, cfg.History.Path))
		if err != nil {
			return fatal(fmt.Errorf("failed to open history ledger: %w", err))
		}
		defer histStore.Close()
		recorder, err = histStore.BeginRun(s.mode, s.category)
		if err != nil {
			logging.Warn("History recording disabled for this run", "error", err.Error())
		}
	}

	statusAddr := s.statusAddr
	if statusAddr == "" {
		statusAddr = cfg.Status.Addr
	}
	var feed *status.Feed
	if statusAddr != "" || s.watch {
		feed = status.NewFeed()
	}
	if statusAddr != "" {
		srv := status.NewServer(statusAddr, feed)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logging.Warn("Status server exited", "error", err.Error())
			}
		}()
	}

	o := orchestrator.New(orchestrator.Options{
		Queue:        queue.New(),
		Graph:        g,
		Runner:       pipeline,
		Workers:      workers,
		Monitor:      monitor,
		Integrator:   integrator,
		Detector:     detector,
		WarnOnly:     warnOnly,
		Store:        store,
		State:        state,
		Recorder:     recorder,
		Status:       feed,
		IssuesRoot:   issuesRoot,
		CompletedDir: cfg.Issues.CompletedDir,
		StatusEvery:  cfg.Status.IntervalDuration(),
	})

	start := time.Now()
	var runErr error
	if s.watch {
		runErr = runWithDashboard(ctx, o, feed, waves, list)
	} else {
		banner.StartupWithHealth(version, root, cfg)
		runErr = runIssues(ctx, o, waves, list)
	}

	st := o.State()
	recorder.Finish(len(st.Attempted), len(st.Completed), len(st.Failed))

	rep := report.Build(s.mode, s.category, recorder.RunID(), st,
		integrator.Failures(), integrator.StashWarnings(), time.Since(start))
	if s.jsonOut {
		out, err := rep.JSON()
		if err != nil {
			return err
		}
		fmt.Println(out)
	} else {
		fmt.Print(rep.Render())
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return failed(errors.New("run cancelled"))
		}
		return failed(runErr)
	}
	if n := len(st.Failed); n > 0 {
		return failed(fmt.Errorf("%d issue(s) failed", n))
	}
	return nil
}

func runIssues(ctx context.Context, o *orchestrator.Orchestrator, waves [][]*issues.Issue, list []*issues.Issue) error {
	if len(waves) > 0 {
		return o.RunSprint(ctx, waves)
	}
	o.Enqueue(list)
	return o.Run(ctx)
}

// runWithDashboard runs the orchestrator behind the watch TUI. Quitting
// the TUI detaches the view; the run itself continues to completion.
func runWithDashboard(ctx context.Context, o *orchestrator.Orchestrator, feed *status.Feed, waves [][]*issues.Issue, list []*issues.Issue) error {
	logging.Suppress()

	events, release := dashboard.Attach(feed)
	program := tea.NewProgram(dashboard.NewModel(version, "local", events))

	done := make(chan error, 1)
	go func() {
		done <- runIssues(ctx, o, waves, list)
		// Let the final snapshot render before tearing the screen down.
		time.Sleep(750 * time.Millisecond)
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
	}
	release()

	select {
	case err := <-done:
		return err
	default:
		fmt.Println("⏳ Run still in progress; waiting (Ctrl+C cancels)...")
		return <-done
	}
}

// preflight rejects repo states the merge coordinator cannot work from.
func preflight(ctx context.Context, git *gitx.Client, cfg *config.Config) error {
	if !git.IsRepo(ctx) {
		return fatal(fmt.Errorf("not a git repository: %s", git.RepoPath()))
	}
	if git.RebaseInProgress(ctx) {
		return fatal(errors.New("rebase in progress on the mainline checkout; finish or abort it first"))
	}
	if git.MergeInProgress(ctx) {
		return fatal(errors.New("merge in progress on the mainline checkout; finish or abort it first"))
	}
	branch, err := git.CurrentBranch(ctx)
	if err != nil {
		return fatal(err)
	}
	if branch != cfg.Git.Mainline {
		return fatal(fmt.Errorf("checkout is on %q, expected mainline %q", branch, cfg.Git.Mainline))
	}
	return nil
}

func filterIssues(list []*issues.Issue, only, skip []string, completed map[string]bool) []*issues.Issue {
	onlySet := idSet(only)
	skipSet := idSet(skip)
	var out []*issues.Issue
	for _, issue := range list {
		if completed[issue.ID] {
			continue
		}
		if len(onlySet) > 0 && !onlySet[issue.ID] {
			continue
		}
		if skipSet[issue.ID] {
			continue
		}
		out = append(out, issue)
	}
	return out
}

func idSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[strings.ToUpper(id)] = true
		}
	}
	return set
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
