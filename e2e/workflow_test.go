package e2e

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/llp/e2e/mocks"
	"github.com/alekspetrov/llp/internal/agent"
	"github.com/alekspetrov/llp/internal/gitx"
	"github.com/alekspetrov/llp/internal/graph"
	"github.com/alekspetrov/llp/internal/issues"
	"github.com/alekspetrov/llp/internal/merge"
	"github.com/alekspetrov/llp/internal/orchestrator"
	"github.com/alekspetrov/llp/internal/queue"
	"github.com/alekspetrov/llp/internal/worker"
)

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v: %s", args, err, output)
	}
	return strings.TrimSpace(string(output))
}

// env is one complete orchestrator installation: a real git repository
// with an issue workspace, a worktree area outside it, and the mock
// agent wired through the worker pipeline and merge coordinator.
type env struct {
	repo       string
	issuesDir  string
	wtDir      string
	git        *gitx.Client
	mock       *mocks.AgentMock
	pipeline   *worker.Pipeline
	integrator *merge.Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping E2E test in short mode")
	}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	repo := t.TempDir()
	gitRun(t, repo, "init")
	gitRun(t, repo, "config", "user.email", "test@test.com")
	gitRun(t, repo, "config", "user.name", "Test User")
	gitRun(t, repo, "config", "commit.gpgsign", "false")
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("# repo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, repo, "add", ".")
	gitRun(t, repo, "commit", "-m", "initial commit")
	gitRun(t, repo, "branch", "-M", "main")

	mock, err := mocks.NewAgentMock()
	if err != nil {
		t.Fatalf("failed to create agent mock: %v", err)
	}
	t.Cleanup(mock.Close)

	client := agent.New(mock.BinPath(), nil, "", time.Minute)
	runner := agent.NewRunner(client, 1)
	git := gitx.New(repo, gitx.Options{})
	wtDir := filepath.Join(t.TempDir(), "worktrees")

	pipeline := worker.NewPipeline(worker.PipelineOptions{
		RepoRoot:     repo,
		Git:          git,
		Agent:        client,
		Runner:       runner,
		Monitor:      worker.NewMonitor(),
		Mainline:     "main",
		WorktreeDir:  wtDir,
		IssueTimeout: time.Minute,
	})

	return &env{
		repo:       repo,
		issuesDir:  filepath.Join(repo, ".issues"),
		wtDir:      wtDir,
		git:        git,
		mock:       mock,
		pipeline:   pipeline,
		integrator: merge.NewCoordinator(git, "origin", "main", nil),
	}
}

// writeIssue drops an issue file into the workspace. blockedBy renders
// a Blocked By section when non-empty.
func (e *env) writeIssue(t *testing.T, category, filename, id, title string, blockedBy ...string) {
	t.Helper()
	dir := filepath.Join(e.issuesDir, category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	var b strings.Builder
	b.WriteString("# " + id + ": " + title + "\n\n")
	b.WriteString("Reproduce, fix, verify.\n")
	if len(blockedBy) > 0 {
		b.WriteString("\n## Blocked By\n\n")
		for _, dep := range blockedBy {
			b.WriteString("- " + dep + "\n")
		}
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

// run loads the workspace, builds the graph, and drives the
// orchestrator to completion.
func (e *env) run(t *testing.T, workers int, categories ...string) *orchestrator.State {
	t.Helper()

	list, err := issues.LoadActive(e.issuesDir, categories)
	if err != nil {
		t.Fatalf("failed to load issues: %v", err)
	}
	if len(list) == 0 {
		t.Fatal("no issues loaded")
	}
	completed, err := issues.CompletedIDs(e.issuesDir, "completed")
	if err != nil {
		t.Fatalf("failed to load completed ids: %v", err)
	}

	o := orchestrator.New(orchestrator.Options{
		Queue:        queue.New(),
		Graph:        graph.FromIssues(list, completed),
		Runner:       e.pipeline,
		Workers:      workers,
		Monitor:      e.pipeline.Monitor(),
		Integrator:   e.integrator,
		IssuesRoot:   e.issuesDir,
		CompletedDir: "completed",
		Tick:         10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	o.Enqueue(list)
	if err := o.Run(ctx); err != nil {
		t.Fatalf("orchestrator run failed: %v", err)
	}
	return o.State()
}

// TestFullWorkflowIssueToMerge walks one issue through the whole
// cycle: discovery, worktree pipeline, merge, completed move.
func TestFullWorkflowIssueToMerge(t *testing.T) {
	e := newEnv(t)
	e.writeIssue(t, "bugs", "P1-BUG-001-fix-readme.md", "BUG-001", "Fix the readme")
	gitRun(t, e.repo, "add", ".")
	gitRun(t, e.repo, "commit", "-m", "add issue")

	st := e.run(t, 1, "bugs")

	if len(st.Failed) != 0 {
		t.Fatalf("failed issues: %v", st.Failed)
	}
	if len(st.Completed) != 1 || st.Completed[0] != "BUG-001" {
		t.Fatalf("completed = %v, want [BUG-001]", st.Completed)
	}

	// The agent's change must have landed on mainline.
	fix := filepath.Join(e.repo, mocks.ChangedFileName("BUG-001"))
	if _, err := os.Stat(fix); err != nil {
		t.Errorf("expected %s on mainline: %v", fix, err)
	}
	subject := gitRun(t, e.repo, "log", "-1", "--format=%s")
	if !strings.Contains(subject, "Merge llp/BUG-001") {
		t.Errorf("HEAD subject = %q, want merge commit for BUG-001", subject)
	}

	// Issue file moved into the completed directory.
	if _, err := os.Stat(filepath.Join(e.issuesDir, "bugs", "P1-BUG-001-fix-readme.md")); !os.IsNotExist(err) {
		t.Errorf("issue file still in category directory (err=%v)", err)
	}
	if _, err := os.Stat(filepath.Join(e.issuesDir, "completed", "P1-BUG-001-fix-readme.md")); err != nil {
		t.Errorf("issue file not in completed directory: %v", err)
	}

	// Branch and worktree cleaned up after the merge.
	branches := gitRun(t, e.repo, "branch", "--list", "llp/*")
	if branches != "" {
		t.Errorf("leftover worker branches: %q", branches)
	}
}

// TestWorkflowDependencyOrder runs a blocked pair with two workers and
// checks the dependent issue merges after its blocker.
func TestWorkflowDependencyOrder(t *testing.T) {
	e := newEnv(t)
	e.writeIssue(t, "bugs", "P1-BUG-001-fix-parser.md", "BUG-001", "Fix the parser")
	e.writeIssue(t, "features", "P2-FEAT-002-extend-parser.md", "FEAT-002", "Extend the parser", "BUG-001")

	st := e.run(t, 2, "bugs", "features")

	if len(st.Failed) != 0 {
		t.Fatalf("failed issues: %v", st.Failed)
	}
	if len(st.Completed) != 2 {
		t.Fatalf("completed = %v, want both issues", st.Completed)
	}
	if st.Completed[0] != "BUG-001" || st.Completed[1] != "FEAT-002" {
		t.Errorf("completion order = %v, want blocker first", st.Completed)
	}

	for _, id := range []string{"BUG-001", "FEAT-002"} {
		if _, err := os.Stat(filepath.Join(e.repo, mocks.ChangedFileName(id))); err != nil {
			t.Errorf("expected change for %s on mainline: %v", id, err)
		}
	}
}

// TestWorkflowParallelIssues merges two independent issues processed
// by two workers.
func TestWorkflowParallelIssues(t *testing.T) {
	e := newEnv(t)
	e.writeIssue(t, "bugs", "P1-BUG-001-fix-loader.md", "BUG-001", "Fix the loader")
	e.writeIssue(t, "bugs", "P2-BUG-002-fix-writer.md", "BUG-002", "Fix the writer")

	st := e.run(t, 2, "bugs")

	if len(st.Failed) != 0 {
		t.Fatalf("failed issues: %v", st.Failed)
	}
	if len(st.Completed) != 2 {
		t.Fatalf("completed = %v, want 2 issues", st.Completed)
	}
	for _, id := range []string{"BUG-001", "BUG-002"} {
		if _, err := os.Stat(filepath.Join(e.repo, mocks.ChangedFileName(id))); err != nil {
			t.Errorf("expected change for %s on mainline: %v", id, err)
		}
	}
}

// TestWorkflowFailedImplementation verifies a FAILED manage verdict
// tears the worktree down and records the issue as failed.
func TestWorkflowFailedImplementation(t *testing.T) {
	e := newEnv(t)
	if err := e.mock.SetFailImplement(true); err != nil {
		t.Fatal(err)
	}
	e.writeIssue(t, "bugs", "P1-BUG-001-fix-cache.md", "BUG-001", "Fix the cache")

	st := e.run(t, 1, "bugs")

	if len(st.Completed) != 0 {
		t.Fatalf("completed = %v, want none", st.Completed)
	}
	if len(st.Failed) != 1 || st.Failed[0] != "BUG-001" {
		t.Fatalf("failed = %v, want [BUG-001]", st.Failed)
	}

	// Nothing landed on mainline, branch and worktree removed.
	if _, err := os.Stat(filepath.Join(e.repo, mocks.ChangedFileName("BUG-001"))); !os.IsNotExist(err) {
		t.Errorf("unexpected change on mainline (err=%v)", err)
	}
	if branches := gitRun(t, e.repo, "branch", "--list", "llp/*"); branches != "" {
		t.Errorf("leftover worker branches: %q", branches)
	}
	entries, err := os.ReadDir(e.wtDir)
	if err == nil && len(entries) != 0 {
		names := make([]string, len(entries))
		for i, entry := range entries {
			names[i] = entry.Name()
		}
		t.Errorf("leftover worktrees: %v", names)
	}

	// The issue file stays in place for the next attempt.
	if _, err := os.Stat(filepath.Join(e.issuesDir, "bugs", "P1-BUG-001-fix-cache.md")); err != nil {
		t.Errorf("issue file should remain: %v", err)
	}
}

// TestWorkflowValidatorDeclines verifies a NOT_READY verdict stops the
// pipeline before any implementation runs.
func TestWorkflowValidatorDeclines(t *testing.T) {
	e := newEnv(t)
	if err := e.mock.SetDeclineReady(true); err != nil {
		t.Fatal(err)
	}
	e.writeIssue(t, "bugs", "P1-BUG-001-fix-index.md", "BUG-001", "Fix the index")

	st := e.run(t, 1, "bugs")

	if len(st.Failed) != 1 || st.Failed[0] != "BUG-001" {
		t.Fatalf("failed = %v, want [BUG-001]", st.Failed)
	}
	if _, err := os.Stat(filepath.Join(e.repo, mocks.ChangedFileName("BUG-001"))); !os.IsNotExist(err) {
		t.Errorf("declined issue must not change mainline (err=%v)", err)
	}
}
