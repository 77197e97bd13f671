package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/alekspetrov/llp/internal/agent"
	"github.com/alekspetrov/llp/internal/gitx"
	"github.com/alekspetrov/llp/internal/issues"
	"github.com/alekspetrov/llp/internal/logging"
)

// branchPrefix namespaces worker branches in the shared repository.
const branchPrefix = "llp/"

// agentConfigDir is copied into each worktree so agent invocations see
// the same plugin-local configuration as the main checkout.
const agentConfigDir = ".claude"

// PipelineOptions wires a pipeline's collaborators and limits.
type PipelineOptions struct {
	RepoRoot       string
	Git            *gitx.Client
	Agent          *agent.Client
	Runner         *agent.Runner
	Monitor        *Monitor
	Mainline       string
	WorktreeDir    string
	VerifyCommands []string
	IssueTimeout   time.Duration
}

// Pipeline runs one issue at a time through setup, validation,
// implementation and verification inside an isolated worktree. The
// merge itself is handed off; the pipeline never touches mainline
// except to create and remove worktrees under the git lock.
type Pipeline struct {
	repoRoot       string
	git            *gitx.Client
	agent          *agent.Client
	runner         *agent.Runner
	monitor        *Monitor
	mainline       string
	worktreeDir    string
	worktreeRel    string // worktreeDir relative to repoRoot, "" when outside
	verifyCommands []string
	issueTimeout   time.Duration
	log            *slog.Logger
}

// NewPipeline creates a pipeline. Monitor may be shared across workers.
func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Monitor == nil {
		opts.Monitor = NewMonitor()
	}
	if opts.Mainline == "" {
		opts.Mainline = "main"
	}
	if opts.WorktreeDir == "" {
		opts.WorktreeDir = filepath.Join(os.TempDir(), "llp-worktrees")
	}
	worktreeRel := ""
	if rel, err := filepath.Rel(opts.RepoRoot, opts.WorktreeDir); err == nil && !strings.HasPrefix(rel, "..") {
		worktreeRel = rel
	}
	return &Pipeline{
		repoRoot:       opts.RepoRoot,
		git:            opts.Git,
		agent:          opts.Agent,
		runner:         opts.Runner,
		monitor:        opts.Monitor,
		mainline:       opts.Mainline,
		worktreeDir:    opts.WorktreeDir,
		worktreeRel:    worktreeRel,
		verifyCommands: opts.VerifyCommands,
		issueTimeout:   opts.IssueTimeout,
		log:            logging.WithComponent("worker"),
	}
}

// Monitor returns the shared stage monitor.
func (p *Pipeline) Monitor() *Monitor {
	return p.monitor
}

// Run processes one issue to a terminal result. The result is always
// non-nil; on success the worktree and branch are left in place for
// the merge coordinator, on failure both are torn down here.
func (p *Pipeline) Run(ctx context.Context, issue *issues.Issue) *Result {
	res := &Result{
		Issue:        issue,
		ResolvedPath: issue.ID,
		StageAtExit:  StageSetup,
		StartedAt:    time.Now(),
	}
	defer func() { res.Duration = time.Since(res.StartedAt) }()
	defer func() {
		if !res.Success && res.WorktreePath != "" {
			p.teardown(res)
		}
	}()

	runCtx := ctx
	if p.issueTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.issueTimeout)
		defer cancel()
	}

	log := p.log.With(slog.String("issue", issue.ID))
	p.monitor.Register(issue.ID, issue.Title)

	// SETUP
	baseline, baseSHA, err := p.setup(runCtx, res)
	if err != nil {
		return p.fail(runCtx, res, StageSetup, err)
	}
	p.leakSweep(runCtx, issue.ID, baseline)

	// VALIDATING
	p.monitor.Set(issue.ID, StageValidating)
	res.StageAtExit = StageValidating
	if err := p.validate(runCtx, res); err != nil {
		return p.fail(runCtx, res, StageValidating, err)
	}
	p.leakSweep(runCtx, issue.ID, baseline)

	// IMPLEMENTING
	p.monitor.Set(issue.ID, StageImplementing)
	res.StageAtExit = StageImplementing
	if err := p.implement(runCtx, res); err != nil {
		return p.fail(runCtx, res, StageImplementing, err)
	}
	p.leakSweep(runCtx, issue.ID, baseline)

	// VERIFYING
	p.monitor.Set(issue.ID, StageVerifying)
	res.StageAtExit = StageVerifying
	if err := p.verify(runCtx, res, baseSHA); err != nil {
		return p.fail(runCtx, res, StageVerifying, err)
	}
	p.leakSweep(runCtx, issue.ID, baseline)

	// MERGING is a handoff: the coordinator owns the rest.
	p.monitor.Set(issue.ID, StageMerging)
	res.StageAtExit = StageMerging
	res.Success = true

	log.Info("Pipeline finished",
		slog.String("branch", res.Branch),
		slog.Int("changed_files", len(res.ChangedFiles)),
		slog.Duration("duration", time.Since(res.StartedAt)),
	)
	return res
}

// setup creates the worktree and branch from the current mainline head
// and records the main repository's status baseline for leak detection.
func (p *Pipeline) setup(ctx context.Context, res *Result) (map[string]bool, string, error) {
	issue := res.Issue

	paths, err := p.git.StatusPaths(ctx, p.repoRoot)
	if err != nil {
		return nil, "", fmt.Errorf("failed to record status baseline: %w", err)
	}
	baseline := make(map[string]bool, len(paths))
	for _, path := range paths {
		baseline[path] = true
	}

	if err := os.MkdirAll(p.worktreeDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create worktree directory: %w", err)
	}

	stamp := time.Now().Unix()
	res.Branch = fmt.Sprintf("%s%s-%d", branchPrefix, issue.ID, stamp)
	worktreePath := filepath.Join(p.worktreeDir, fmt.Sprintf("%s-%d", issue.ID, stamp))

	if err := p.git.WorktreeAdd(ctx, worktreePath, res.Branch, p.mainline); err != nil {
		return nil, "", err
	}
	res.WorktreePath = worktreePath

	baseSHA, err := p.git.HeadSHA(ctx, worktreePath)
	if err != nil {
		return nil, "", err
	}

	// Worktrees only materialize tracked files; the agent config often
	// is not one.
	if err := copyDir(
		filepath.Join(p.repoRoot, agentConfigDir),
		filepath.Join(worktreePath, agentConfigDir),
	); err != nil {
		return nil, "", fmt.Errorf("failed to copy %s into worktree: %w", agentConfigDir, err)
	}

	return baseline, baseSHA, nil
}

// validate runs the ready agent and applies the explicit-path fallback
// when the validator agreed on the wrong file.
func (p *Pipeline) validate(ctx context.Context, res *Result) error {
	issue := res.Issue
	log := p.log.With(slog.String("issue", issue.ID))

	relPath := issue.RelPath(p.repoRoot)

	result, err := p.agent.Invoke(ctx, res.WorktreePath, "/ready "+issue.ID)
	if result != nil {
		res.StderrDigest = digest(result.Stderr)
	}
	if err != nil {
		return fmt.Errorf("ready agent failed: %w", err)
	}

	markers := agent.ParseMarkers(result.Output)
	res.Corrections = append(res.Corrections, markers.Corrections...)

	switch markers.Verdict {
	case agent.VerdictNotReady:
		return fmt.Errorf("issue %s is not ready: validator declined", issue.ID)
	case agent.VerdictReady:
	default:
		return fmt.Errorf("ready agent returned no verdict for %s", issue.ID)
	}

	if markers.ValidatedFile == "" || matchesIssueFile(markers.ValidatedFile, relPath) {
		return nil
	}

	// Validator agreed on a different file than the one this worker
	// owns. Retry once with the explicit path before giving up.
	log.Warn("Validator mismatched issue file, retrying with explicit path",
		slog.String("validated", markers.ValidatedFile),
		slog.String("expected", relPath),
	)

	result, err = p.agent.Invoke(ctx, res.WorktreePath, "/ready "+relPath)
	if result != nil {
		res.StderrDigest = digest(result.Stderr)
	}
	if err != nil {
		return fmt.Errorf("ready agent fallback failed: %w", err)
	}

	markers = agent.ParseMarkers(result.Output)
	res.Corrections = append(res.Corrections, markers.Corrections...)
	if markers.Verdict != agent.VerdictReady {
		return fmt.Errorf("issue %s failed validation with explicit path %s", issue.ID, relPath)
	}

	res.ViaFallback = true
	res.ResolvedPath = relPath
	return nil
}

// implement runs the manage agent under the continuation-aware runner.
func (p *Pipeline) implement(ctx context.Context, res *Result) error {
	issue := res.Issue

	prompt := fmt.Sprintf("/manage %s %s", actionFor(issue.Type), res.ResolvedPath)
	result, err := p.runner.Run(ctx, res.WorktreePath, prompt)
	if result != nil {
		res.StderrDigest = digest(result.Stderr)
	}
	if err != nil {
		return fmt.Errorf("manage agent failed: %w", err)
	}

	markers := agent.ParseMarkers(result.Output)
	res.Corrections = append(res.Corrections, markers.Corrections...)

	if markers.Verdict == agent.VerdictFailed {
		return fmt.Errorf("manage agent reported FAILED for %s", issue.ID)
	}
	if markers.Verdict == agent.VerdictUnknown && result.ExitCode != 0 {
		return fmt.Errorf("manage agent exited %d for %s", result.ExitCode, issue.ID)
	}
	return nil
}

// verify commits pending changes, requires a non-empty diff against
// the base, rebases when mainline moved, and runs the configured
// verify commands.
func (p *Pipeline) verify(ctx context.Context, res *Result, baseSHA string) error {
	issue := res.Issue
	log := p.log.With(slog.String("issue", issue.ID))

	dirty, err := p.git.HasChanges(ctx, res.WorktreePath)
	if err != nil {
		return err
	}
	if dirty {
		message := fmt.Sprintf("%s: %s", issue.ID, issue.Title)
		if _, err := p.git.CommitAll(ctx, res.WorktreePath, message); err != nil {
			return err
		}
	}

	output, err := p.git.RunIn(ctx, res.WorktreePath, "diff", "--name-only", baseSHA, "HEAD")
	if err != nil {
		return err
	}
	if output == "" {
		return fmt.Errorf("no changes produced for %s", issue.ID)
	}
	res.ChangedFiles = strings.Split(output, "\n")

	// Mainline may have absorbed other workers' merges while this one
	// ran. Rebase is best effort; a conflict here aborts cleanly and
	// lets the merge coordinator make the final call.
	mainlineSHA, err := p.git.Run(ctx, "rev-parse", p.mainline)
	if err == nil && mainlineSHA != baseSHA {
		if _, rebaseErr := p.git.RunIn(ctx, res.WorktreePath, "rebase", p.mainline); rebaseErr != nil {
			_, _ = p.git.RunIn(ctx, res.WorktreePath, "rebase", "--abort")
			log.Warn("Rebase onto moved mainline failed, leaving branch as-is",
				slog.String("error", rebaseErr.Error()),
			)
		}
	}

	for _, command := range p.verifyCommands {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = res.WorktreePath
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("verify command %q failed: %w: %s", command, err, digest(string(out)))
		}
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, res *Result, stage Stage, err error) *Result {
	res.StageAtExit = stage
	res.Err = err
	if ctx.Err() != nil {
		res.Interrupted = true
	}

	level := slog.LevelWarn
	if res.Interrupted {
		level = slog.LevelInfo
	}
	p.log.Log(context.Background(), level, "Pipeline aborted",
		slog.String("issue", res.Issue.ID),
		slog.String("stage", string(stage)),
		slog.String("error", err.Error()),
	)
	return res
}

// teardown removes the failed pipeline's worktree and branch. Cleanup
// runs on a fresh context; the run context is typically already dead.
func (p *Pipeline) teardown(res *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := p.git.WorktreeRemove(ctx, res.WorktreePath); err != nil {
		p.log.Warn("Failed to remove worktree",
			slog.String("issue", res.Issue.ID),
			slog.String("path", res.WorktreePath),
			slog.String("error", err.Error()),
		)
	}
	if res.Branch != "" {
		_ = p.git.BranchDelete(ctx, res.Branch) // Best effort
	}
}

// leakSweep removes files that appeared in the main repository during a
// stage and are attributable to this worker. Paths carrying another
// worker's issue id are never touched.
func (p *Pipeline) leakSweep(ctx context.Context, issueID string, baseline map[string]bool) {
	paths, err := p.git.StatusPaths(ctx, p.repoRoot)
	if err != nil {
		p.log.Warn("Leak sweep status failed", slog.String("error", err.Error()))
		return
	}

	for _, path := range paths {
		if baseline[path] || p.underWorktreeDir(path) || !leakAttributedTo(path, issueID) {
			continue
		}
		p.log.Warn("Removing leaked file from main repository",
			slog.String("issue", issueID),
			slog.String("path", path),
		)
		full := filepath.Join(p.repoRoot, path)
		gitx.Locked(func() {
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				p.log.Warn("Failed to remove leaked file",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}

// underWorktreeDir reports whether a status path is part of a live
// worktree checkout. Worktrees kept inside the repository show up as
// untracked when the directory is not ignored; they are never leaks.
func (p *Pipeline) underWorktreeDir(path string) bool {
	if p.worktreeRel == "" || p.worktreeRel == "." {
		return false
	}
	return path == p.worktreeRel || strings.HasPrefix(path, p.worktreeRel+"/")
}

// leakAttributedTo applies the attribution rule: a stray path belongs
// to this worker only when it contains this worker's id, or no
// recognizable issue id at all.
func leakAttributedTo(path, issueID string) bool {
	if strings.Contains(path, issueID) {
		return true
	}
	return !issues.IDPattern.MatchString(path)
}

// matchesIssueFile reports whether the validator's path refers to the
// same file as the worker's issue.
func matchesIssueFile(validated, relPath string) bool {
	validated = filepath.Clean(strings.TrimSpace(validated))
	if validated == "" || validated == "." {
		return false
	}
	if validated == relPath || strings.HasSuffix(validated, "/"+relPath) {
		return true
	}
	return filepath.Base(validated) == filepath.Base(relPath)
}

// actionFor maps an issue category to the manage agent's verb.
func actionFor(issueType string) string {
	switch issueType {
	case "bugs":
		return "fix"
	case "enhancements":
		return "improve"
	default:
		return "implement"
	}
}

// copyDir recursively copies src into dst, merging over existing
// files. A missing src is a no-op.
func copyDir(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}

	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dst, err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", src, err)
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		entryInfo, err := entry.Info()
		if err != nil {
			return err
		}
		if err := copyFile(srcPath, dstPath, entryInfo.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, content, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}
