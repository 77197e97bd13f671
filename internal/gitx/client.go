// Package gitx wraps the git CLI for the orchestrator: serialized
// command execution against the main repository, worktree lifecycle,
// and the stash/rebase/merge operations the merge coordinator drives.
package gitx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/llp/internal/logging"
)

// commandMu serializes git invocations process-wide. Concurrent git
// commands against the same repository can corrupt index and ref state,
// and worktree metadata lives under the main .git directory.
var commandMu sync.Mutex

// Locked runs fn while holding the git command lock. Used for
// filesystem mutations of the main repository that must not race a
// concurrent git command, such as removing leaked files.
func Locked(fn func()) {
	commandMu.Lock()
	defer commandMu.Unlock()
	fn()
}

const maxBackoff = 30 * time.Second

// Options tunes command timeouts and network retry behavior.
// Zero values fall back to defaults.
type Options struct {
	CommandTimeout  time.Duration
	RetryAttempts   int
	RetryBackoff    time.Duration
	RetryMultiplier float64
}

// Client runs git commands rooted at one repository.
type Client struct {
	repoPath        string
	timeout         time.Duration
	retryAttempts   int
	retryBackoff    time.Duration
	retryMultiplier float64
	log             *slog.Logger
}

// New creates a client for the repository at repoPath.
func New(repoPath string, opts Options) *Client {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Minute
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.RetryMultiplier <= 0 {
		opts.RetryMultiplier = 2.0
	}
	return &Client{
		repoPath:        repoPath,
		timeout:         opts.CommandTimeout,
		retryAttempts:   opts.RetryAttempts,
		retryBackoff:    opts.RetryBackoff,
		retryMultiplier: opts.RetryMultiplier,
		log:             logging.WithComponent("git"),
	}
}

// RepoPath returns the repository root this client operates on.
func (c *Client) RepoPath() string {
	return c.repoPath
}

// run executes git in dir under the process-wide lock with the
// per-command timeout applied. Output is always returned, trimmed,
// even when the command fails.
func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	commandMu.Lock()
	defer commandMu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err
}

// Run executes an arbitrary git command in the main repository.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	output, err := c.run(ctx, c.repoPath, args...)
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, output)
	}
	return output, nil
}

// RunIn executes an arbitrary git command in dir, typically a worktree.
func (c *Client) RunIn(ctx context.Context, dir string, args ...string) (string, error) {
	output, err := c.run(ctx, dir, args...)
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, output)
	}
	return output, nil
}

// IsRepo reports whether the client's path is inside a git repository.
func (c *Client) IsRepo(ctx context.Context) bool {
	_, err := c.run(ctx, c.repoPath, "rev-parse", "--git-dir")
	return err == nil
}

// CurrentBranch returns the checked-out branch of the main repository.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	output, err := c.run(ctx, c.repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w: %s", err, output)
	}
	return output, nil
}

// HeadSHA returns the SHA of HEAD in dir.
func (c *Client) HeadSHA(ctx context.Context, dir string) (string, error) {
	output, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD SHA: %w: %s", err, output)
	}
	return output, nil
}

// BranchExists checks whether a local branch exists.
func (c *Client) BranchExists(ctx context.Context, branch string) bool {
	_, err := c.run(ctx, c.repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// BranchDelete force-deletes a local branch.
func (c *Client) BranchDelete(ctx context.Context, branch string) error {
	output, err := c.run(ctx, c.repoPath, "branch", "-D", branch)
	if err != nil {
		return fmt.Errorf("failed to delete branch %s: %w: %s", branch, err, output)
	}
	return nil
}

// Fetch updates remote tracking refs, retrying transient failures.
func (c *Client) Fetch(ctx context.Context, remote string) error {
	output, err := c.retryNetwork(ctx, "fetch", func() (string, error) {
		return c.run(ctx, c.repoPath, "fetch", remote)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w: %s", remote, err, output)
	}
	return nil
}

// Push publishes branch to remote, retrying transient failures.
func (c *Client) Push(ctx context.Context, remote, branch string) error {
	output, err := c.retryNetwork(ctx, "push", func() (string, error) {
		return c.run(ctx, c.repoPath, "push", remote, branch)
	})
	if err != nil {
		return fmt.Errorf("failed to push %s: %w: %s", branch, err, output)
	}
	return nil
}

// PullRebase runs pull --rebase and returns its combined output. The
// output matters on failure too: the caller extracts dropped-commit
// lines from it before deciding how to recover.
func (c *Client) PullRebase(ctx context.Context, remote, branch string) (string, error) {
	output, err := c.retryNetwork(ctx, "pull --rebase", func() (string, error) {
		return c.run(ctx, c.repoPath, "pull", "--rebase", remote, branch)
	})
	if err != nil {
		return output, fmt.Errorf("failed to pull --rebase %s: %w: %s", branch, err, output)
	}
	return output, nil
}

// PullMerge runs pull --no-rebase, the fallback integration path when
// rebasing is not safe.
func (c *Client) PullMerge(ctx context.Context, remote, branch string) error {
	output, err := c.retryNetwork(ctx, "pull --no-rebase", func() (string, error) {
		return c.run(ctx, c.repoPath, "pull", "--no-rebase", remote, branch)
	})
	if err != nil {
		return fmt.Errorf("failed to pull --no-rebase %s: %w: %s", branch, err, output)
	}
	return nil
}

// StashPush stashes tracked and untracked changes. Returns false when
// the working tree had nothing to save.
func (c *Client) StashPush(ctx context.Context, message string) (bool, error) {
	output, err := c.run(ctx, c.repoPath, "stash", "push", "--include-untracked", "-m", message)
	if err != nil {
		return false, fmt.Errorf("failed to stash: %w: %s", err, output)
	}
	if strings.Contains(output, "No local changes to save") {
		return false, nil
	}
	return true, nil
}

// StashPop restores the most recent stash entry. The output is returned
// for diagnostics because a pop can fail halfway with conflicts.
func (c *Client) StashPop(ctx context.Context) (string, error) {
	output, err := c.run(ctx, c.repoPath, "stash", "pop")
	if err != nil {
		return output, fmt.Errorf("failed to pop stash: %w: %s", err, output)
	}
	return output, nil
}

// MergeNoFF merges branch into the current branch with an explicit
// merge commit. Conflict details are in the returned output.
func (c *Client) MergeNoFF(ctx context.Context, branch, message string) (string, error) {
	output, err := c.run(ctx, c.repoPath, "merge", "--no-ff", "--no-edit", "-m", message, branch)
	if err != nil {
		return output, fmt.Errorf("failed to merge %s: %w: %s", branch, err, output)
	}
	return output, nil
}

// MergeAbort cancels an in-progress merge.
func (c *Client) MergeAbort(ctx context.Context) error {
	output, err := c.run(ctx, c.repoPath, "merge", "--abort")
	if err != nil {
		return fmt.Errorf("failed to abort merge: %w: %s", err, output)
	}
	return nil
}

// RebaseAbort cancels an in-progress rebase.
func (c *Client) RebaseAbort(ctx context.Context) error {
	output, err := c.run(ctx, c.repoPath, "rebase", "--abort")
	if err != nil {
		return fmt.Errorf("failed to abort rebase: %w: %s", err, output)
	}
	return nil
}

// RebaseInProgress reports whether the main repository has a rebase
// underway, checking both the merge and apply backends.
func (c *Client) RebaseInProgress(ctx context.Context) bool {
	for _, marker := range []string{"rebase-merge", "rebase-apply"} {
		if path, err := c.gitPath(ctx, marker); err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return true
			}
		}
	}
	return false
}

// MergeInProgress reports whether the main repository has an unfinished
// merge (MERGE_HEAD present).
func (c *Client) MergeInProgress(ctx context.Context) bool {
	path, err := c.gitPath(ctx, "MERGE_HEAD")
	if err != nil {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

// gitPath resolves a path inside the repository's git directory.
func (c *Client) gitPath(ctx context.Context, name string) (string, error) {
	output, err := c.run(ctx, c.repoPath, "rev-parse", "--git-path", name)
	if err != nil {
		return "", fmt.Errorf("failed to resolve git path %s: %w", name, err)
	}
	if !filepath.IsAbs(output) {
		output = filepath.Join(c.repoPath, output)
	}
	return output, nil
}

// StatusLines returns the porcelain status of dir, one entry per line.
func (c *Client) StatusLines(ctx context.Context, dir string) ([]string, error) {
	output, err := c.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to check status: %w: %s", err, output)
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}

// StatusPaths returns the paths reported by porcelain status in dir.
func (c *Client) StatusPaths(ctx context.Context, dir string) ([]string, error) {
	lines, err := c.StatusLines(ctx, dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(lines))
	for _, line := range lines {
		if p := PorcelainPath(line); p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// HasChanges reports whether dir has uncommitted changes.
func (c *Client) HasChanges(ctx context.Context, dir string) (bool, error) {
	lines, err := c.StatusLines(ctx, dir)
	if err != nil {
		return false, err
	}
	return len(lines) > 0, nil
}

// CommitAll stages everything in dir and commits, returning the new
// commit SHA.
func (c *Client) CommitAll(ctx context.Context, dir, message string) (string, error) {
	if output, err := c.run(ctx, dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w: %s", err, output)
	}
	if output, err := c.run(ctx, dir, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("failed to commit: %w: %s", err, output)
	}
	return c.HeadSHA(ctx, dir)
}

// PorcelainPath extracts the file path from one porcelain status line.
// Renames report the destination side.
func PorcelainPath(line string) string {
	if len(line) < 4 {
		return ""
	}
	path := line[3:]
	if idx := strings.Index(path, " -> "); idx >= 0 {
		path = path[idx+4:]
	}
	return strings.Trim(path, "\"")
}

// retryNetwork runs fn with capped exponential backoff, retrying only
// failures that look like transient network problems. Conflicts and
// other real failures surface on the first attempt.
func (c *Client) retryNetwork(ctx context.Context, op string, fn func() (string, error)) (string, error) {
	backoff := c.retryBackoff
	var output string
	var err error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			c.log.Warn("Retrying git command",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return output, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * c.retryMultiplier)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		output, err = fn()
		if err == nil || !isTransient(output) {
			return output, err
		}
	}
	return output, err
}

var transientMarkers = []string{
	"could not resolve host",
	"connection refused",
	"connection reset",
	"connection timed out",
	"unable to access",
	"early eof",
	"the remote end hung up",
}

func isTransient(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
