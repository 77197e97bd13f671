package gitx

import (
	"context"
	"fmt"
	"os"
	"time"
)

const (
	worktreeRemoveAttempts = 3
	worktreeRemoveDelay    = 500 * time.Millisecond
)

// WorktreeAdd creates a worktree at path on a new branch cut from
// baseRef. An empty baseRef means HEAD.
func (c *Client) WorktreeAdd(ctx context.Context, path, branch, baseRef string) error {
	if baseRef == "" {
		baseRef = "HEAD"
	}
	output, err := c.run(ctx, c.repoPath, "worktree", "add", "-b", branch, path, baseRef)
	if err != nil {
		return fmt.Errorf("failed to create worktree: %w: %s", err, output)
	}
	return nil
}

// WorktreeRemove force-removes a worktree, retrying a bounded number
// of times. A process still holding files open can make the removal
// fail; after the retries the directory is deleted directly and stale
// metadata pruned.
func (c *Client) WorktreeRemove(ctx context.Context, path string) error {
	var lastErr error
	for attempt := 0; attempt < worktreeRemoveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(worktreeRemoveDelay):
			}
		}
		output, err := c.run(ctx, c.repoPath, "worktree", "remove", "--force", path)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("failed to remove worktree: %w: %s", err, output)
	}

	if err := os.RemoveAll(path); err != nil {
		return lastErr
	}
	_ = c.WorktreePrune(ctx)
	return nil
}

// WorktreePrune drops metadata for worktrees whose directories are gone.
func (c *Client) WorktreePrune(ctx context.Context) error {
	output, err := c.run(ctx, c.repoPath, "worktree", "prune")
	if err != nil {
		return fmt.Errorf("failed to prune worktrees: %w: %s", err, output)
	}
	return nil
}
