package gitx

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestWorktreeLifecycle(t *testing.T) {
	ctx := context.Background()
	c, _ := initRepo(t)

	wtPath := filepath.Join(t.TempDir(), "wt")
	branch := "llp/TEST-1-1700000000"

	if err := c.WorktreeAdd(ctx, wtPath, branch, "HEAD"); err != nil {
		t.Fatalf("WorktreeAdd failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wtPath, "README.md")); err != nil {
		t.Error("worktree should contain tracked files")
	}

	current, err := c.RunIn(ctx, wtPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		t.Fatalf("rev-parse in worktree failed: %v", err)
	}
	if current != branch {
		t.Errorf("worktree branch = %q, want %q", current, branch)
	}
	if !c.BranchExists(ctx, branch) {
		t.Error("worktree branch should exist in the main repo")
	}

	// Commits made inside the worktree land on its branch.
	writeFile(t, wtPath, "change.txt", "isolated\n")
	if _, err := c.CommitAll(ctx, wtPath, "isolated change"); err != nil {
		t.Fatalf("CommitAll in worktree failed: %v", err)
	}

	if err := c.WorktreeRemove(ctx, wtPath); err != nil {
		t.Fatalf("WorktreeRemove failed: %v", err)
	}
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Error("worktree directory should be gone")
	}

	if err := c.BranchDelete(ctx, branch); err != nil {
		t.Fatalf("BranchDelete failed: %v", err)
	}
	if c.BranchExists(ctx, branch) {
		t.Error("branch should be gone after deletion")
	}
}

func TestWorktreeRemoveMissingIsSafe(t *testing.T) {
	ctx := context.Background()
	c, _ := initRepo(t)

	wtPath := filepath.Join(t.TempDir(), "wt")
	if err := c.WorktreeAdd(ctx, wtPath, "llp/TEST-2-1700000001", "HEAD"); err != nil {
		t.Fatalf("WorktreeAdd failed: %v", err)
	}
	if err := c.WorktreeRemove(ctx, wtPath); err != nil {
		t.Fatalf("first remove failed: %v", err)
	}
	if err := c.WorktreeRemove(ctx, wtPath); err != nil {
		t.Errorf("removing an already-removed worktree should succeed: %v", err)
	}
}

func TestWorktreePrune(t *testing.T) {
	ctx := context.Background()
	c, _ := initRepo(t)

	wtPath := filepath.Join(t.TempDir(), "wt")
	if err := c.WorktreeAdd(ctx, wtPath, "llp/TEST-3-1700000002", "HEAD"); err != nil {
		t.Fatalf("WorktreeAdd failed: %v", err)
	}

	// Delete the directory behind git's back, then prune the metadata.
	if err := os.RemoveAll(wtPath); err != nil {
		t.Fatalf("failed to delete worktree directory: %v", err)
	}
	if err := c.WorktreePrune(ctx); err != nil {
		t.Fatalf("WorktreePrune failed: %v", err)
	}
}
