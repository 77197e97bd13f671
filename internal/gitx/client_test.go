package gitx

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
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

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func initRepo(t *testing.T) (*Client, string) {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init")
	gitRun(t, dir, "config", "user.email", "test@test.com")
	gitRun(t, dir, "config", "user.name", "Test User")
	gitRun(t, dir, "config", "commit.gpgsign", "false")
	writeFile(t, dir, "README.md", "# test\n")
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial commit")
	return New(dir, Options{}), dir
}

func TestIsRepo(t *testing.T) {
	ctx := context.Background()

	c, _ := initRepo(t)
	if !c.IsRepo(ctx) {
		t.Error("initialized repo should report as a repo")
	}
}

func TestCurrentBranchAndHeadSHA(t *testing.T) {
	ctx := context.Background()
	c, dir := initRepo(t)

	branch, err := c.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch failed: %v", err)
	}
	if branch == "" {
		t.Error("expected a branch name")
	}

	sha, err := c.HeadSHA(ctx, dir)
	if err != nil {
		t.Fatalf("HeadSHA failed: %v", err)
	}
	if len(sha) != 40 {
		t.Errorf("HEAD SHA = %q, want 40 hex chars", sha)
	}
}

func TestCommitAllAndHasChanges(t *testing.T) {
	ctx := context.Background()
	c, dir := initRepo(t)

	clean, err := c.HasChanges(ctx, dir)
	if err != nil {
		t.Fatalf("HasChanges failed: %v", err)
	}
	if clean {
		t.Error("fresh repo should be clean")
	}

	writeFile(t, dir, "feature.go", "package feature\n")
	dirty, err := c.HasChanges(ctx, dir)
	if err != nil {
		t.Fatalf("HasChanges failed: %v", err)
	}
	if !dirty {
		t.Error("new file should show as a change")
	}

	sha, err := c.CommitAll(ctx, dir, "add feature")
	if err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	if len(sha) != 40 {
		t.Errorf("commit SHA = %q, want 40 hex chars", sha)
	}

	dirty, err = c.HasChanges(ctx, dir)
	if err != nil {
		t.Fatalf("HasChanges failed: %v", err)
	}
	if dirty {
		t.Error("repo should be clean after commit")
	}
}

func TestStatusPaths(t *testing.T) {
	ctx := context.Background()
	c, dir := initRepo(t)

	writeFile(t, dir, "untracked.txt", "new\n")
	writeFile(t, dir, "README.md", "# modified\n")

	paths, err := c.StatusPaths(ctx, dir)
	if err != nil {
		t.Fatalf("StatusPaths failed: %v", err)
	}

	got := make(map[string]bool, len(paths))
	for _, p := range paths {
		got[p] = true
	}
	if !got["untracked.txt"] {
		t.Errorf("expected untracked.txt in %v", paths)
	}
	if !got["README.md"] {
		t.Errorf("expected README.md in %v", paths)
	}
}

func TestStatusPathsRename(t *testing.T) {
	ctx := context.Background()
	c, dir := initRepo(t)

	gitRun(t, dir, "mv", "README.md", "DOC.md")

	paths, err := c.StatusPaths(ctx, dir)
	if err != nil {
		t.Fatalf("StatusPaths failed: %v", err)
	}
	found := false
	for _, p := range paths {
		if p == "DOC.md" {
			found = true
		}
	}
	if !found {
		t.Errorf("rename should report destination path, got %v", paths)
	}
}

func TestPorcelainPath(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"?? new.txt", "new.txt"},
		{" M src/main.go", "src/main.go"},
		{"A  added.go", "added.go"},
		{"R  old.txt -> new.txt", "new.txt"},
		{`?? "has space.txt"`, "has space.txt"},
		{"", ""},
		{"??", ""},
	}

	for _, tt := range tests {
		if got := PorcelainPath(tt.line); got != tt.want {
			t.Errorf("PorcelainPath(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestStashPushPop(t *testing.T) {
	ctx := context.Background()
	c, dir := initRepo(t)

	stashed, err := c.StashPush(ctx, "auto stash")
	if err != nil {
		t.Fatalf("StashPush failed: %v", err)
	}
	if stashed {
		t.Error("clean tree should report nothing stashed")
	}

	writeFile(t, dir, "README.md", "# dirty\n")
	stashed, err = c.StashPush(ctx, "auto stash")
	if err != nil {
		t.Fatalf("StashPush failed: %v", err)
	}
	if !stashed {
		t.Error("dirty tree should be stashed")
	}

	dirty, err := c.HasChanges(ctx, dir)
	if err != nil {
		t.Fatalf("HasChanges failed: %v", err)
	}
	if dirty {
		t.Error("tree should be clean after stash")
	}

	if _, err := c.StashPop(ctx); err != nil {
		t.Fatalf("StashPop failed: %v", err)
	}
	dirty, err = c.HasChanges(ctx, dir)
	if err != nil {
		t.Fatalf("HasChanges failed: %v", err)
	}
	if !dirty {
		t.Error("stashed change should be restored")
	}
}

func TestMergeNoFF(t *testing.T) {
	ctx := context.Background()
	c, dir := initRepo(t)

	base, err := c.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch failed: %v", err)
	}

	gitRun(t, dir, "checkout", "-b", "feature")
	writeFile(t, dir, "feature.txt", "work\n")
	if _, err := c.CommitAll(ctx, dir, "feature work"); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	gitRun(t, dir, "checkout", base)

	if _, err := c.MergeNoFF(ctx, "feature", "merge feature work"); err != nil {
		t.Fatalf("MergeNoFF failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "feature.txt")); err != nil {
		t.Error("merged file should exist on base branch")
	}

	if !c.BranchExists(ctx, "feature") {
		t.Error("feature branch should still exist before deletion")
	}
	if err := c.BranchDelete(ctx, "feature"); err != nil {
		t.Fatalf("BranchDelete failed: %v", err)
	}
	if c.BranchExists(ctx, "feature") {
		t.Error("feature branch should be gone after deletion")
	}
}

func TestMergeConflictAbort(t *testing.T) {
	ctx := context.Background()
	c, dir := initRepo(t)

	base, err := c.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch failed: %v", err)
	}

	writeFile(t, dir, "shared.txt", "base\n")
	if _, err := c.CommitAll(ctx, dir, "add shared"); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}

	gitRun(t, dir, "checkout", "-b", "feature")
	writeFile(t, dir, "shared.txt", "feature\n")
	if _, err := c.CommitAll(ctx, dir, "feature edit"); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}

	gitRun(t, dir, "checkout", base)
	writeFile(t, dir, "shared.txt", "mainline\n")
	if _, err := c.CommitAll(ctx, dir, "mainline edit"); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}

	output, err := c.MergeNoFF(ctx, "feature", "merge feature")
	if err == nil {
		t.Fatal("conflicting merge should fail")
	}
	if !strings.Contains(output, "CONFLICT") {
		t.Errorf("merge output should mention the conflict, got: %s", output)
	}
	if !c.MergeInProgress(ctx) {
		t.Error("MERGE_HEAD should exist after a conflicting merge")
	}

	if err := c.MergeAbort(ctx); err != nil {
		t.Fatalf("MergeAbort failed: %v", err)
	}
	if c.MergeInProgress(ctx) {
		t.Error("merge should be fully aborted")
	}
}

func TestNoRebaseOrMergeOnFreshRepo(t *testing.T) {
	ctx := context.Background()
	c, _ := initRepo(t)

	if c.RebaseInProgress(ctx) {
		t.Error("fresh repo should have no rebase in progress")
	}
	if c.MergeInProgress(ctx) {
		t.Error("fresh repo should have no merge in progress")
	}
}

func TestPushAndPullRebase(t *testing.T) {
	ctx := context.Background()

	origin := t.TempDir()
	gitRun(t, origin, "init", "--bare")

	c, dir := initRepo(t)
	gitRun(t, dir, "remote", "add", "origin", origin)

	branch, err := c.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch failed: %v", err)
	}
	if err := c.Push(ctx, "origin", branch); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	// Advance the remote from a second clone, then pull it back.
	other := filepath.Join(t.TempDir(), "other")
	gitRun(t, filepath.Dir(other), "clone", origin, other)
	gitRun(t, other, "config", "user.email", "test@test.com")
	gitRun(t, other, "config", "user.name", "Test User")
	writeFile(t, other, "remote.txt", "upstream\n")
	gitRun(t, other, "add", ".")
	gitRun(t, other, "commit", "-m", "remote change")
	gitRun(t, other, "push", "origin", branch)

	if _, err := c.PullRebase(ctx, "origin", branch); err != nil {
		t.Fatalf("PullRebase failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "remote.txt")); err != nil {
		t.Error("pulled file should exist locally")
	}
}

func TestDroppedCommits(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []DroppedCommit
	}{
		{
			name:   "single dropped commit",
			output: "dropping ae3b85ec1cac501058f6e5da362be37be1c99801 feat(ai): add stall detection",
			want: []DroppedCommit{
				{SHA: "ae3b85ec1cac501058f6e5da362be37be1c99801", Subject: "feat(ai): add stall detection"},
			},
		},
		{
			name:   "upstream suffix trimmed",
			output: "dropping 1234567 fix: typo -- patch contents already upstream",
			want: []DroppedCommit{
				{SHA: "1234567", Subject: "fix: typo"},
			},
		},
		{
			name: "multiple among other lines",
			output: "First, rewinding head to replay your work on top of it...\n" +
				"dropping aaaaaaa feat: one\n" +
				"Applying: feat: two\n" +
				"dropping bbbbbbb fix: three\n",
			want: []DroppedCommit{
				{SHA: "aaaaaaa", Subject: "feat: one"},
				{SHA: "bbbbbbb", Subject: "fix: three"},
			},
		},
		{
			name:   "no dropped commits",
			output: "Already up to date.",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DroppedCommits(tt.output)
			if len(got) != len(tt.want) {
				t.Fatalf("DroppedCommits returned %d entries, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("entry %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"fatal: unable to access 'https://example.com/repo.git/'", true},
		{"ssh: connect to host example.com port 22: Connection refused", true},
		{"fatal: Could not resolve host: example.com", true},
		{"CONFLICT (content): Merge conflict in main.go", false},
		{"Already up to date.", false},
	}

	for _, tt := range tests {
		if got := isTransient(tt.output); got != tt.want {
			t.Errorf("isTransient(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}
