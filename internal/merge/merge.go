// Package merge integrates finished worker branches into the mainline,
// one at a time. Results arrive in a mailbox and are drained by a
// single caller, so the whole stash, pull, merge, cleanup sequence is
// single-writer; individual git commands additionally serialize on the
// process-wide command lock.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alekspetrov/llp/internal/gitx"
	"github.com/alekspetrov/llp/internal/logging"
	"github.com/alekspetrov/llp/internal/worker"
)

// StashRecoveryHint tells the operator how to get stranded local
// changes back after a failed stash pop.
const StashRecoveryHint = "run 'git stash list' and 'git stash pop' to recover local changes"

// FailedMerge records one branch that could not be integrated.
type FailedMerge struct {
	IssueID string
	Branch  string
	Reason  string
}

// Stats is an immutable snapshot of the coordinator's counters.
type Stats struct {
	Pending          int
	Completed        int
	Failed           int
	StashPopFailures int
}

// OutcomeFunc is notified after each merge attempt, successful or not.
type OutcomeFunc func(res *worker.Result, merged bool, reason string)

// Coordinator merges worker branches into the mainline in arrival
// order. Enqueue may be called from any goroutine; Drain must be
// called from exactly one.
type Coordinator struct {
	git      *gitx.Client
	remote   string
	mainline string
	onDone   OutcomeFunc
	log      *slog.Logger

	mu            sync.Mutex
	queue         []*worker.Result
	completed     []string
	failed        []FailedMerge
	stashWarnings map[string]string
	problematic   map[string]bool
}

// NewCoordinator creates a coordinator integrating into mainline via
// remote. onDone may be nil.
func NewCoordinator(git *gitx.Client, remote, mainline string, onDone OutcomeFunc) *Coordinator {
	return &Coordinator{
		git:           git,
		remote:        remote,
		mainline:      mainline,
		onDone:        onDone,
		log:           logging.WithComponent("merge"),
		stashWarnings: make(map[string]string),
		problematic:   make(map[string]bool),
	}
}

// Enqueue adds a successful worker result to the merge queue.
func (c *Coordinator) Enqueue(res *worker.Result) {
	c.mu.Lock()
	c.queue = append(c.queue, res)
	pending := len(c.queue)
	c.mu.Unlock()

	c.log.Debug("Merge queued",
		slog.String("issue", res.Issue.ID),
		slog.String("branch", res.Branch),
		slog.Int("pending", pending),
	)
}

// Pending returns the number of queued, unmerged results.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Drain merges up to max queued results and returns how many it
// processed. max <= 0 drains everything currently queued.
func (c *Coordinator) Drain(ctx context.Context, max int) int {
	processed := 0
	for max <= 0 || processed < max {
		if ctx.Err() != nil {
			return processed
		}
		res := c.pop()
		if res == nil {
			return processed
		}
		c.mergeOne(ctx, res)
		processed++
	}
	return processed
}

func (c *Coordinator) pop() *worker.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	res := c.queue[0]
	c.queue = c.queue[1:]
	return res
}

// mergeOne runs the full integration sequence for one worker branch.
func (c *Coordinator) mergeOne(ctx context.Context, res *worker.Result) {
	issueID := res.Issue.ID
	log := c.log.With(slog.String("issue", issueID), slog.String("branch", res.Branch))
	log.Info("Merging worker branch")

	stashed, err := c.git.StashPush(ctx, "llp auto-stash before merging "+res.Branch)
	if err != nil {
		log.Warn("Stash failed, merging over local state", slog.String("error", err.Error()))
	}

	c.pullMainline(ctx, log)

	message := fmt.Sprintf("Merge %s: %s", res.Branch, res.Issue.Title)
	if _, err := c.git.MergeNoFF(ctx, res.Branch, message); err != nil {
		if mergeErr := c.git.MergeAbort(ctx); mergeErr != nil && c.git.MergeInProgress(ctx) {
			log.Error("Merge abort failed", slog.String("error", mergeErr.Error()))
		}
		c.recordFailure(ctx, res, fmt.Sprintf("merge conflict: %v", err), stashed)
		return
	}

	if err := c.git.BranchDelete(ctx, res.Branch); err != nil {
		log.Warn("Failed to delete merged branch", slog.String("error", err.Error()))
	}

	c.popStash(ctx, issueID, stashed, log)

	if err := c.git.WorktreeRemove(ctx, res.WorktreePath); err != nil {
		log.Warn("Failed to remove worktree",
			slog.String("path", res.WorktreePath),
			slog.String("error", err.Error()),
		)
	}

	c.mu.Lock()
	c.completed = append(c.completed, issueID)
	c.mu.Unlock()

	log.Info("Merge complete")
	if c.onDone != nil {
		c.onDone(res, true, "")
	}
}

type pullAction int

const (
	pullSkip pullAction = iota
	pullFallbackMerge
)

// pullMainline refreshes the mainline before merging. Every failure
// path is non-fatal and must leave no rebase in progress.
func (c *Coordinator) pullMainline(ctx context.Context, log *slog.Logger) {
	output, err := c.git.PullRebase(ctx, c.remote, c.mainline)
	if err == nil {
		return
	}

	if c.git.RebaseInProgress(ctx) {
		if abortErr := c.git.RebaseAbort(ctx); abortErr != nil {
			log.Error("Rebase abort failed", slog.String("error", abortErr.Error()))
		}
	}

	if c.classifyPullFailure(log, output) == pullFallbackMerge {
		// The same commit keeps breaking rebase pulls; switch to the
		// merge strategy for this pull.
		log.Warn("Known problematic commit, falling back to pull --no-rebase")
		if mergeErr := c.git.PullMerge(ctx, c.remote, c.mainline); mergeErr != nil {
			log.Warn("Fallback pull failed, continuing without pull",
				slog.String("error", mergeErr.Error()),
			)
		}
		return
	}

	log.Warn("Pull skipped", slog.String("error", err.Error()))
}

// classifyPullFailure extracts dropped-commit SHAs from failed rebase
// output and books them. A SHA seen before in this run means rebasing
// is structurally stuck and the pull should fall back to a merge.
func (c *Coordinator) classifyPullFailure(log *slog.Logger, output string) pullAction {
	dropped := gitx.DroppedCommits(output)
	if len(dropped) == 0 {
		// No tracking remote, local changes, network trouble. The
		// merge can proceed against the current mainline.
		return pullSkip
	}

	known := false
	c.mu.Lock()
	for _, commit := range dropped {
		if c.problematic[commit.SHA] {
			known = true
		}
		c.problematic[commit.SHA] = true
	}
	c.mu.Unlock()

	if known {
		return pullFallbackMerge
	}
	for _, commit := range dropped {
		log.Warn("Rebase dropped a commit, continuing without pull",
			slog.String("sha", commit.SHA),
			slog.String("subject", commit.Subject),
		)
	}
	return pullSkip
}

// popStash restores stashed local changes. A failed pop never fails
// the merge; it is recorded as a warning for the final report.
func (c *Coordinator) popStash(ctx context.Context, issueID string, stashed bool, log *slog.Logger) {
	if !stashed {
		return
	}
	output, err := c.git.StashPop(ctx)
	if err == nil {
		return
	}
	log.Warn("Stash pop failed, local changes remain stashed",
		slog.String("error", err.Error()),
		slog.String("hint", StashRecoveryHint),
	)
	c.mu.Lock()
	c.stashWarnings[issueID] = firstLine(output, err)
	c.mu.Unlock()
}

// recordFailure books a failed merge and tears the branch state down
// as far as it safely can. The stash is still popped so local changes
// do not stay buried behind a failed integration.
func (c *Coordinator) recordFailure(ctx context.Context, res *worker.Result, reason string, stashed bool) {
	issueID := res.Issue.ID
	log := c.log.With(slog.String("issue", issueID))
	log.Warn("Merge failed", slog.String("reason", reason))

	c.popStash(ctx, issueID, stashed, log)

	if err := c.git.WorktreeRemove(ctx, res.WorktreePath); err != nil {
		log.Warn("Failed to remove worktree after failed merge",
			slog.String("error", err.Error()),
		)
	}
	if err := c.git.BranchDelete(ctx, res.Branch); err != nil {
		log.Warn("Failed to delete branch after failed merge",
			slog.String("error", err.Error()),
		)
	}

	c.mu.Lock()
	c.failed = append(c.failed, FailedMerge{IssueID: issueID, Branch: res.Branch, Reason: reason})
	c.mu.Unlock()

	if c.onDone != nil {
		c.onDone(res, false, reason)
	}
}

// Stats returns a copy of the counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Pending:          len(c.queue),
		Completed:        len(c.completed),
		Failed:           len(c.failed),
		StashPopFailures: len(c.stashWarnings),
	}
}

// Completed returns merged issue ids in integration order.
func (c *Coordinator) Completed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.completed))
	copy(out, c.completed)
	return out
}

// Failures returns the failed merges in the order they happened.
func (c *Coordinator) Failures() []FailedMerge {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FailedMerge, len(c.failed))
	copy(out, c.failed)
	return out
}

// StashWarnings returns stash-pop failures keyed by issue id.
func (c *Coordinator) StashWarnings() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.stashWarnings))
	for id, detail := range c.stashWarnings {
		out[id] = detail
	}
	return out
}

func firstLine(output string, err error) string {
	if output == "" {
		return err.Error()
	}
	if i := strings.IndexByte(output, '\n'); i >= 0 {
		return output[:i]
	}
	return output
}
