// Package orchestrator owns the dispatch loop: it feeds ready issues
// to the worker pool, drains finished results into the merge
// coordinator, and persists run state across crashes. All run-state
// mutation happens on the tick goroutine; worker callbacks only drop
// results into a mailbox.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alekspetrov/llp/internal/graph"
	"github.com/alekspetrov/llp/internal/history"
	"github.com/alekspetrov/llp/internal/issues"
	"github.com/alekspetrov/llp/internal/logging"
	"github.com/alekspetrov/llp/internal/merge"
	"github.com/alekspetrov/llp/internal/overlap"
	"github.com/alekspetrov/llp/internal/queue"
	"github.com/alekspetrov/llp/internal/status"
	"github.com/alekspetrov/llp/internal/worker"
)

const (
	defaultTick        = 100 * time.Millisecond
	defaultStatusEvery = 5 * time.Second
	defaultMergeDrain  = 2
	shutdownGrace      = 2 * time.Minute
	statusLogLines     = 8
)

// Integrator is the merge coordinator surface the orchestrator drives.
type Integrator interface {
	Enqueue(res *worker.Result)
	Drain(ctx context.Context, max int) int
	Pending() int
	Completed() []string
	Failures() []merge.FailedMerge
}

// Options wires an orchestrator run. Queue, Graph, Runner, and
// Integrator are required.
type Options struct {
	Queue      *queue.Queue
	Graph      *graph.Graph
	Runner     worker.IssueRunner
	Workers    int
	Monitor    *worker.Monitor
	Integrator Integrator

	// Detector nil disables overlap checks entirely; WarnOnly keeps
	// dispatching overlapping issues with a logged warning.
	Detector *overlap.Detector
	WarnOnly bool

	// Store nil disables persistence. State nil starts empty.
	Store *StateStore
	State *State

	// Recorder nil disables the history ledger.
	Recorder *history.Recorder

	// Status nil disables live snapshot publishing.
	Status *status.Feed

	// IssuesRoot empty disables moving merged issues to CompletedDir.
	IssuesRoot   string
	CompletedDir string

	Tick         time.Duration
	StatusEvery  time.Duration
	MergePerTick int
}

// Orchestrator runs the single-threaded dispatch loop.
type Orchestrator struct {
	queue      *queue.Queue
	graph      *graph.Graph
	pool       *worker.Pool
	monitor    *worker.Monitor
	integrator Integrator
	detector   *overlap.Detector
	warnOnly   bool
	store      *StateStore
	state      *State
	recorder   *history.Recorder
	status     *status.Feed

	issuesRoot   string
	completedDir string
	tick         time.Duration
	statusEvery  time.Duration
	mergePerTick int

	mailbox      chan *worker.Result
	pendingMerge map[string]*worker.Result
	inProgress   map[string]bool
	mergedSeen   int
	failedSeen   int
	dirty        bool
	waveLabel    string
	started      bool

	log *slog.Logger
}

// New creates an orchestrator. The worker pool is built here so its
// completion callback lands in this orchestrator's mailbox.
func New(opts Options) *Orchestrator {
	if opts.Monitor == nil {
		opts.Monitor = worker.NewMonitor()
	}
	if opts.State == nil {
		opts.State = NewState()
	}
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.StatusEvery <= 0 {
		opts.StatusEvery = defaultStatusEvery
	}
	if opts.MergePerTick <= 0 {
		opts.MergePerTick = defaultMergeDrain
	}

	o := &Orchestrator{
		queue:        opts.Queue,
		graph:        opts.Graph,
		monitor:      opts.Monitor,
		integrator:   opts.Integrator,
		detector:     opts.Detector,
		warnOnly:     opts.WarnOnly,
		store:        opts.Store,
		state:        opts.State,
		recorder:     opts.Recorder,
		status:       opts.Status,
		issuesRoot:   opts.IssuesRoot,
		completedDir: opts.CompletedDir,
		tick:         opts.Tick,
		statusEvery:  opts.StatusEvery,
		mergePerTick: opts.MergePerTick,
		mailbox:      make(chan *worker.Result, 256),
		pendingMerge: make(map[string]*worker.Result),
		inProgress:   make(map[string]bool),
		log:          logging.WithComponent("orchestrator"),
	}
	o.pool = worker.NewPool(opts.Workers, opts.Runner, o.handleResult)
	return o
}

// State returns the orchestrator's run state. Read it only after Run
// has returned.
func (o *Orchestrator) State() *State {
	return o.state
}

// Monitor returns the shared stage monitor.
func (o *Orchestrator) Monitor() *worker.Monitor {
	return o.monitor
}

// Enqueue adds issues to the dispatch queue.
func (o *Orchestrator) Enqueue(list []*issues.Issue) {
	for _, issue := range list {
		o.queue.Push(issue)
	}
}

// Run drives ticks until the queue, the workers, and the merge queue
// are all empty, or the context is cancelled. It may be called again
// to process newly enqueued work (sprint waves do this).
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started {
		for _, cycle := range o.graph.DetectCycles() {
			o.log.Warn("Dependency cycle detected",
				slog.String("cycle", strings.Join(cycle, " -> ")),
			)
		}
		o.pool.Start(ctx)
		o.started = true
	}

	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()
	status := time.NewTicker(o.statusEvery)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return o.shutdown(ctx.Err())
		case <-status.C:
			o.logStatus()
		case <-ticker.C:
			if o.tickOnce(ctx) {
				o.logStatus()
				o.persist()
				return nil
			}
		}
	}
}

// tickOnce runs one scheduling round and reports whether the run is
// fully drained.
func (o *Orchestrator) tickOnce(ctx context.Context) bool {
	o.drainMailbox()
	o.dispatchReady()
	o.integrator.Drain(ctx, o.mergePerTick)
	o.processMergeOutcomes()
	if o.dirty {
		o.publishStatus(false)
		o.persist()
	}
	done := o.queue.Len() == 0 &&
		o.pool.Active() == 0 &&
		o.integrator.Pending() == 0 &&
		len(o.mailbox) == 0
	if done {
		o.publishStatus(true)
	}
	return done
}

// publishStatus pushes a snapshot into the status feed, if one is
// attached.
func (o *Orchestrator) publishStatus(done bool) {
	if o.status == nil {
		return
	}
	infos := o.monitor.Snapshot()
	workers := make([]status.WorkerStatus, 0, len(infos))
	for _, info := range infos {
		workers = append(workers, status.WorkerStatus{
			IssueID: info.IssueID,
			Title:   info.Title,
			Stage:   string(info.Stage),
			Since:   info.StartedAt,
		})
	}
	o.status.Publish(status.Snapshot{
		RunID:        o.recorder.RunID(),
		Wave:         o.waveLabel,
		Workers:      workers,
		QueueDepth:   o.queue.Len(),
		Completed:    len(o.state.Completed),
		Failed:       len(o.state.Failed),
		PendingMerge: o.integrator.Pending(),
		Done:         done,
		Log:          logTail(o.state.LogTail, statusLogLines),
	})
}

// logTail returns the last n lines as a copy.
func logTail(lines []string, n int) []string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return append([]string(nil), lines...)
}

// handleResult is the worker completion callback. It runs on worker
// goroutines, possibly several at once, so it touches only thread-safe
// collaborators and defers state mutation to the tick loop.
func (o *Orchestrator) handleResult(res *worker.Result) {
	o.monitor.Set(res.Issue.ID, res.FinalStage())
	if o.detector != nil {
		o.detector.Unregister(res.Issue.ID)
	}
	if res.Success {
		o.integrator.Enqueue(res)
	}
	o.mailbox <- res
}

// drainMailbox applies queued worker results to the run state.
func (o *Orchestrator) drainMailbox() {
	for {
		select {
		case res := <-o.mailbox:
			o.applyResult(res)
		default:
			return
		}
	}
}

func (o *Orchestrator) applyResult(res *worker.Result) {
	id := res.Issue.ID
	o.state.MarkAttempted(id)

	if len(res.Corrections) > 0 {
		notes := make([]string, 0, len(res.Corrections))
		for _, c := range res.Corrections {
			notes = append(notes, c.String())
		}
		o.state.AddCorrections(id, notes)
	}

	if res.Success {
		// The merge outcome decides completed vs failed.
		o.pendingMerge[id] = res
	} else {
		o.state.MarkFailed(id)
		o.monitor.Remove(id)
		errText := ""
		if res.Err != nil {
			errText = res.Err.Error()
			o.log.Warn("Issue failed",
				slog.String("issue", id),
				slog.String("stage", string(res.StageAtExit)),
				slog.String("error", errText),
			)
		}
		o.recorder.Outcome(id, string(res.StageAtExit), false, errText,
			res.Duration, len(res.Corrections))
	}

	delete(o.inProgress, id)
	o.syncInProgress()
	o.dirty = true
}

// dispatchReady pops issues until the pool is full, requeueing the
// ones that cannot run yet. Issues whose blockers have terminally
// failed are dropped as failed so the run can still drain.
func (o *Orchestrator) dispatchReady() {
	type deferred struct {
		issue  *issues.Issue
		demote int
	}
	var requeue []deferred

	completed := o.state.CompletedSet()
	failed := make(map[string]bool, len(o.state.Failed))
	for _, id := range o.state.Failed {
		failed[id] = true
	}

	for o.queue.Len() > 0 && o.pool.Active() < o.pool.Size() {
		issue, err := o.queue.Pop()
		if err != nil {
			break
		}

		blockers := o.graph.BlockingIssues(issue.ID, completed)
		if len(blockers) > 0 {
			if anyIn(blockers, failed) {
				o.log.Warn("Skipping issue, blocker failed",
					slog.String("issue", issue.ID),
					slog.String("blockers", strings.Join(blockers, ", ")),
				)
				o.state.MarkAttempted(issue.ID)
				o.state.MarkFailed(issue.ID)
				failed[issue.ID] = true
				o.dirty = true
				continue
			}
			requeue = append(requeue, deferred{issue, 0})
			continue
		}

		if o.detector != nil {
			if overlapping := o.detector.Check(issue); len(overlapping) > 0 {
				if o.warnOnly {
					o.log.Warn("Dispatching despite overlap",
						slog.String("issue", issue.ID),
						slog.String("overlaps", strings.Join(overlapping, ", ")),
					)
				} else {
					o.log.Info("Deferring overlapping issue",
						slog.String("issue", issue.ID),
						slog.String("overlaps", strings.Join(overlapping, ", ")),
					)
					requeue = append(requeue, deferred{issue, 1})
					continue
				}
			}
			o.detector.Register(issue)
		}

		if !o.pool.TryDispatch(issue) {
			if o.detector != nil {
				o.detector.Unregister(issue.ID)
			}
			requeue = append(requeue, deferred{issue, 0})
			break
		}

		o.log.Info("Dispatched issue",
			slog.String("issue", issue.ID),
			slog.String("priority", issue.PriorityLabel()),
		)
		o.state.MarkAttempted(issue.ID)
		o.inProgress[issue.ID] = true
		o.syncInProgress()
		o.dirty = true
	}

	for _, d := range requeue {
		o.queue.Requeue(d.issue, d.demote)
	}
}

// processMergeOutcomes folds newly merged and newly failed merges into
// the run state, watermarked so each outcome is applied once. An
// outcome whose result has not passed through the mailbox yet is left
// for the next tick; the coordinator can merge a branch in the window
// between the callback's Enqueue and the mailbox drain.
func (o *Orchestrator) processMergeOutcomes() {
	mergedIDs := o.integrator.Completed()
	for _, id := range mergedIDs[o.mergedSeen:] {
		res := o.pendingMerge[id]
		if res == nil {
			break
		}
		o.state.MarkCompleted(id)
		o.monitor.Remove(id)
		if o.issuesRoot != "" {
			if _, err := issues.MoveToCompleted(res.Issue, o.issuesRoot, o.completedDir); err != nil {
				o.log.Warn("Failed to move issue to completed",
					slog.String("issue", id),
					slog.String("error", err.Error()),
				)
			}
		}
		o.recorder.Outcome(id, string(worker.StageCompleted), true, "",
			res.Duration, len(res.Corrections))
		delete(o.pendingMerge, id)
		o.log.Info("Issue completed", slog.String("issue", id))
		o.mergedSeen++
		o.dirty = true
	}

	failures := o.integrator.Failures()
	for _, f := range failures[o.failedSeen:] {
		res := o.pendingMerge[f.IssueID]
		if res == nil {
			break
		}
		o.state.MarkFailed(f.IssueID)
		o.monitor.Remove(f.IssueID)
		o.recorder.Outcome(f.IssueID, string(worker.StageMerging), false, f.Reason,
			res.Duration, len(res.Corrections))
		delete(o.pendingMerge, f.IssueID)
		o.log.Warn("Merge failed",
			slog.String("issue", f.IssueID),
			slog.String("reason", f.Reason),
		)
		o.failedSeen++
		o.dirty = true
	}

	if pending := o.integrator.Pending(); pending != o.state.PendingMerge {
		o.state.PendingMerge = pending
		o.dirty = true
	}
}

// shutdown stops dispatch, waits for in-flight workers, and integrates
// what already succeeded. The run context is gone, so cleanup gets a
// fresh bounded one.
func (o *Orchestrator) shutdown(cause error) error {
	o.log.Info("Cancellation requested, draining workers",
		slog.Int("active", o.pool.Active()),
	)
	o.pool.Close()
	o.started = false

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	o.drainMailbox()
	o.integrator.Drain(ctx, 0)
	o.processMergeOutcomes()
	o.logStatus()
	o.publishStatus(true)
	o.persist()
	return cause
}

// Shutdown releases the worker pool after the final Run.
func (o *Orchestrator) Shutdown() {
	if o.started {
		o.pool.Close()
		o.started = false
	}
}

func (o *Orchestrator) syncInProgress() {
	ids := make([]string, 0, len(o.inProgress))
	for id := range o.inProgress {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	o.state.SetInProgress(ids)
}

func (o *Orchestrator) persist() {
	if o.store == nil {
		o.dirty = false
		return
	}
	if err := o.store.Save(o.state); err != nil {
		o.log.Warn("Failed to persist state", slog.String("error", err.Error()))
		return
	}
	o.dirty = false
}

// logStatus emits the periodic one-line run summary and appends it to
// the state's rotating log tail.
func (o *Orchestrator) logStatus() {
	grouped := o.monitor.Grouped()
	stages := make([]string, 0, len(grouped))
	for _, stage := range []worker.Stage{
		worker.StageSetup, worker.StageValidating, worker.StageImplementing,
		worker.StageVerifying, worker.StageMerging,
	} {
		if ids := grouped[stage]; len(ids) > 0 {
			stages = append(stages, fmt.Sprintf("%s: %s", stage, strings.Join(ids, ",")))
		}
	}
	stageLine := strings.Join(stages, " | ")
	if stageLine == "" {
		stageLine = "idle"
	}

	attrs := []any{
		slog.Int("active", o.pool.Active()),
		slog.String("stages", stageLine),
		slog.Int("completed", len(o.state.Completed)),
		slog.Int("failed", len(o.state.Failed)),
		slog.Int("pending_merge", o.integrator.Pending()),
		slog.Int("queued", o.queue.Len()),
	}
	if o.waveLabel != "" {
		attrs = append(attrs, slog.String("wave", o.waveLabel))
	}
	o.log.Info("Status", attrs...)

	line := fmt.Sprintf("active=%d %s completed=%d failed=%d pending_merge=%d",
		o.pool.Active(), stageLine, len(o.state.Completed), len(o.state.Failed), o.integrator.Pending())
	if o.waveLabel != "" {
		line = o.waveLabel + " " + line
	}
	o.state.AppendLog(line)
	o.dirty = true
}

func anyIn(ids []string, set map[string]bool) bool {
	for _, id := range ids {
		if set[id] {
			return true
		}
	}
	return false
}
