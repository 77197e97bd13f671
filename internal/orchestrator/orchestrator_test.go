package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alekspetrov/llp/internal/agent"
	"github.com/alekspetrov/llp/internal/graph"
	"github.com/alekspetrov/llp/internal/issues"
	"github.com/alekspetrov/llp/internal/merge"
	"github.com/alekspetrov/llp/internal/overlap"
	"github.com/alekspetrov/llp/internal/queue"
	"github.com/alekspetrov/llp/internal/worker"
)

// stubRunner stands in for the worktree pipeline. Issues listed in
// fail return unsuccessful results; issues with a gate block until the
// test releases them.
type stubRunner struct {
	mu          sync.Mutex
	fail        map[string]bool
	gates       map[string]chan struct{}
	corrections map[string][]agent.Correction
	started     []string
	active      int
	maxActive   int
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		fail:        make(map[string]bool),
		gates:       make(map[string]chan struct{}),
		corrections: make(map[string][]agent.Correction),
	}
}

func (r *stubRunner) gate(id string) chan struct{} {
	ch := make(chan struct{})
	r.gates[id] = ch
	return ch
}

func (r *stubRunner) Run(ctx context.Context, issue *issues.Issue) *worker.Result {
	r.mu.Lock()
	r.started = append(r.started, issue.ID)
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	gate := r.gates[issue.ID]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.active--
	r.mu.Unlock()

	res := &worker.Result{
		Issue:       issue,
		Branch:      "llp/" + issue.ID + "-1",
		Success:     true,
		StageAtExit: worker.StageMerging,
		Corrections: r.corrections[issue.ID],
	}
	switch {
	case ctx.Err() != nil:
		res.Success = false
		res.Interrupted = true
		res.Err = ctx.Err()
		res.StageAtExit = worker.StageImplementing
	case r.fail[issue.ID]:
		res.Success = false
		res.Err = errors.New("agent reported FAILED")
		res.StageAtExit = worker.StageImplementing
	}
	return res
}

func (r *stubRunner) startedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func (r *stubRunner) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *stubRunner) peakActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxActive
}

// stubIntegrator is an in-memory merge coordinator: enqueued results
// become completed ids on Drain unless failReasons names them.
type stubIntegrator struct {
	mu          sync.Mutex
	queue       []*worker.Result
	completed   []string
	failures    []merge.FailedMerge
	failReasons map[string]string
}

func newStubIntegrator() *stubIntegrator {
	return &stubIntegrator{failReasons: make(map[string]string)}
}

func (s *stubIntegrator) Enqueue(res *worker.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, res)
}

func (s *stubIntegrator) Drain(ctx context.Context, max int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for len(s.queue) > 0 && (max <= 0 || n < max) {
		res := s.queue[0]
		s.queue = s.queue[1:]
		if reason, bad := s.failReasons[res.Issue.ID]; bad {
			s.failures = append(s.failures, merge.FailedMerge{
				IssueID: res.Issue.ID,
				Branch:  res.Branch,
				Reason:  reason,
			})
		} else {
			s.completed = append(s.completed, res.Issue.ID)
		}
		n++
	}
	return n
}

func (s *stubIntegrator) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *stubIntegrator) Completed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.completed...)
}

func (s *stubIntegrator) Failures() []merge.FailedMerge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]merge.FailedMerge(nil), s.failures...)
}

func orchIssue(id string, blockedBy ...string) *issues.Issue {
	return &issues.Issue{
		ID:        id,
		Priority:  2,
		Title:     "Work on " + id,
		BlockedBy: blockedBy,
	}
}

func newTestOrchestrator(t *testing.T, list []*issues.Issue, runner worker.IssueRunner, integ Integrator, mutate func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		Queue:       queue.New(),
		Graph:       graph.FromIssues(list, nil),
		Runner:      runner,
		Workers:     2,
		Integrator:  integ,
		Tick:        2 * time.Millisecond,
		StatusEvery: time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}
	o := New(opts)
	t.Cleanup(o.Shutdown)
	return o
}

func runWithDeadline(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunProcessesIndependentIssues(t *testing.T) {
	list := []*issues.Issue{orchIssue("FEAT-001"), orchIssue("FEAT-002"), orchIssue("FEAT-003")}
	runner := newStubRunner()
	runner.corrections["FEAT-001"] = []agent.Correction{{Category: "line_drift", Text: "anchor moved"}}
	integ := newStubIntegrator()
	statePath := filepath.Join(t.TempDir(), ".auto-state.json")

	o := newTestOrchestrator(t, list, runner, integ, func(opts *Options) {
		opts.Store = NewStateStore(statePath)
	})
	o.Enqueue(list)
	runWithDeadline(t, o)

	st := o.State()
	if len(st.Completed) != 3 {
		t.Fatalf("Completed = %v, want all three issues", st.Completed)
	}
	if len(st.Failed) != 0 {
		t.Errorf("Failed = %v, want none", st.Failed)
	}
	if got := st.Corrections["FEAT-001"]; len(got) != 1 || got[0] != "[line_drift] anchor moved" {
		t.Errorf("Corrections = %v", st.Corrections)
	}
	if o.Monitor().Count() != 0 {
		t.Errorf("monitor still tracks %d issues after run", o.Monitor().Count())
	}
	if len(st.InProgress) != 0 {
		t.Errorf("InProgress = %v, want empty after clean run", st.InProgress)
	}

	disk, err := NewStateStore(statePath).Load(nil)
	if err != nil {
		t.Fatalf("Load persisted state: %v", err)
	}
	if len(disk.Completed) != 3 {
		t.Errorf("persisted Completed = %v", disk.Completed)
	}
}

func TestRunHonorsDependencyOrder(t *testing.T) {
	a := orchIssue("FEAT-001")
	b := orchIssue("FEAT-002", "FEAT-001")
	runner := newStubRunner()
	integ := newStubIntegrator()

	o := newTestOrchestrator(t, []*issues.Issue{a, b}, runner, integ, nil)
	o.Enqueue([]*issues.Issue{b, a})
	runWithDeadline(t, o)

	if got := strings.Join(o.State().Completed, ","); got != "FEAT-001,FEAT-002" {
		t.Errorf("Completed = %q, want blocker first", got)
	}
	if got := strings.Join(runner.startedIDs(), ","); got != "FEAT-001,FEAT-002" {
		t.Errorf("start order = %q", got)
	}
	if runner.peakActive() != 1 {
		t.Errorf("peak concurrency = %d, dependency should serialize the pair", runner.peakActive())
	}
}

func TestRunSkipsIssueWithFailedBlocker(t *testing.T) {
	a := orchIssue("FEAT-001")
	b := orchIssue("FEAT-002", "FEAT-001")
	runner := newStubRunner()
	runner.fail["FEAT-001"] = true
	integ := newStubIntegrator()

	o := newTestOrchestrator(t, []*issues.Issue{a, b}, runner, integ, nil)
	o.Enqueue([]*issues.Issue{a, b})
	runWithDeadline(t, o)

	st := o.State()
	if got := strings.Join(st.Failed, ","); got != "FEAT-001,FEAT-002" {
		t.Errorf("Failed = %q, want both the blocker and its dependent", got)
	}
	if len(st.Completed) != 0 {
		t.Errorf("Completed = %v, want none", st.Completed)
	}
	for _, id := range runner.startedIDs() {
		if id == "FEAT-002" {
			t.Error("dependent of a failed blocker must not be dispatched")
		}
	}
	if !contains(st.Attempted, "FEAT-002") {
		t.Errorf("Attempted = %v, skipped issue should still be recorded", st.Attempted)
	}
}

func TestRunMarksMergeFailures(t *testing.T) {
	list := []*issues.Issue{orchIssue("BUG-001"), orchIssue("BUG-002")}
	runner := newStubRunner()
	integ := newStubIntegrator()
	integ.failReasons["BUG-001"] = "merge conflict in src.txt"

	o := newTestOrchestrator(t, list, runner, integ, nil)
	o.Enqueue(list)
	runWithDeadline(t, o)

	st := o.State()
	if got := strings.Join(st.Failed, ","); got != "BUG-001" {
		t.Errorf("Failed = %q", got)
	}
	if got := strings.Join(st.Completed, ","); got != "BUG-002" {
		t.Errorf("Completed = %q", got)
	}
	if st.PendingMerge != 0 {
		t.Errorf("PendingMerge = %d after drain", st.PendingMerge)
	}
}

func writeOverlapIssue(t *testing.T, dir, id, body string) *issues.Issue {
	t.Helper()
	path := filepath.Join(dir, "P2-"+id+"-work.md")
	content := "# " + id + ": Work on " + id + "\n\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	issue := orchIssue(id)
	issue.Path = path
	return issue
}

func TestRunDefersOverlappingIssues(t *testing.T) {
	dir := t.TempDir()
	a := writeOverlapIssue(t, dir, "FEAT-001", "Touches internal/server/router.go directly.")
	b := writeOverlapIssue(t, dir, "FEAT-002", "Also edits internal/server/router.go for routing.")
	runner := newStubRunner()
	gateA := runner.gate("FEAT-001")
	integ := newStubIntegrator()

	o := newTestOrchestrator(t, []*issues.Issue{a, b}, runner, integ, func(opts *Options) {
		opts.Detector = overlap.NewDetector([]string{".go"})
	})
	o.Enqueue([]*issues.Issue{a, b})

	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go func() { done <- o.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for runner.activeCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first issue never dispatched")
		}
		time.Sleep(time.Millisecond)
	}
	// Give the loop time to (wrongly) dispatch the overlapping peer.
	time.Sleep(50 * time.Millisecond)
	if got := strings.Join(runner.startedIDs(), ","); got != "FEAT-001" {
		t.Errorf("started = %q, overlapping issue dispatched while peer active", got)
	}
	close(gateA)

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(o.State().Completed) != 2 {
		t.Fatalf("Completed = %v, want both", o.State().Completed)
	}
	if runner.peakActive() != 1 {
		t.Errorf("peak concurrency = %d, overlapping issues must not run together", runner.peakActive())
	}
}

func TestRunWarnOnlyDispatchesOverlap(t *testing.T) {
	dir := t.TempDir()
	a := writeOverlapIssue(t, dir, "FEAT-001", "Touches internal/server/router.go directly.")
	b := writeOverlapIssue(t, dir, "FEAT-002", "Also edits internal/server/router.go for routing.")
	runner := newStubRunner()
	gateA := runner.gate("FEAT-001")
	gateB := runner.gate("FEAT-002")
	integ := newStubIntegrator()

	o := newTestOrchestrator(t, []*issues.Issue{a, b}, runner, integ, func(opts *Options) {
		opts.Detector = overlap.NewDetector([]string{".go"})
		opts.WarnOnly = true
	})
	o.Enqueue([]*issues.Issue{a, b})

	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go func() { done <- o.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for runner.activeCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("warn-only mode never ran the overlapping pair concurrently")
		}
		time.Sleep(time.Millisecond)
	}
	close(gateA)
	close(gateB)

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(o.State().Completed) != 2 {
		t.Errorf("Completed = %v", o.State().Completed)
	}
}

func TestRunCancellationDrainsWorkers(t *testing.T) {
	issue := orchIssue("BUG-001")
	runner := newStubRunner()
	runner.gate("BUG-001") // never released; only cancellation ends it
	integ := newStubIntegrator()

	o := newTestOrchestrator(t, []*issues.Issue{issue}, runner, integ, nil)
	o.Enqueue([]*issues.Issue{issue})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for runner.activeCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("issue never dispatched")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	st := o.State()
	if !contains(st.Failed, "BUG-001") {
		t.Errorf("Failed = %v, interrupted issue should be recorded", st.Failed)
	}
	if len(st.Completed) != 0 {
		t.Errorf("Completed = %v", st.Completed)
	}
}

func TestRunMovesMergedIssueFiles(t *testing.T) {
	root := t.TempDir()
	bugs := filepath.Join(root, "bugs")
	if err := os.MkdirAll(bugs, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(bugs, "P2-BUG-001-fix-crash.md")
	if err := os.WriteFile(path, []byte("# BUG-001: Fix crash\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	issue := orchIssue("BUG-001")
	issue.Path = path

	runner := newStubRunner()
	integ := newStubIntegrator()
	o := newTestOrchestrator(t, []*issues.Issue{issue}, runner, integ, func(opts *Options) {
		opts.IssuesRoot = root
		opts.CompletedDir = "completed"
	})
	o.Enqueue([]*issues.Issue{issue})
	runWithDeadline(t, o)

	moved := filepath.Join(root, "completed", "P2-BUG-001-fix-crash.md")
	if _, err := os.Stat(moved); err != nil {
		t.Errorf("merged issue file not moved to completed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original issue file still present after merge")
	}
}

func TestRunSprintWaves(t *testing.T) {
	a := orchIssue("FEAT-001")
	b := orchIssue("FEAT-002", "FEAT-001")
	runner := newStubRunner()
	integ := newStubIntegrator()

	o := newTestOrchestrator(t, []*issues.Issue{a, b}, runner, integ, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := o.RunSprint(ctx, [][]*issues.Issue{{a}, {b}}); err != nil {
		t.Fatalf("RunSprint: %v", err)
	}

	if got := strings.Join(o.State().Completed, ","); got != "FEAT-001,FEAT-002" {
		t.Errorf("Completed = %q", got)
	}
}

func TestRunSprintHaltsOnIncompleteWave(t *testing.T) {
	a := orchIssue("FEAT-001")
	b := orchIssue("FEAT-002", "FEAT-001")
	runner := newStubRunner()
	runner.fail["FEAT-001"] = true
	integ := newStubIntegrator()

	o := newTestOrchestrator(t, []*issues.Issue{a, b}, runner, integ, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := o.RunSprint(ctx, [][]*issues.Issue{{a}, {b}})
	if err == nil {
		t.Fatal("expected sprint halt error")
	}
	if !strings.Contains(err.Error(), "FEAT-001") {
		t.Errorf("error %q should name the unfinished issue", err)
	}
	for _, id := range runner.startedIDs() {
		if id == "FEAT-002" {
			t.Error("second wave must not start after an incomplete wave")
		}
	}
}

func TestRunBoundedMergeDrainStillFinishes(t *testing.T) {
	var list []*issues.Issue
	for i := 1; i <= 5; i++ {
		list = append(list, orchIssue(fmt.Sprintf("FEAT-%03d", i)))
	}
	runner := newStubRunner()
	integ := newStubIntegrator()

	o := newTestOrchestrator(t, list, runner, integ, func(opts *Options) {
		opts.Workers = 5
		opts.MergePerTick = 1
	})
	o.Enqueue(list)
	runWithDeadline(t, o)

	if len(o.State().Completed) != 5 {
		t.Errorf("Completed = %v, want all five", o.State().Completed)
	}
}
