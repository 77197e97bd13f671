// Package queue implements the priority min-heap feeding the
// orchestrator's dispatch loop.
package queue

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/alekspetrov/llp/internal/issues"
)

// ErrEmpty is returned by Pop when no issues remain.
var ErrEmpty = errors.New("queue is empty")

type entry struct {
	issue *issues.Issue
	tier  int
	seq   int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(a, b int) bool {
	if h[a].tier != h[b].tier {
		return h[a].tier < h[b].tier
	}
	if h[a].issue.ID != h[b].issue.ID {
		return h[a].issue.ID < h[b].issue.ID
	}
	return h[a].seq < h[b].seq // FIFO among entries sharing the exact key
}

func (h entryHeap) Swap(a, b int) { h[a], h[b] = h[b], h[a] }

func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue orders issues by (priority tier, id). Requeue pushes back with a
// demoted tier; demotions accumulate across requeues of the same id.
type Queue struct {
	mu    sync.Mutex
	heap  entryHeap
	seq   int
	tiers map[string]int
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{tiers: make(map[string]int)}
}

// Push adds an issue at its parsed priority tier.
func (q *Queue) Push(issue *issues.Issue) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tiers[issue.ID] = issue.Priority
	q.push(issue, issue.Priority)
}

// Requeue adds an issue back with its current tier raised by demote.
// A zero demote preserves the tier but moves the entry behind peers
// sharing its key.
func (q *Queue) Requeue(issue *issues.Issue, demote int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tier, ok := q.tiers[issue.ID]
	if !ok {
		tier = issue.Priority
	}
	tier += demote
	q.tiers[issue.ID] = tier
	q.push(issue, tier)
}

func (q *Queue) push(issue *issues.Issue, tier int) {
	q.seq++
	heap.Push(&q.heap, &entry{issue: issue, tier: tier, seq: q.seq})
}

// Pop removes and returns the lowest-keyed issue, or ErrEmpty.
func (q *Queue) Pop() (*issues.Issue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil, ErrEmpty
	}
	item := heap.Pop(&q.heap).(*entry)
	return item.issue, nil
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
