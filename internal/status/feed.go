// Package status serves the live run status over HTTP and WebSocket.
// The orchestrator publishes snapshots into a Feed; the server hands
// the current one to GET /api/status and pushes updates to /ws
// subscribers, coalescing when a client reads slower than the run
// moves.
package status

import (
	"sync"
	"time"
)

// WorkerStatus is one active worker's position in the pipeline.
type WorkerStatus struct {
	IssueID string    `json:"issue_id"`
	Title   string    `json:"title,omitempty"`
	Stage   string    `json:"stage"`
	Since   time.Time `json:"since"`
}

// Snapshot is the status document served to clients.
type Snapshot struct {
	RunID        string         `json:"run_id,omitempty"`
	Wave         string         `json:"wave,omitempty"`
	Workers      []WorkerStatus `json:"workers"`
	QueueDepth   int            `json:"queue_depth"`
	Completed    int            `json:"completed"`
	Failed       int            `json:"failed"`
	PendingMerge int            `json:"pending_merge"`
	Done         bool           `json:"done"`
	Log          []string       `json:"log,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Feed holds the latest snapshot and fans updates out to subscribers.
// Subscriber channels carry only the newest snapshot: a pending stale
// one is dropped rather than queued.
type Feed struct {
	mu   sync.RWMutex
	snap Snapshot
	subs map[chan Snapshot]bool
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[chan Snapshot]bool)}
}

// Publish stores snap as current and offers it to every subscriber.
func (f *Feed) Publish(snap Snapshot) {
	snap.UpdatedAt = time.Now().UTC()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
	for ch := range f.subs {
		select {
		case ch <- snap:
		default:
			// Full buffer means an unread stale snapshot; replace it.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Current returns the latest published snapshot.
func (f *Feed) Current() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap
}

// Subscribe registers a coalescing update channel.
func (f *Feed) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[ch] = true
	return ch
}

// Unsubscribe removes a channel registered with Subscribe.
func (f *Feed) Unsubscribe(ch chan Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, ch)
}
