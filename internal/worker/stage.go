// Package worker runs issues through the five-stage pipeline in
// isolated git worktrees: setup, validation, implementation,
// verification, and handoff to the merge coordinator.
package worker

import (
	"sort"
	"sync"
	"time"
)

// Stage is the phase a worker is currently in.
type Stage string

const (
	StageSetup        Stage = "SETUP"
	StageValidating   Stage = "VALIDATING"
	StageImplementing Stage = "IMPLEMENTING"
	StageVerifying    Stage = "VERIFYING"
	StageMerging      Stage = "MERGING"
	StageCompleted    Stage = "COMPLETED"
	StageFailed       Stage = "FAILED"
	StageInterrupted  Stage = "INTERRUPTED"
)

// Terminal reports whether the stage is a final one.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageInterrupted:
		return true
	}
	return false
}

// StageInfo is a snapshot of one worker's progress.
type StageInfo struct {
	IssueID   string
	Title     string
	Stage     Stage
	StartedAt time.Time
	UpdatedAt time.Time
}

// Monitor publishes each worker's current stage to a thread-safe map
// keyed by issue id. Enumeration returns copies sorted by id so
// readers never observe mutation.
type Monitor struct {
	mu     sync.RWMutex
	active map[string]*StageInfo
}

// NewMonitor creates an empty stage monitor.
func NewMonitor() *Monitor {
	return &Monitor{active: make(map[string]*StageInfo)}
}

// Register adds an issue at the SETUP stage.
func (m *Monitor) Register(issueID, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.active[issueID] = &StageInfo{
		IssueID:   issueID,
		Title:     title,
		Stage:     StageSetup,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Set updates the stage for an issue. Unknown ids are ignored.
func (m *Monitor) Set(issueID string, stage Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.active[issueID]; ok {
		info.Stage = stage
		info.UpdatedAt = time.Now()
	}
}

// Get returns a copy of one issue's stage info.
func (m *Monitor) Get(issueID string) (StageInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.active[issueID]
	if !ok {
		return StageInfo{}, false
	}
	return *info, true
}

// Snapshot returns all tracked entries sorted by issue id.
func (m *Monitor) Snapshot() []StageInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]StageInfo, 0, len(m.active))
	for _, info := range m.active {
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].IssueID < infos[j].IssueID })
	return infos
}

// Grouped returns issue ids per stage, each list sorted, for compact
// status lines.
func (m *Monitor) Grouped() map[Stage][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	grouped := make(map[Stage][]string)
	for id, info := range m.active {
		grouped[info.Stage] = append(grouped[info.Stage], id)
	}
	for _, ids := range grouped {
		sort.Strings(ids)
	}
	return grouped
}

// Remove drops an issue from tracking.
func (m *Monitor) Remove(issueID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, issueID)
}

// Count returns the number of tracked issues.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
