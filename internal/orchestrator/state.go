package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// logTailLimit bounds the rotating log kept inside the state file.
const logTailLimit = 100

// State is the persisted progress of one orchestrator run. Completed
// ids keep integration order; the other id fields are sets stored
// sorted. Two orchestrators over disjoint categories may share one
// state file, so loads and saves merge by set union instead of
// overwriting.
type State struct {
	Attempted    []string            `json:"attempted_issue_ids"`
	Completed    []string            `json:"completed_issue_ids"`
	Failed       []string            `json:"failed_issue_ids"`
	Corrections  map[string][]string `json:"corrections,omitempty"`
	InProgress   []string            `json:"in_progress_ids,omitempty"`
	PendingMerge int                 `json:"pending_merge_count"`
	LogTail      []string            `json:"log_tail,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{Corrections: make(map[string][]string)}
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// MarkAttempted records that an issue was dispatched at least once.
func (s *State) MarkAttempted(id string) {
	if !contains(s.Attempted, id) {
		s.Attempted = append(s.Attempted, id)
		sort.Strings(s.Attempted)
	}
}

// MarkCompleted appends an issue to the ordered completed list.
func (s *State) MarkCompleted(id string) {
	if !contains(s.Completed, id) {
		s.Completed = append(s.Completed, id)
	}
}

// MarkFailed records a terminal failure.
func (s *State) MarkFailed(id string) {
	if !contains(s.Failed, id) {
		s.Failed = append(s.Failed, id)
		sort.Strings(s.Failed)
	}
}

// AddCorrections appends correction notes for an issue.
func (s *State) AddCorrections(id string, notes []string) {
	if len(notes) == 0 {
		return
	}
	if s.Corrections == nil {
		s.Corrections = make(map[string][]string)
	}
	for _, note := range notes {
		if !contains(s.Corrections[id], note) {
			s.Corrections[id] = append(s.Corrections[id], note)
		}
	}
}

// SetInProgress replaces the in-flight id set.
func (s *State) SetInProgress(ids []string) {
	s.InProgress = append([]string(nil), ids...)
	sort.Strings(s.InProgress)
}

// AppendLog adds a line to the rotating log tail.
func (s *State) AppendLog(line string) {
	s.LogTail = append(s.LogTail, line)
	if len(s.LogTail) > logTailLimit {
		s.LogTail = s.LogTail[len(s.LogTail)-logTailLimit:]
	}
}

// CompletedSet returns completed ids as a set.
func (s *State) CompletedSet() map[string]bool {
	set := make(map[string]bool, len(s.Completed))
	for _, id := range s.Completed {
		set[id] = true
	}
	return set
}

// merge unions other into s. Completed order keeps s's entries first,
// then other's additions; counters and the log tail stay with s.
func (s *State) merge(other *State) {
	if other == nil {
		return
	}
	for _, id := range other.Attempted {
		s.MarkAttempted(id)
	}
	for _, id := range other.Completed {
		s.MarkCompleted(id)
	}
	for _, id := range other.Failed {
		s.MarkFailed(id)
	}
	for id, notes := range other.Corrections {
		s.AddCorrections(id, notes)
	}
	for _, id := range other.InProgress {
		if !contains(s.InProgress, id) {
			s.InProgress = append(s.InProgress, id)
		}
	}
	sort.Strings(s.InProgress)
}

// StateStore reads and writes the orchestrator state file atomically.
type StateStore struct {
	mu   sync.Mutex
	path string
}

// NewStateStore creates a store for the given path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Path returns the backing file path.
func (st *StateStore) Path() string {
	return st.path
}

// Load reads the state file and unions it into mem, returning mem. A
// missing file leaves mem untouched.
func (st *StateStore) Load(mem *State) (*State, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if mem == nil {
		mem = NewState()
	}
	disk, err := st.read()
	if err != nil {
		return mem, err
	}
	mem.merge(disk)
	return mem, nil
}

func (st *StateStore) read() (*State, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var disk State
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &disk, nil
}

// Save unions the current file contents into s and atomically
// replaces the file, so a concurrent orchestrator's finished work
// survives the rename.
func (st *StateStore) Save(s *State) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if disk, err := st.read(); err == nil {
		s.merge(disk)
	}
	s.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(st.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
