package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStateMarkersDeduplicate(t *testing.T) {
	s := NewState()
	s.MarkAttempted("FEAT-002")
	s.MarkAttempted("FEAT-001")
	s.MarkAttempted("FEAT-002")
	s.MarkFailed("BUG-003")
	s.MarkFailed("BUG-001")
	s.MarkFailed("BUG-003")

	if got := strings.Join(s.Attempted, ","); got != "FEAT-001,FEAT-002" {
		t.Errorf("Attempted = %q, want sorted unique ids", got)
	}
	if got := strings.Join(s.Failed, ","); got != "BUG-001,BUG-003" {
		t.Errorf("Failed = %q, want sorted unique ids", got)
	}
}

func TestStateCompletedKeepsOrder(t *testing.T) {
	s := NewState()
	s.MarkCompleted("FEAT-002")
	s.MarkCompleted("FEAT-001")
	s.MarkCompleted("FEAT-002")

	if got := strings.Join(s.Completed, ","); got != "FEAT-002,FEAT-001" {
		t.Errorf("Completed = %q, want integration order preserved", got)
	}
	set := s.CompletedSet()
	if !set["FEAT-001"] || !set["FEAT-002"] || len(set) != 2 {
		t.Errorf("CompletedSet = %v", set)
	}
}

func TestStateCorrectionsDeduplicate(t *testing.T) {
	s := NewState()
	s.AddCorrections("BUG-001", []string{"[line_drift] moved anchor", "[scope] narrowed"})
	s.AddCorrections("BUG-001", []string{"[line_drift] moved anchor"})
	s.AddCorrections("BUG-002", nil)

	if got := len(s.Corrections["BUG-001"]); got != 2 {
		t.Errorf("corrections for BUG-001 = %d, want 2", got)
	}
	if _, ok := s.Corrections["BUG-002"]; ok {
		t.Error("empty corrections should not create an entry")
	}
}

func TestStateLogTailRotates(t *testing.T) {
	s := NewState()
	for i := 0; i < logTailLimit+25; i++ {
		s.AppendLog(fmt.Sprintf("line %d", i))
	}
	if len(s.LogTail) != logTailLimit {
		t.Fatalf("LogTail length = %d, want %d", len(s.LogTail), logTailLimit)
	}
	if s.LogTail[0] != "line 25" {
		t.Errorf("oldest kept line = %q, want %q", s.LogTail[0], "line 25")
	}
	if last := s.LogTail[len(s.LogTail)-1]; last != fmt.Sprintf("line %d", logTailLimit+24) {
		t.Errorf("newest line = %q", last)
	}
}

func TestStateStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", ".auto-state.json")
	store := NewStateStore(path)

	s := NewState()
	s.MarkAttempted("FEAT-001")
	s.MarkCompleted("FEAT-001")
	s.AddCorrections("FEAT-001", []string{"[file_moved] retargeted path"})
	s.SetInProgress([]string{"FEAT-002"})
	s.PendingMerge = 1
	s.AppendLog("active=1")
	if err := store.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
	if s.UpdatedAt.IsZero() {
		t.Error("Save should stamp UpdatedAt")
	}

	loaded, err := store.Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := strings.Join(loaded.Completed, ","); got != "FEAT-001" {
		t.Errorf("Completed = %q", got)
	}
	if got := strings.Join(loaded.InProgress, ","); got != "FEAT-002" {
		t.Errorf("InProgress = %q", got)
	}
	if loaded.PendingMerge != 1 {
		t.Errorf("PendingMerge = %d, want 1", loaded.PendingMerge)
	}
	if len(loaded.Corrections["FEAT-001"]) != 1 {
		t.Errorf("Corrections = %v", loaded.Corrections)
	}
	if len(loaded.LogTail) != 1 {
		t.Errorf("LogTail = %v", loaded.LogTail)
	}
}

func TestStateStoreLoadMissingFile(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "absent.json"))
	mem := NewState()
	mem.MarkCompleted("FEAT-001")

	loaded, err := store.Load(mem)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Completed) != 1 {
		t.Errorf("missing file should leave memory state untouched, got %v", loaded.Completed)
	}
}

func TestStateStoreLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStateStore(path).Load(nil); err == nil {
		t.Fatal("expected error for corrupt state file")
	}
}

// Two orchestrators over disjoint categories share one file; the
// second save must not erase the first one's progress.
func TestStateStoreSaveMergesDiskState(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".auto-state.json")
	store := NewStateStore(path)

	bugs := NewState()
	bugs.MarkAttempted("BUG-001")
	bugs.MarkCompleted("BUG-001")
	if err := store.Save(bugs); err != nil {
		t.Fatalf("Save bugs: %v", err)
	}

	// A state that never saw the bugs run.
	features := NewState()
	features.MarkAttempted("FEAT-001")
	features.MarkCompleted("FEAT-001")
	features.MarkFailed("FEAT-002")
	if err := store.Save(features); err != nil {
		t.Fatalf("Save features: %v", err)
	}

	final, err := store.Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, id := range []string{"BUG-001", "FEAT-001"} {
		if !contains(final.Completed, id) {
			t.Errorf("Completed missing %s: %v", id, final.Completed)
		}
	}
	if got := strings.Join(final.Attempted, ","); got != "BUG-001,FEAT-001" {
		t.Errorf("Attempted = %q", got)
	}
	if got := strings.Join(final.Failed, ","); got != "FEAT-002" {
		t.Errorf("Failed = %q", got)
	}
}

func TestStateMergeUnionsSets(t *testing.T) {
	a := NewState()
	a.MarkCompleted("FEAT-001")
	a.MarkAttempted("FEAT-001")
	a.PendingMerge = 3
	a.AppendLog("from a")

	b := NewState()
	b.MarkCompleted("BUG-001")
	b.MarkCompleted("FEAT-001")
	b.MarkAttempted("BUG-001")
	b.PendingMerge = 9
	b.AppendLog("from b")

	a.merge(b)

	if got := strings.Join(a.Completed, ","); got != "FEAT-001,BUG-001" {
		t.Errorf("Completed = %q, want receiver order first", got)
	}
	if a.PendingMerge != 3 {
		t.Errorf("PendingMerge = %d, counters should stay with the receiver", a.PendingMerge)
	}
	if len(a.LogTail) != 1 || a.LogTail[0] != "from a" {
		t.Errorf("LogTail = %v, log should stay with the receiver", a.LogTail)
	}

	a.merge(nil)
	if len(a.Completed) != 2 {
		t.Error("merge(nil) should be a no-op")
	}
}
