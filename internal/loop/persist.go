package loop

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StatePath returns the snapshot path for a named loop under dir.
func StatePath(dir, name string) string {
	return filepath.Join(dir, name+".state.json")
}

// EventsPath returns the event log path for a named loop under dir.
func EventsPath(dir, name string) string {
	return filepath.Join(dir, name+".events.jsonl")
}

// Recorder persists one run: an append-only JSONL event log plus an
// atomically replaced state snapshot. Crash at any point leaves a
// valid snapshot and an event log truncated at a line boundary.
type Recorder struct {
	dir    string
	name   string
	events *os.File
}

// OpenRecorder creates dir if needed and opens the event log for
// appending. A resumed run keeps appending to the existing log.
func OpenRecorder(dir, name string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	f, err := os.OpenFile(EventsPath(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return &Recorder{dir: dir, name: name, events: f}, nil
}

// Append writes one event line. The log is fsynced on events that mark
// durable progress (iteration_complete) and on run completion, so a
// crash between syncs loses at most the current iteration's events.
func (r *Recorder) Append(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := r.events.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	switch ev.Type {
	case EventIterationComplete, EventLoopComplete:
		if err := r.events.Sync(); err != nil {
			return fmt.Errorf("failed to sync event log: %w", err)
		}
	}
	return nil
}

// Snapshot replaces the state file via temp write + rename. A reader
// never observes a partial snapshot.
func (r *Recorder) Snapshot(st *RunState) error {
	st.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run state: %w", err)
	}

	final := StatePath(r.dir, r.name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to replace run state: %w", err)
	}
	return nil
}

// Remove deletes the snapshot and event log, missing-ok.
func (r *Recorder) Remove() {
	_ = os.Remove(StatePath(r.dir, r.name))
	_ = os.Remove(EventsPath(r.dir, r.name))
}

func (r *Recorder) Close() error {
	if err := r.events.Sync(); err != nil {
		_ = r.events.Close()
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return r.events.Close()
}

// LoadRunState reads a persisted snapshot. os.IsNotExist on the
// returned error distinguishes "never ran" from a corrupt file.
func LoadRunState(dir, name string) (*RunState, error) {
	data, err := os.ReadFile(StatePath(dir, name))
	if err != nil {
		return nil, err
	}
	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse run state: %w", err)
	}
	return &st, nil
}

// ReadEvents parses the event log for a run. A truncated final line,
// the normal residue of a crash mid-append, is skipped rather than
// treated as corruption.
func ReadEvents(dir, name string) ([]Event, error) {
	f, err := os.Open(EventsPath(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var events []Event
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return events, nil
}
