// Package replay pretty-prints loop event logs as a timestamped
// timeline. Print renders a recorded log in one pass; Follow tails a
// live one until the loop completes.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/llp/internal/loop"
)

// followPoll is how often Follow re-checks the event log for appends.
const followPoll = 500 * time.Millisecond

// Styles
var (
	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	eventStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failureStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// Print renders every recorded event for the named loop to w.
func Print(w io.Writer, dir, name string) error {
	events, err := loop.ReadEvents(dir, name)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("no events recorded for loop %s", name)))
		return nil
	}
	for _, ev := range events {
		fmt.Fprintln(w, FormatEvent(ev))
	}
	return nil
}

// Follow prints recorded events and then tails the log, rendering new
// events as the engine appends them. It returns once a loop_complete
// event has been printed or ctx ends. The log file not existing yet is
// not an error; Follow waits for the engine to create it.
func Follow(ctx context.Context, w io.Writer, dir, name string) error {
	f := &follower{path: loop.EventsPath(dir, name)}

	done, err := f.drain(w)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			done, err := f.drain(w)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// follower reads an append-only JSONL file incrementally, emitting
// whole lines only. A crash-truncated tail stays buffered until the
// writer finishes the line.
type follower struct {
	path    string
	offset  int64
	partial []byte
}

// drain prints events appended since the last call and reports whether
// a terminal event was seen.
func (f *follower) drain(w io.Writer) (bool, error) {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return false, fmt.Errorf("failed to seek event log: %w", err)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return false, fmt.Errorf("failed to read event log: %w", err)
	}
	f.offset += int64(len(data))
	f.partial = append(f.partial, data...)

	done := false
	for {
		i := bytes.IndexByte(f.partial, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(f.partial[:i])
		f.partial = f.partial[i+1:]
		if len(line) == 0 {
			continue
		}
		var ev loop.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		fmt.Fprintln(w, FormatEvent(ev))
		if ev.Type == loop.EventLoopComplete {
			done = true
		}
	}
	return done, nil
}

// FormatEvent renders one event as a single timeline line.
func FormatEvent(ev loop.Event) string {
	ts := timestampStyle.Render(ev.Timestamp.Format("15:04:05"))
	return ts + " " + formatBody(ev)
}

func formatBody(ev loop.Event) string {
	switch ev.Type {
	case loop.EventLoopStart:
		return fmt.Sprintf("▶ %s started  %s",
			eventStyle.Render(ev.Loop),
			dimStyle.Render("run "+shortID(ev.RunID)))

	case loop.EventStateEnter:
		return fmt.Sprintf("● %s  %s",
			stateStyle.Render(ev.State),
			dimStyle.Render(fmt.Sprintf("iteration %d", ev.Iteration+1)))

	case loop.EventActionStart:
		return eventStyle.Render("  running " + ev.State)

	case loop.EventActionComplete:
		if ev.Error != "" {
			return errorStyle.Render(fmt.Sprintf("  %s failed: %s", ev.State, ev.Error))
		}
		return eventStyle.Render(fmt.Sprintf("  %s exited %d", ev.State, ev.ExitCode)) +
			dimStyle.Render("  "+formatDuration(ev.DurationMS))

	case loop.EventEvaluate:
		return "  verdict " + verdictStyle(ev.Verdict).Render(ev.Verdict)

	case loop.EventRoute:
		return fmt.Sprintf("↪ %s → %s  %s",
			stateStyle.Render(ev.State),
			stateStyle.Render(ev.Next),
			dimStyle.Render("on "+ev.Verdict))

	case loop.EventIterationComplete:
		return dimStyle.Render(fmt.Sprintf("— iteration %d complete", ev.Iteration))

	case loop.EventLoopComplete:
		if completedOK(ev) {
			return fmt.Sprintf("%s  %s",
				successStyle.Render("✓ "+ev.Loop+" completed"),
				dimStyle.Render("at "+ev.State))
		}
		return fmt.Sprintf("%s  %s",
			failureStyle.Render("✗ "+ev.Loop+" stopped"),
			dimStyle.Render(fmt.Sprintf("at %s (%s)", ev.State, ev.TerminatedBy)))

	case loop.EventHandoffSpawned:
		return fmt.Sprintf("⤴ handoff from %s  %s",
			stateStyle.Render(ev.State),
			dimStyle.Render(fmt.Sprintf("pid %d", ev.PID)))

	default:
		return dimStyle.Render(fmt.Sprintf("(%s)", ev.Type))
	}
}

// completedOK distinguishes a run that reached a success terminal from
// every other ending. The event does not carry the run status, so a
// terminal arrival routed on failure or error counts as stopped.
func completedOK(ev loop.Event) bool {
	if ev.TerminatedBy != string(loop.TerminatedByTerminal) {
		return false
	}
	return ev.Verdict != string(loop.VerdictFailure) && ev.Verdict != string(loop.VerdictError)
}

func verdictStyle(v string) lipgloss.Style {
	switch v {
	case string(loop.VerdictSuccess):
		return successStyle
	case string(loop.VerdictFailure):
		return failureStyle
	case string(loop.VerdictError):
		return errorStyle
	default:
		return eventStyle
	}
}

func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	d := time.Duration(ms) * time.Millisecond
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Truncate(time.Second).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
