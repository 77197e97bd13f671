// Package report renders the end-of-run summary printed by auto,
// parallel, and sprint runs.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/llp/internal/merge"
	"github.com/alekspetrov/llp/internal/orchestrator"
)

// Styles for report sections
var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#10B981"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

// Report is the machine-readable shape of one finished run.
type Report struct {
	RunID         string              `json:"run_id,omitempty"`
	Mode          string              `json:"mode"`
	Category      string              `json:"category,omitempty"`
	DurationMS    int64               `json:"duration_ms"`
	Attempted     []string            `json:"attempted"`
	Completed     []string            `json:"completed"`
	Failed        []string            `json:"failed"`
	Corrections   map[string][]string `json:"corrections,omitempty"`
	FailedMerges  []merge.FailedMerge `json:"failed_merges,omitempty"`
	StashWarnings map[string]string   `json:"stash_warnings,omitempty"`
	StashHint     string              `json:"stash_hint,omitempty"`
}

// Build assembles a report from the final run state and the merge
// coordinator's failure records.
func Build(mode, category, runID string, st *orchestrator.State, failures []merge.FailedMerge, stashWarnings map[string]string, duration time.Duration) *Report {
	r := &Report{
		RunID:         runID,
		Mode:          mode,
		Category:      category,
		DurationMS:    duration.Milliseconds(),
		Attempted:     append([]string(nil), st.Attempted...),
		Completed:     append([]string(nil), st.Completed...),
		Failed:        append([]string(nil), st.Failed...),
		FailedMerges:  append([]merge.FailedMerge(nil), failures...),
		StashWarnings: stashWarnings,
	}
	if len(st.Corrections) > 0 {
		r.Corrections = make(map[string][]string, len(st.Corrections))
		for id, notes := range st.Corrections {
			r.Corrections[id] = append([]string(nil), notes...)
		}
	}
	if len(stashWarnings) > 0 {
		r.StashHint = merge.StashRecoveryHint
	}
	return r
}

// CorrectionsByCategory aggregates correction counts by their
// bracketed category tag. Untagged notes count under "other".
func (r *Report) CorrectionsByCategory() map[string]int {
	counts := make(map[string]int)
	for _, notes := range r.Corrections {
		for _, note := range notes {
			counts[correctionCategory(note)]++
		}
	}
	return counts
}

// correctionCategory extracts the leading "[category]" tag.
func correctionCategory(note string) string {
	if strings.HasPrefix(note, "[") {
		if end := strings.Index(note, "]"); end > 1 {
			return note[1:end]
		}
	}
	return "other"
}

// JSON renders the report for the --json flag.
func (r *Report) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	return string(data) + "\n", nil
}

// Render produces the human-readable report.
func (r *Report) Render() string {
	var sb strings.Builder

	title := fmt.Sprintf("RUN SUMMARY — %s", r.Mode)
	if r.Category != "" {
		title += " " + r.Category
	}
	sb.WriteString(headerStyle.Render(title) + "\n")
	sb.WriteString(strings.Repeat("━", 40) + "\n\n")

	sb.WriteString(fmt.Sprintf("%s  %s  %s\n\n",
		okStyle.Render(fmt.Sprintf("✓ %d completed", len(r.Completed))),
		failStyle.Render(fmt.Sprintf("✗ %d failed", len(r.Failed))),
		dimStyle.Render(fmt.Sprintf("%d attempted in %s", len(r.Attempted), formatDuration(r.DurationMS))),
	))

	if len(r.Completed) > 0 {
		sb.WriteString(headerStyle.Render("Completed") + "\n")
		for _, id := range r.Completed {
			sb.WriteString(fmt.Sprintf("  %s %s\n", okStyle.Render("✓"), id))
		}
		sb.WriteString("\n")
	}

	if len(r.Failed) > 0 {
		reasons := make(map[string]string, len(r.FailedMerges))
		for _, f := range r.FailedMerges {
			reasons[f.IssueID] = f.Reason
		}
		sb.WriteString(headerStyle.Render("Failed") + "\n")
		for _, id := range r.Failed {
			line := fmt.Sprintf("  %s %s", failStyle.Render("✗"), id)
			if reason := reasons[id]; reason != "" {
				line += dimStyle.Render(" — " + reason)
			}
			sb.WriteString(line + "\n")
		}
		sb.WriteString("\n")
	}

	if counts := r.CorrectionsByCategory(); len(counts) > 0 {
		categories := make([]string, 0, len(counts))
		for c := range counts {
			categories = append(categories, c)
		}
		sort.Strings(categories)
		sb.WriteString(headerStyle.Render("Corrections") + "\n")
		for _, c := range categories {
			sb.WriteString(fmt.Sprintf("  %s %d × %s\n", warnStyle.Render("•"), counts[c], c))
		}
		sb.WriteString("\n")
	}

	if len(r.FailedMerges) > 0 {
		sb.WriteString(headerStyle.Render("Failed merges") + "\n")
		for _, f := range r.FailedMerges {
			sb.WriteString(fmt.Sprintf("  %s %s (%s)\n", failStyle.Render("✗"), f.IssueID, f.Branch))
			sb.WriteString(dimStyle.Render("    "+f.Reason) + "\n")
		}
		sb.WriteString("\n")
	}

	if len(r.StashWarnings) > 0 {
		ids := make([]string, 0, len(r.StashWarnings))
		for id := range r.StashWarnings {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		sb.WriteString(warnStyle.Render("⚠ Stash recovery needed") + "\n")
		for _, id := range ids {
			sb.WriteString(fmt.Sprintf("  • %s: %s\n", id, r.StashWarnings[id]))
		}
		sb.WriteString(dimStyle.Render("  "+r.StashHint) + "\n\n")
	}

	return sb.String()
}

func formatDuration(ms int64) string {
	if ms == 0 {
		return "0s"
	}
	d := time.Duration(ms) * time.Millisecond
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
