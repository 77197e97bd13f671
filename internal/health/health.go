package health

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/alekspetrov/llp/internal/config"
	"github.com/alekspetrov/llp/internal/loop"
	"github.com/alekspetrov/llp/internal/scopelock"
)

// Worktree remove needs at least this git.
const (
	minGitMajor = 2
	minGitMinor = 17
)

// Status represents a check or feature outcome
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusDisabled
)

// MarshalJSON renders the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Check represents one doctor check result
type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Fix     string `json:"fix,omitempty"`
}

// FeatureStatus represents a configured feature with its availability
type FeatureStatus struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Status  Status `json:"status"`
	Note    string `json:"note,omitempty"`
}

// Report contains all doctor check results
type Report struct {
	Checks   []Check         `json:"checks"`
	Features []FeatureStatus `json:"features"`
}

// Failed reports whether any check ended in error.
func (r *Report) Failed() bool {
	for _, c := range r.Checks {
		if c.Status == StatusError {
			return true
		}
	}
	return false
}

// RunChecks performs all doctor checks for the workspace at root.
func RunChecks(root string, cfg *config.Config) *Report {
	return &Report{
		Checks: []Check{
			checkGit(),
			checkAgent(cfg),
			checkIssues(root, cfg),
			checkLoops(root, cfg),
			checkScopeLocks(root, cfg),
			checkStatePaths(root, cfg),
		},
		Features: checkFeatures(cfg),
	}
}

// checkGit verifies git is installed and new enough for worktrees.
func checkGit() Check {
	version := getCommandVersion("git", "--version")
	if version == "" {
		return Check{
			Name:    "git",
			Status:  StatusError,
			Message: "not found",
			Fix:     fmt.Sprintf("install git %d.%d or newer", minGitMajor, minGitMinor),
		}
	}
	major, minor, ok := parseVersion(version)
	if ok && (major < minGitMajor || (major == minGitMajor && minor < minGitMinor)) {
		return Check{
			Name:    "git",
			Status:  StatusError,
			Message: fmt.Sprintf("%s (need >= %d.%d)", version, minGitMajor, minGitMinor),
			Fix:     "upgrade git",
		}
	}
	return Check{Name: "git", Status: StatusOK, Message: version}
}

// checkAgent verifies the configured agent binary is on PATH.
func checkAgent(cfg *config.Config) Check {
	binary := cfg.Agents.Binary
	if _, err := exec.LookPath(binary); err != nil {
		return Check{
			Name:    "agent",
			Status:  StatusError,
			Message: fmt.Sprintf("%s not found on PATH", binary),
			Fix:     fmt.Sprintf("install %s or set agents.binary", binary),
		}
	}
	if version := getCommandVersion(binary, "--version"); version != "" {
		return Check{Name: "agent", Status: StatusOK, Message: fmt.Sprintf("%s %s", binary, version)}
	}
	return Check{Name: "agent", Status: StatusOK, Message: binary}
}

// checkIssues verifies the issue directory layout.
func checkIssues(root string, cfg *config.Config) Check {
	dir := resolve(root, cfg.Issues.Dir)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return Check{
			Name:    "issues",
			Status:  StatusError,
			Message: fmt.Sprintf("%s missing", cfg.Issues.Dir),
			Fix:     fmt.Sprintf("mkdir -p %s/{%s}", cfg.Issues.Dir, strings.Join(cfg.Issues.Categories, ",")),
		}
	}

	var missing []string
	for _, category := range cfg.Issues.Categories {
		if info, err := os.Stat(filepath.Join(dir, category)); err != nil || !info.IsDir() {
			missing = append(missing, category)
		}
	}
	if len(missing) > 0 {
		return Check{
			Name:    "issues",
			Status:  StatusWarning,
			Message: fmt.Sprintf("missing category dirs: %s", strings.Join(missing, ", ")),
			Fix:     fmt.Sprintf("mkdir -p %s/{%s}", cfg.Issues.Dir, strings.Join(missing, ",")),
		}
	}
	return Check{
		Name:    "issues",
		Status:  StatusOK,
		Message: fmt.Sprintf("%d categories", len(cfg.Issues.Categories)),
	}
}

// checkLoops compiles every loop definition, surfacing parse and
// evaluator errors that a run would hit.
func checkLoops(root string, cfg *config.Config) Check {
	dir := resolve(root, cfg.Loops.Dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{Name: "loops", Status: StatusDisabled, Message: "no loops directory"}
		}
		return Check{Name: "loops", Status: StatusError, Message: err.Error()}
	}

	var broken []string
	total := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		total++
		def, err := loop.Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			broken = append(broken, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		if err := loop.Validate(def); err != nil {
			broken = append(broken, fmt.Sprintf("%s: %v", def.Name, err))
		}
	}

	if len(broken) > 0 {
		sort.Strings(broken)
		return Check{
			Name:    "loops",
			Status:  StatusError,
			Message: strings.Join(broken, "; "),
			Fix:     "fix the listed loop definitions",
		}
	}
	if total == 0 {
		return Check{Name: "loops", Status: StatusDisabled, Message: "no loop definitions"}
	}
	return Check{Name: "loops", Status: StatusOK, Message: fmt.Sprintf("%d definitions valid", total)}
}

// checkScopeLocks scans the lock directory, reaping dead holders as a
// side effect, and reports any still-live locks.
func checkScopeLocks(root string, cfg *config.Config) Check {
	locks := scopelock.NewManager(resolve(root, cfg.Loops.RunningDir()))
	live, err := locks.List()
	if err != nil {
		return Check{Name: "scope locks", Status: StatusError, Message: err.Error()}
	}
	if len(live) == 0 {
		return Check{Name: "scope locks", Status: StatusOK, Message: "none held"}
	}
	names := make([]string, 0, len(live))
	for _, l := range live {
		names = append(names, fmt.Sprintf("%s (pid %d)", l.LoopName, l.PID))
	}
	return Check{
		Name:    "scope locks",
		Status:  StatusWarning,
		Message: fmt.Sprintf("held by %s", strings.Join(names, ", ")),
	}
}

// checkStatePaths probes every path the orchestrator writes to.
func checkStatePaths(root string, cfg *config.Config) Check {
	paths := []string{
		filepath.Dir(resolve(root, cfg.StatePath)),
		resolve(root, cfg.Git.WorktreeDir),
	}
	if cfg.History.Enabled {
		paths = append(paths, filepath.Dir(resolve(root, cfg.History.Path)))
	}

	var failures []string
	for _, dir := range paths {
		if err := probeWritable(dir); err != nil {
			failures = append(failures, dir)
		}
	}
	if len(failures) > 0 {
		return Check{
			Name:    "state paths",
			Status:  StatusError,
			Message: fmt.Sprintf("not writable: %s", strings.Join(failures, ", ")),
			Fix:     "check permissions on the listed directories",
		}
	}
	return Check{Name: "state paths", Status: StatusOK, Message: fmt.Sprintf("%d writable", len(paths))}
}

// probeWritable creates and removes a marker file under dir.
func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".llp-doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return err
	}
	return os.Remove(probe)
}

// checkFeatures reports which optional surfaces are configured.
func checkFeatures(cfg *config.Config) []FeatureStatus {
	features := []FeatureStatus{}

	overlapEnabled := cfg.Overlap != nil && cfg.Overlap.Enabled
	features = append(features, FeatureStatus{
		Name:    "Overlap",
		Enabled: overlapEnabled,
		Status:  boolToStatus(overlapEnabled),
	})

	historyEnabled := cfg.History != nil && cfg.History.Enabled
	features = append(features, FeatureStatus{
		Name:    "History",
		Enabled: historyEnabled,
		Status:  boolToStatus(historyEnabled),
	})

	statusEnabled := cfg.Status != nil && cfg.Status.Addr != ""
	status := FeatureStatus{
		Name:    "Status",
		Enabled: statusEnabled,
		Status:  boolToStatus(statusEnabled),
	}
	if statusEnabled {
		status.Note = cfg.Status.Addr
	}
	features = append(features, status)

	scheduleCount := 0
	if cfg.Loops != nil {
		scheduleCount = len(cfg.Loops.Schedules)
	}
	schedules := FeatureStatus{
		Name:    "Schedules",
		Enabled: scheduleCount > 0,
		Status:  boolToStatus(scheduleCount > 0),
	}
	if scheduleCount > 0 {
		schedules.Note = fmt.Sprintf("%d loops", scheduleCount)
	}
	features = append(features, schedules)

	return features
}

// getCommandVersion runs a command and returns its version string
func getCommandVersion(cmd string, args ...string) string {
	out, err := exec.Command(cmd, args...).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	// Extract just version number if possible
	if strings.Contains(version, " ") {
		parts := strings.Fields(version)
		for _, p := range parts {
			if strings.Contains(p, ".") {
				return p
			}
		}
	}
	return version
}

// parseVersion extracts major.minor from a dotted version string.
func parseVersion(s string) (int, int, bool) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err := strconv.Atoi(strings.TrimFunc(parts[1], func(r rune) bool {
		return r < '0' || r > '9'
	}))
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// resolve joins a config path onto root unless it is absolute.
func resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// boolToStatus converts bool to Status
func boolToStatus(enabled bool) Status {
	if enabled {
		return StatusOK
	}
	return StatusDisabled
}

// StatusSymbol returns the symbol for a status
func (s Status) Symbol() string {
	switch s {
	case StatusOK:
		return "✓"
	case StatusWarning:
		return "○"
	case StatusError:
		return "✗"
	case StatusDisabled:
		return "·"
	default:
		return "?"
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}
