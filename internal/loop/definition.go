// Package loop implements yaml-defined FSM loops: paradigm compilation
// to a state table, pluggable evaluators, a crash-safe engine, and the
// persisted run state that lets an interrupted loop resume.
package loop

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/llp/internal/logging"
)

const (
	defaultMaxIterations = 50
	defaultActionTimeout = 10 * time.Minute
)

// Definition is the immutable yaml shape of a loop. Exactly one of the
// paradigm blocks (goal, invariants, convergence, imperative) or an
// explicit initial+states table describes the machine.
type Definition struct {
	Name          string            `yaml:"name"`
	Description   string            `yaml:"description"`
	Scope         []string          `yaml:"scope"`
	MaxIterations int               `yaml:"max_iterations"`
	ActionTimeout string            `yaml:"action_timeout"`
	Initial       string            `yaml:"initial"`
	States        map[string]*State `yaml:"states"`

	Goal        *GoalSpec        `yaml:"goal"`
	Invariants  []InvariantSpec  `yaml:"invariants"`
	Convergence *ConvergenceSpec `yaml:"convergence"`
	Imperative  *ImperativeSpec  `yaml:"imperative"`
}

// State is one explicit FSM state.
type State struct {
	Action     string            `yaml:"action"`
	ActionType string            `yaml:"action_type"`
	Evaluator  *EvaluatorSpec    `yaml:"evaluator"`
	OnSuccess  string            `yaml:"on_success"`
	OnFailure  string            `yaml:"on_failure"`
	OnError    string            `yaml:"on_error"`
	Route      map[string]string `yaml:"route"`
	Default    string            `yaml:"default"`
	Handoff    map[string]string `yaml:"handoff"`
	Terminal   bool              `yaml:"terminal"`
	Outcome    string            `yaml:"outcome"` // success (default) or failure, terminal states only
	Timeout    string            `yaml:"timeout"`
}

// GoalSpec is a single check with fix/escalate routing.
type GoalSpec struct {
	Check     string         `yaml:"check"`
	Fix       string         `yaml:"fix"`
	Escalate  string         `yaml:"escalate"`
	Evaluator *EvaluatorSpec `yaml:"evaluator"`
}

// InvariantSpec is one check/fix pair in an invariants loop.
type InvariantSpec struct {
	Name      string         `yaml:"name"`
	Check     string         `yaml:"check"`
	Fix       string         `yaml:"fix"`
	Evaluator *EvaluatorSpec `yaml:"evaluator"`
}

// ConvergenceSpec drives a metric toward a target.
type ConvergenceSpec struct {
	Metric    string  `yaml:"metric"`
	Improve   string  `yaml:"improve"`
	Direction string  `yaml:"direction"` // down (default) or up
	Target    float64 `yaml:"target"`
	Tolerance float64 `yaml:"tolerance"`
}

// ImperativeSpec is an ordered step list with an until-clause.
type ImperativeSpec struct {
	Steps     []string       `yaml:"steps"`
	Until     string         `yaml:"until"`
	Evaluator *EvaluatorSpec `yaml:"evaluator"`
}

// MaxIterationsOrDefault returns the iteration bound.
func (d *Definition) MaxIterationsOrDefault() int {
	if d.MaxIterations > 0 {
		return d.MaxIterations
	}
	return defaultMaxIterations
}

// ActionTimeoutOrDefault returns the per-action timeout.
func (d *Definition) ActionTimeoutOrDefault() time.Duration {
	return parseDuration(d.ActionTimeout, defaultActionTimeout)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Load reads one loop definition. A missing name defaults to the
// filename without extension.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read loop definition: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse loop definition: %w", err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &def, nil
}

// Find locates a loop definition by name under dir, trying .yaml then
// .yml.
func Find(dir, name string) (*Definition, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return nil, fmt.Errorf("loop %q not found in %s", name, dir)
}

// List loads every definition under dir, skipping files that do not
// parse, sorted by name. A missing directory yields an empty list.
func List(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read loops directory: %w", err)
	}

	log := logging.WithComponent("loop")
	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warn("Skipping invalid loop definition",
				slog.String("file", entry.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}
