package loop

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Table is the runtime state machine every paradigm compiles down to.
type Table struct {
	Initial string
	States  map[string]*CompiledState
}

// CompiledState is one ready-to-run state: action resolved, evaluator
// constructed, routes keyed by verdict.
type CompiledState struct {
	Name       string
	Action     string
	ActionType ActionType
	Evaluator  Evaluator
	Routes     map[Verdict]string
	Handoffs   map[Verdict]string
	Default    string
	Terminal   bool
	Failure    bool
	Timeout    time.Duration
}

// Compile turns a definition into its state table. The judge is used
// only by llm evaluators; pass nil for loops without them.
func Compile(def *Definition, judge Judge) (*Table, error) {
	declared := 0
	for _, present := range []bool{
		def.Goal != nil,
		len(def.Invariants) > 0,
		def.Convergence != nil,
		def.Imperative != nil,
		len(def.States) > 0,
	} {
		if present {
			declared++
		}
	}
	if declared == 0 {
		return nil, fmt.Errorf("loop %q declares no paradigm and no states", def.Name)
	}
	if declared > 1 {
		return nil, fmt.Errorf("loop %q declares more than one paradigm", def.Name)
	}

	var table *Table
	var err error
	switch {
	case def.Goal != nil:
		table, err = compileGoal(def, judge)
	case len(def.Invariants) > 0:
		table, err = compileInvariants(def, judge)
	case def.Convergence != nil:
		table, err = compileConvergence(def)
	case def.Imperative != nil:
		table, err = compileImperative(def, judge)
	default:
		table, err = compileExplicit(def, judge)
	}
	if err != nil {
		return nil, fmt.Errorf("loop %q: %w", def.Name, err)
	}

	if err := table.validate(); err != nil {
		return nil, fmt.Errorf("loop %q: %w", def.Name, err)
	}
	return table, nil
}

// Validate compiles the definition against a no-op judge, reporting
// structural problems without needing a configured agent.
func Validate(def *Definition) error {
	_, err := Compile(def, nopJudge{})
	return err
}

type nopJudge struct{}

func (nopJudge) Judge(_ context.Context, _ string) (string, error) {
	return "", nil
}

func newState(name, action string, actionType ActionType, ev Evaluator, timeout time.Duration) *CompiledState {
	return &CompiledState{
		Name:       name,
		Action:     action,
		ActionType: actionType,
		Evaluator:  ev,
		Routes:     make(map[Verdict]string),
		Handoffs:   make(map[Verdict]string),
		Timeout:    timeout,
	}
}

func terminalState(name string, failure bool) *CompiledState {
	return &CompiledState{Name: name, Terminal: true, Failure: failure}
}

func compileGoal(def *Definition, judge Judge) (*Table, error) {
	g := def.Goal
	if strings.TrimSpace(g.Check) == "" {
		return nil, fmt.Errorf("goal loop needs a check action")
	}

	ev, err := buildEvaluator(g.Evaluator, judge)
	if err != nil {
		return nil, err
	}
	timeout := def.ActionTimeoutOrDefault()

	check := newState("check", g.Check, resolveActionType(g.Check, ""), ev, timeout)
	check.Routes[VerdictSuccess] = "done"
	check.Routes[VerdictError] = "failed"
	switch {
	case g.Fix != "":
		check.Routes[VerdictFailure] = "fix"
	case g.Escalate != "":
		check.Routes[VerdictFailure] = "escalate"
	default:
		check.Routes[VerdictFailure] = "failed"
	}

	states := map[string]*CompiledState{
		"check":  check,
		"done":   terminalState("done", false),
		"failed": terminalState("failed", true),
	}

	if g.Fix != "" {
		fix := newState("fix", g.Fix, resolveActionType(g.Fix, ""), exitCodeEvaluator{}, timeout)
		fix.Routes[VerdictSuccess] = "check"
		fix.Routes[VerdictError] = "failed"
		if g.Escalate != "" {
			fix.Routes[VerdictFailure] = "escalate"
		} else {
			fix.Routes[VerdictFailure] = "check"
		}
		states["fix"] = fix
	}
	if g.Escalate != "" {
		esc := newState("escalate", g.Escalate, ActionPrompt, exitCodeEvaluator{}, timeout)
		esc.Routes[VerdictSuccess] = "failed"
		esc.Routes[VerdictFailure] = "failed"
		esc.Routes[VerdictError] = "failed"
		states["escalate"] = esc
	}

	return &Table{Initial: "check", States: states}, nil
}

func compileInvariants(def *Definition, judge Judge) (*Table, error) {
	timeout := def.ActionTimeoutOrDefault()
	states := map[string]*CompiledState{
		"done":   terminalState("done", false),
		"failed": terminalState("failed", true),
	}

	var checkNames []string
	for i, inv := range def.Invariants {
		if strings.TrimSpace(inv.Check) == "" {
			return nil, fmt.Errorf("invariant %d needs a check action", i+1)
		}
		name := sanitizeStateName(inv.Name)
		if name == "" {
			name = fmt.Sprintf("inv-%d", i+1)
		}
		checkName := "check-" + name
		if _, dup := states[checkName]; dup {
			return nil, fmt.Errorf("duplicate invariant name %q", inv.Name)
		}

		ev, err := buildEvaluator(inv.Evaluator, judge)
		if err != nil {
			return nil, fmt.Errorf("invariant %q: %w", name, err)
		}

		check := newState(checkName, inv.Check, resolveActionType(inv.Check, ""), ev, timeout)
		check.Routes[VerdictError] = "failed"
		if inv.Fix != "" {
			fixName := "fix-" + name
			fix := newState(fixName, inv.Fix, resolveActionType(inv.Fix, ""), exitCodeEvaluator{}, timeout)
			fix.Routes[VerdictSuccess] = checkName
			fix.Routes[VerdictFailure] = checkName
			fix.Routes[VerdictError] = "failed"
			states[fixName] = fix
			check.Routes[VerdictFailure] = fixName
		} else {
			check.Routes[VerdictFailure] = "failed"
		}

		states[checkName] = check
		checkNames = append(checkNames, checkName)
	}

	for i, checkName := range checkNames {
		next := "done"
		if i+1 < len(checkNames) {
			next = checkNames[i+1]
		}
		states[checkName].Routes[VerdictSuccess] = next
	}

	return &Table{Initial: checkNames[0], States: states}, nil
}

func compileConvergence(def *Definition) (*Table, error) {
	c := def.Convergence
	if strings.TrimSpace(c.Metric) == "" {
		return nil, fmt.Errorf("convergence loop needs a metric action")
	}
	if strings.TrimSpace(c.Improve) == "" {
		return nil, fmt.Errorf("convergence loop needs an improve action")
	}
	direction := c.Direction
	if direction == "" {
		direction = "down"
	}
	if direction != "down" && direction != "up" {
		return nil, fmt.Errorf("convergence direction must be down or up, got %q", c.Direction)
	}
	timeout := def.ActionTimeoutOrDefault()

	measure := newState("measure", c.Metric, resolveActionType(c.Metric, ""),
		&thresholdEvaluator{direction: direction, target: c.Target, tolerance: c.Tolerance}, timeout)
	measure.Routes[VerdictSuccess] = "done"
	measure.Routes[VerdictFailure] = "improve"
	measure.Routes[VerdictError] = "failed"

	improve := newState("improve", c.Improve, resolveActionType(c.Improve, ""), exitCodeEvaluator{}, timeout)
	improve.Routes[VerdictSuccess] = "measure"
	improve.Routes[VerdictFailure] = "measure"
	improve.Routes[VerdictError] = "failed"

	return &Table{
		Initial: "measure",
		States: map[string]*CompiledState{
			"measure": measure,
			"improve": improve,
			"done":    terminalState("done", false),
			"failed":  terminalState("failed", true),
		},
	}, nil
}

func compileImperative(def *Definition, judge Judge) (*Table, error) {
	im := def.Imperative
	if len(im.Steps) == 0 {
		return nil, fmt.Errorf("imperative loop needs steps")
	}
	timeout := def.ActionTimeoutOrDefault()

	states := map[string]*CompiledState{
		"done":   terminalState("done", false),
		"failed": terminalState("failed", true),
	}

	for i, step := range im.Steps {
		name := fmt.Sprintf("step-%d", i+1)
		next := "done"
		if i+1 < len(im.Steps) {
			next = fmt.Sprintf("step-%d", i+2)
		} else if im.Until != "" {
			next = "until"
		}
		st := newState(name, step, resolveActionType(step, ""), exitCodeEvaluator{}, timeout)
		st.Routes[VerdictSuccess] = next
		st.Routes[VerdictFailure] = "failed"
		st.Routes[VerdictError] = "failed"
		states[name] = st
	}

	if im.Until != "" {
		ev, err := buildEvaluator(im.Evaluator, judge)
		if err != nil {
			return nil, fmt.Errorf("until clause: %w", err)
		}
		until := newState("until", im.Until, resolveActionType(im.Until, ""), ev, timeout)
		until.Routes[VerdictSuccess] = "done"
		until.Routes[VerdictFailure] = "step-1"
		until.Routes[VerdictError] = "failed"
		states["until"] = until
	}

	return &Table{Initial: "step-1", States: states}, nil
}

func compileExplicit(def *Definition, judge Judge) (*Table, error) {
	if def.Initial == "" {
		return nil, fmt.Errorf("loop needs an initial state")
	}
	defaultTimeout := def.ActionTimeoutOrDefault()

	states := make(map[string]*CompiledState, len(def.States))
	for name, s := range def.States {
		cs := &CompiledState{
			Name:       name,
			Action:     s.Action,
			ActionType: resolveActionType(s.Action, s.ActionType),
			Routes:     make(map[Verdict]string),
			Handoffs:   make(map[Verdict]string),
			Default:    s.Default,
			Terminal:   s.Terminal,
			Timeout:    parseDuration(s.Timeout, defaultTimeout),
		}

		if s.Terminal {
			switch s.Outcome {
			case "", "success":
			case "failure":
				cs.Failure = true
			default:
				return nil, fmt.Errorf("state %q: outcome must be success or failure, got %q", name, s.Outcome)
			}
			states[name] = cs
			continue
		}

		if strings.TrimSpace(s.Action) == "" {
			return nil, fmt.Errorf("state %q needs an action", name)
		}
		ev, err := buildEvaluator(s.Evaluator, judge)
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", name, err)
		}
		cs.Evaluator = ev

		if s.OnSuccess != "" {
			cs.Routes[VerdictSuccess] = s.OnSuccess
		}
		if s.OnFailure != "" {
			cs.Routes[VerdictFailure] = s.OnFailure
		}
		if s.OnError != "" {
			cs.Routes[VerdictError] = s.OnError
		}
		for verdict, next := range s.Route {
			cs.Routes[Verdict(strings.ToLower(verdict))] = next
		}
		for verdict, prompt := range s.Handoff {
			cs.Handoffs[Verdict(strings.ToLower(verdict))] = prompt
		}

		states[name] = cs
	}

	return &Table{Initial: def.Initial, States: states}, nil
}

// validate reports all structural problems, sorted for stable output.
func (t *Table) validate() error {
	var problems []string

	if t.States[t.Initial] == nil {
		problems = append(problems, fmt.Sprintf("initial state %q is not defined", t.Initial))
	}

	terminals := 0
	for name, cs := range t.States {
		if cs.Terminal {
			terminals++
			continue
		}
		if len(cs.Routes) == 0 && cs.Default == "" {
			problems = append(problems, fmt.Sprintf("state %q has no routes", name))
		}
		for verdict, next := range cs.Routes {
			if t.States[next] == nil {
				problems = append(problems, fmt.Sprintf("state %q routes %s to undefined state %q", name, verdict, next))
			}
		}
		if cs.Default != "" && t.States[cs.Default] == nil {
			problems = append(problems, fmt.Sprintf("state %q defaults to undefined state %q", name, cs.Default))
		}
	}
	if terminals == 0 {
		problems = append(problems, "no terminal state")
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid state table: %s", strings.Join(problems, "; "))
}

func sanitizeStateName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	return b.String()
}
