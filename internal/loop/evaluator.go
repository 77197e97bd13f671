package loop

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Verdict classifies an action's outcome and drives routing.
type Verdict string

const (
	VerdictSuccess Verdict = "success"
	VerdictFailure Verdict = "failure"
	VerdictError   Verdict = "error"
)

// ActionResult is what an evaluator sees after an action ran.
type ActionResult struct {
	Output   string
	Stderr   string
	ExitCode int
	Err      error
	Duration time.Duration
}

// Evaluator turns an action result into a verdict.
type Evaluator interface {
	Evaluate(ctx context.Context, res *ActionResult) Verdict
}

// Judge answers an evaluation prompt, typically by invoking the agent.
type Judge interface {
	Judge(ctx context.Context, prompt string) (string, error)
}

// EvaluatorSpec is the yaml shape of an evaluator declaration.
type EvaluatorSpec struct {
	Type     string          `yaml:"type"`
	Pattern  string          `yaml:"pattern"`
	Contains string          `yaml:"contains"`
	Prompt   string          `yaml:"prompt"`
	Verdicts []string        `yaml:"verdicts"`
	Op       string          `yaml:"op"`
	Of       []EvaluatorSpec `yaml:"of"`
}

// buildEvaluator constructs an evaluator from its spec. A nil spec
// means exit_code.
func buildEvaluator(spec *EvaluatorSpec, judge Judge) (Evaluator, error) {
	if spec == nil || spec.Type == "" || spec.Type == "exit_code" {
		return exitCodeEvaluator{}, nil
	}

	switch spec.Type {
	case "output_match":
		if spec.Pattern == "" && spec.Contains == "" {
			return nil, fmt.Errorf("output_match evaluator needs pattern or contains")
		}
		ev := &outputMatchEvaluator{contains: spec.Contains}
		if spec.Pattern != "" {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid output_match pattern: %w", err)
			}
			ev.re = re
		}
		return ev, nil

	case "llm":
		if spec.Prompt == "" {
			return nil, fmt.Errorf("llm evaluator needs a prompt")
		}
		if judge == nil {
			return nil, fmt.Errorf("llm evaluator needs a judge")
		}
		verdicts := spec.Verdicts
		if len(verdicts) == 0 {
			verdicts = []string{string(VerdictSuccess), string(VerdictFailure)}
		}
		return &llmEvaluator{judge: judge, prompt: spec.Prompt, verdicts: verdicts}, nil

	case "composite":
		op := spec.Op
		if op == "" {
			op = "and"
		}
		if op != "and" && op != "or" {
			return nil, fmt.Errorf("composite op must be and/or, got %q", spec.Op)
		}
		if len(spec.Of) == 0 {
			return nil, fmt.Errorf("composite evaluator needs sub-evaluators")
		}
		children := make([]Evaluator, 0, len(spec.Of))
		for i := range spec.Of {
			child, err := buildEvaluator(&spec.Of[i], judge)
			if err != nil {
				return nil, fmt.Errorf("composite child %d: %w", i, err)
			}
			children = append(children, child)
		}
		return &compositeEvaluator{op: op, children: children}, nil
	}

	return nil, fmt.Errorf("unknown evaluator type %q", spec.Type)
}

type exitCodeEvaluator struct{}

func (exitCodeEvaluator) Evaluate(_ context.Context, res *ActionResult) Verdict {
	if res.ExitCode == 0 {
		return VerdictSuccess
	}
	return VerdictFailure
}

type outputMatchEvaluator struct {
	re       *regexp.Regexp
	contains string
}

func (e *outputMatchEvaluator) Evaluate(_ context.Context, res *ActionResult) Verdict {
	if e.re != nil && e.re.MatchString(res.Output) {
		return VerdictSuccess
	}
	if e.contains != "" && strings.Contains(res.Output, e.contains) {
		return VerdictSuccess
	}
	return VerdictFailure
}

type llmEvaluator struct {
	judge    Judge
	prompt   string
	verdicts []string
}

func (e *llmEvaluator) Evaluate(ctx context.Context, res *ActionResult) Verdict {
	prompt := fmt.Sprintf(
		"%s\n\nAction output:\n%s\n\nAnswer with exactly one of: %s",
		e.prompt, res.Output, strings.Join(e.verdicts, ", "),
	)
	reply, err := e.judge.Judge(ctx, prompt)
	if err != nil {
		return VerdictError
	}
	lower := strings.ToLower(reply)
	// Declared order breaks ties when a reply mentions several verdicts.
	for _, v := range e.verdicts {
		if strings.Contains(lower, strings.ToLower(v)) {
			return Verdict(strings.ToLower(v))
		}
	}
	return VerdictError
}

type compositeEvaluator struct {
	op       string
	children []Evaluator
}

func (e *compositeEvaluator) Evaluate(ctx context.Context, res *ActionResult) Verdict {
	if e.op == "or" {
		fallback := VerdictFailure
		for _, child := range e.children {
			switch child.Evaluate(ctx, res) {
			case VerdictSuccess:
				return VerdictSuccess
			case VerdictError:
				fallback = VerdictError
			}
		}
		return fallback
	}

	for _, child := range e.children {
		if v := child.Evaluate(ctx, res); v != VerdictSuccess {
			return v
		}
	}
	return VerdictSuccess
}

// thresholdEvaluator backs the convergence paradigm: it parses the last
// number in the action output and compares it against the target.
type thresholdEvaluator struct {
	direction string // down or up
	target    float64
	tolerance float64
}

var numberRe = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)

func (e *thresholdEvaluator) Evaluate(_ context.Context, res *ActionResult) Verdict {
	numbers := numberRe.FindAllString(res.Output, -1)
	if len(numbers) == 0 {
		return VerdictError
	}
	value, err := strconv.ParseFloat(numbers[len(numbers)-1], 64)
	if err != nil {
		return VerdictError
	}

	if e.direction == "up" {
		if value >= e.target-e.tolerance {
			return VerdictSuccess
		}
		return VerdictFailure
	}
	if value <= e.target+e.tolerance {
		return VerdictSuccess
	}
	return VerdictFailure
}
