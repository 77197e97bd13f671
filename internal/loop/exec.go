package loop

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/alekspetrov/llp/internal/agent"
	"github.com/alekspetrov/llp/internal/logging"
)

// ActionType selects how a state's action string is executed.
type ActionType string

const (
	ActionShell  ActionType = "shell"
	ActionPrompt ActionType = "prompt"
	ActionSlash  ActionType = "slash_command"
)

// resolveActionType applies the declared type, falling back to the
// heuristic: strings beginning with "/" are slash commands, everything
// else runs in a shell.
func resolveActionType(action, declared string) ActionType {
	switch ActionType(declared) {
	case ActionShell, ActionPrompt, ActionSlash:
		return ActionType(declared)
	}
	if strings.HasPrefix(strings.TrimSpace(action), "/") {
		return ActionSlash
	}
	return ActionShell
}

// Action is one executable state action.
type Action struct {
	Text    string
	Type    ActionType
	Timeout time.Duration
}

// ActionExecutor runs actions. Launch failures, timeouts and
// cancellation are reported inside the result, never as a panic or a
// separate error path.
type ActionExecutor interface {
	Execute(ctx context.Context, action Action) *ActionResult
}

// Executor runs shell actions via sh -c and prompt/slash actions via
// the agent runner, all rooted in one working directory.
type Executor struct {
	dir   string
	agent *agent.Runner
	log   *slog.Logger
}

// NewExecutor creates an executor. The agent runner may be nil when a
// loop only uses shell actions.
func NewExecutor(dir string, runner *agent.Runner) *Executor {
	return &Executor{
		dir:   dir,
		agent: runner,
		log:   logging.WithComponent("loop"),
	}
}

func (e *Executor) Execute(ctx context.Context, action Action) *ActionResult {
	runCtx := ctx
	if action.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, action.Timeout)
		defer cancel()
	}

	switch action.Type {
	case ActionPrompt, ActionSlash:
		return e.runAgent(runCtx, action.Text)
	default:
		return e.runShell(runCtx, action.Text)
	}
}

func (e *Executor) runShell(ctx context.Context, command string) *ActionResult {
	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ActionResult{
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.Err = err
			return res
		}
		if ctx.Err() != nil {
			res.Err = ctx.Err()
		}
	}
	return res
}

func (e *Executor) runAgent(ctx context.Context, prompt string) *ActionResult {
	start := time.Now()
	if e.agent == nil {
		return &ActionResult{
			Err:      errors.New("loop uses agent actions but no agent is configured"),
			Duration: time.Since(start),
		}
	}

	result, err := e.agent.Run(ctx, e.dir, prompt)
	res := &ActionResult{Duration: time.Since(start)}
	if result != nil {
		res.Output = result.Output
		res.Stderr = result.Stderr
		res.ExitCode = result.ExitCode
	}
	res.Err = err
	return res
}

// AgentJudge adapts the agent runner to the Judge interface used by
// llm evaluators.
type AgentJudge struct {
	Runner *agent.Runner
	Dir    string
}

func (j *AgentJudge) Judge(ctx context.Context, prompt string) (string, error) {
	result, err := j.Runner.Run(ctx, j.Dir, prompt)
	if err != nil {
		return "", err
	}
	return result.Output, nil
}
