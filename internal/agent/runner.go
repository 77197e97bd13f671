package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/alekspetrov/llp/internal/logging"
)

// continuePrompt is sent when resuming an agent session that ran out
// of context mid-task.
const continuePrompt = "Continue the previous task from where it stopped."

var exhaustionMarkers = []string{
	"context low",
	"prompt is too long",
	"context length exceeded",
	"context limit",
	"conversation is too long",
}

// ContextExhausted reports whether agent output signals that the
// session ran out of context window.
func ContextExhausted(result *Result) bool {
	text := strings.ToLower(result.Output + "\n" + result.Stderr)
	for _, marker := range exhaustionMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// Runner wraps a client with context-exhaustion recovery: when an
// invocation reports an exhausted context it is resumed with --continue,
// a bounded number of times.
type Runner struct {
	client           *Client
	maxContinuations int
	log              *slog.Logger
}

// NewRunner creates a continuation-aware runner.
func NewRunner(client *Client, maxContinuations int) *Runner {
	if maxContinuations < 0 {
		maxContinuations = 0
	}
	return &Runner{
		client:           client,
		maxContinuations: maxContinuations,
		log:              logging.WithComponent("agent"),
	}
}

// Run invokes the agent, resuming after context exhaustion. The
// returned result aggregates output across all invocations; exit code
// and timing reflect the final one.
func (r *Runner) Run(ctx context.Context, dir, prompt string) (*Result, error) {
	result, err := r.client.Invoke(ctx, dir, prompt)
	if err != nil {
		return result, err
	}

	var outputs []string
	outputs = append(outputs, result.Output)

	continuations := 0
	for ContextExhausted(result) && continuations < r.maxContinuations {
		continuations++
		r.log.Warn("Agent context exhausted, resuming",
			slog.Int("continuation", continuations),
			slog.Int("max", r.maxContinuations),
		)

		result, err = r.client.Invoke(ctx, dir, continuePrompt, "--continue")
		if err != nil {
			if result != nil {
				result.Continuations = continuations
			}
			return result, err
		}
		outputs = append(outputs, result.Output)
	}

	result.Output = strings.Join(outputs, "\n")
	result.Continuations = continuations
	return result, nil
}
