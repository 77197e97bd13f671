// Package agent invokes the external coding agent CLI and parses the
// structured markers it prints. Agent output is opaque free text except
// for the VERDICT, VALIDATED_FILE and CORRECTIONS_MADE sections.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/alekspetrov/llp/internal/logging"
)

// gracePeriod is how long a cancelled agent process gets to exit after
// SIGTERM before it is hard-killed.
const gracePeriod = 5 * time.Second

// maintainCWDEnv keeps agent shell executions anchored to the worktree
// instead of following cd calls back into the main repository.
const maintainCWDEnv = "CLAUDE_BASH_MAINTAIN_PROJECT_WORKING_DIR=1"

// Result captures one agent invocation.
type Result struct {
	Output        string
	Stderr        string
	ExitCode      int
	Duration      time.Duration
	Continuations int
}

// Client runs the agent binary with a fixed argument profile.
type Client struct {
	binary  string
	args    []string
	model   string
	timeout time.Duration
	log     *slog.Logger
}

// New creates a client. Binary defaults to "claude" and timeout to 30m.
func New(binary string, extraArgs []string, model string, timeout time.Duration) *Client {
	if binary == "" {
		binary = "claude"
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Client{
		binary:  binary,
		args:    extraArgs,
		model:   model,
		timeout: timeout,
		log:     logging.WithComponent("agent"),
	}
}

// IsAvailable checks that the agent binary is on PATH.
func (c *Client) IsAvailable() bool {
	_, err := exec.LookPath(c.binary)
	return err == nil
}

// Invoke runs the agent in dir with the given prompt. A non-zero exit
// is not an error; the caller inspects ExitCode and markers. An error
// is returned when the process cannot start or the timeout fires.
func (c *Client) Invoke(ctx context.Context, dir, prompt string, extra ...string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{"-p", prompt, "--dangerously-skip-permissions"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	args = append(args, c.args...)
	args = append(args, extra...)

	cmd := exec.CommandContext(runCtx, c.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), maintainCWDEnv)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = gracePeriod

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.log.Debug("Invoking agent",
		slog.String("binary", c.binary),
		slog.String("dir", dir),
	)

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("failed to run agent: %w", err)
		}
		if runCtx.Err() != nil {
			return result, fmt.Errorf("agent timed out after %s: %w", time.Since(start).Round(time.Second), runCtx.Err())
		}
	}

	c.log.Debug("Agent finished",
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// Detach launches the agent in dir with the given prompt as an
// independent process: new session, null stdio, nothing inherited.
// The child is not waited on; the returned pid is emitted and
// forgotten.
func (c *Client) Detach(dir, prompt string) (int, error) {
	args := []string{"-p", prompt, "--dangerously-skip-permissions"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	args = append(args, c.args...)

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(c.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), maintainCWDEnv)
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start detached agent: %w", err)
	}
	pid := cmd.Process.Pid

	// Release so the child never becomes a tracked subprocess.
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to release detached agent: %w", err)
	}

	c.log.Info("Spawned detached agent",
		slog.Int("pid", pid),
		slog.String("dir", dir),
	)
	return pid, nil
}
