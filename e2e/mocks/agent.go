// Package mocks provides a fake coding agent for end-to-end tests.
package mocks

import (
	"fmt"
	"os"
	"path/filepath"
)

// AgentMock is a stand-in agent binary. It answers /ready and /manage
// prompts with the marker sections the pipeline parses, and for
// /manage it writes a file into the working directory so the worktree
// has a real diff to commit and merge.
type AgentMock struct {
	binPath string
	tmpDir  string

	// DeclineReady makes /ready answer NOT_READY.
	DeclineReady bool
	// FailImplement makes /manage answer FAILED.
	FailImplement bool
}

// NewAgentMock writes the mock script into a temp directory.
func NewAgentMock() (*AgentMock, error) {
	tmpDir, err := os.MkdirTemp("", "llp-e2e-agent-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	m := &AgentMock{tmpDir: tmpDir}
	if err := m.writeScript(); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}
	return m, nil
}

// BinPath returns the path of the mock agent executable.
func (m *AgentMock) BinPath() string {
	return m.binPath
}

// Close removes the mock's temp directory.
func (m *AgentMock) Close() {
	_ = os.RemoveAll(m.tmpDir)
}

// SetDeclineReady regenerates the script with /ready answering
// NOT_READY.
func (m *AgentMock) SetDeclineReady(decline bool) error {
	m.DeclineReady = decline
	return m.writeScript()
}

// SetFailImplement regenerates the script with /manage answering
// FAILED.
func (m *AgentMock) SetFailImplement(fail bool) error {
	m.FailImplement = fail
	return m.writeScript()
}

// writeScript renders the shell script for the current failure modes.
// The real agent is invoked as `<binary> -p <prompt> ...` with the
// worktree as working directory; the script honors exactly that shape.
func (m *AgentMock) writeScript() error {
	m.binPath = filepath.Join(m.tmpDir, "agent")

	readyVerdict := "READY"
	if m.DeclineReady {
		readyVerdict = "NOT_READY"
	}
	manageVerdict := "COMPLETED"
	if m.FailImplement {
		manageVerdict = "FAILED"
	}

	script := fmt.Sprintf(`#!/bin/sh
# Mock coding agent for end-to-end tests.

PROMPT=""
while [ $# -gt 0 ]; do
	case "$1" in
	-p)
		shift
		PROMPT="$1"
		;;
	esac
	shift
done

case "$PROMPT" in
/ready*)
	echo "Checked the issue file against the tree."
	echo ""
	echo "## VERDICT"
	echo "%s"
	;;
/manage*)
	TARGET="${PROMPT##* }"
	NAME="$(basename "$TARGET" .md)"
	printf 'patched for %%s\n' "$NAME" >>"fix-$NAME.txt"
	echo "Applied the change."
	echo ""
	echo "## VERDICT"
	echo "%s"
	;;
*)
	echo "## VERDICT"
	echo "COMPLETED"
	;;
esac
`, readyVerdict, manageVerdict)

	if err := os.WriteFile(m.binPath, []byte(script), 0o755); err != nil {
		return fmt.Errorf("failed to write mock agent script: %w", err)
	}
	return nil
}

// ChangedFileName returns the file the mock creates in the worktree
// when implementing the given issue id.
func ChangedFileName(issueID string) string {
	return "fix-" + issueID + ".txt"
}
