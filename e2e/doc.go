// Package e2e provides end-to-end tests for the llp issue-to-merge cycle.
//
// These tests verify the complete workflow:
//  1. Issue files discovered under .issues/<category>/
//  2. Worker pipeline runs in an isolated worktree (agent mocked)
//  3. Branch committed and verified
//  4. Merge coordinator lands the branch on mainline
//  5. Issue file moved to the completed directory
//
// The tests use a real git repository in a temp directory and a mock
// agent executable (mocks.AgentMock) that answers the /ready and
// /manage prompts with marker sections. This exercises the full
// orchestrator dispatch loop without an external agent.
//
// # Test Structure
//
//   - workflow_test.go: Main E2E workflow tests
//   - mocks/agent.go: Mock agent executable
//
// # Running E2E Tests
//
//	go test -v -count=1 ./e2e/...
//
// Skip in short mode: go test -short ./...
package e2e
