package loop

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLoop(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadDefinition(t *testing.T) {
	dir := t.TempDir()
	path := writeLoop(t, dir, "tests-green.yaml", `
name: tests-green
description: keep the suite green
scope:
  - src/
max_iterations: 10
action_timeout: 5m
goal:
  check: go test ./...
  fix: fix the failing tests
`)

	def, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if def.Name != "tests-green" {
		t.Errorf("Name = %q", def.Name)
	}
	if def.MaxIterationsOrDefault() != 10 {
		t.Errorf("MaxIterations = %d, want 10", def.MaxIterationsOrDefault())
	}
	if def.ActionTimeoutOrDefault() != 5*time.Minute {
		t.Errorf("ActionTimeout = %v, want 5m", def.ActionTimeoutOrDefault())
	}
	if len(def.Scope) != 1 || def.Scope[0] != "src/" {
		t.Errorf("Scope = %v", def.Scope)
	}
	if def.Goal == nil || def.Goal.Check != "go test ./..." {
		t.Errorf("Goal = %+v", def.Goal)
	}
}

func TestLoadDefaultsNameFromFilename(t *testing.T) {
	dir := t.TempDir()
	path := writeLoop(t, dir, "nameless.yaml", "goal:\n  check: \"true\"\n")

	def, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if def.Name != "nameless" {
		t.Errorf("Name = %q, want nameless", def.Name)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeLoop(t, dir, "bare.yaml", "goal:\n  check: \"true\"\n")

	def, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if def.MaxIterationsOrDefault() != defaultMaxIterations {
		t.Errorf("MaxIterations = %d, want default", def.MaxIterationsOrDefault())
	}
	if def.ActionTimeoutOrDefault() != defaultActionTimeout {
		t.Errorf("ActionTimeout = %v, want default", def.ActionTimeoutOrDefault())
	}
}

func TestFindTriesBothExtensions(t *testing.T) {
	dir := t.TempDir()
	writeLoop(t, dir, "short.yml", "name: short\ngoal:\n  check: \"true\"\n")

	def, err := Find(dir, "short")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if def.Name != "short" {
		t.Errorf("Name = %q, want short", def.Name)
	}

	if _, err := Find(dir, "absent"); err == nil {
		t.Error("Find should fail for a missing loop")
	}
}

func TestListSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeLoop(t, dir, "beta.yaml", "name: beta\ngoal:\n  check: \"true\"\n")
	writeLoop(t, dir, "alpha.yaml", "name: alpha\ngoal:\n  check: \"true\"\n")
	writeLoop(t, dir, "broken.yaml", "name: [unclosed\n")
	writeLoop(t, dir, "notes.txt", "not a loop")

	defs, err := List(dir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("List returned %d definitions, want 2", len(defs))
	}
	if defs[0].Name != "alpha" || defs[1].Name != "beta" {
		t.Errorf("List order = %s, %s; want alpha, beta", defs[0].Name, defs[1].Name)
	}
}

func TestListMissingDir(t *testing.T) {
	defs, err := List(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if defs != nil {
		t.Errorf("List = %v, want nil for missing dir", defs)
	}
}
