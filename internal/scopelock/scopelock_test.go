package scopelock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestNormalizeScope(t *testing.T) {
	tests := []struct {
		name  string
		scope []string
		want  []string
	}{
		{name: "empty widens to project", scope: nil, want: []string{"."}},
		{name: "trailing slash dropped", scope: []string{"src/"}, want: []string{"src"}},
		{name: "nested cleaned", scope: []string{"src//api/"}, want: []string{"src/api"}},
		{name: "dot preserved", scope: []string{"."}, want: []string{"."}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeScope(tt.scope)
			if len(got) != len(tt.want) {
				t.Fatalf("NormalizeScope(%v) = %v, want %v", tt.scope, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("NormalizeScope(%v)[%d] = %q, want %q", tt.scope, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPathContains(t *testing.T) {
	tests := []struct {
		parent string
		child  string
		want   bool
	}{
		{"src", "src", true},
		{"src", "src/api", true},
		{"src", "src/api/handlers", true},
		{"src/api", "src", false},
		{"src", "docs", false},
		{"src", "src2", false},
		{".", "src", true},
		{"src", ".", false},
	}

	for _, tt := range tests {
		if got := pathContains(tt.parent, tt.child); got != tt.want {
			t.Errorf("pathContains(%q, %q) = %v, want %v", tt.parent, tt.child, got, tt.want)
		}
	}
}

func TestOverlapPair(t *testing.T) {
	held, requested, ok := overlapPair([]string{"docs", "src"}, []string{"src/api"})
	if !ok {
		t.Fatal("expected overlap between src and src/api")
	}
	if held != "src" || requested != "src/api" {
		t.Errorf("overlapPair returned (%q, %q), want (src, src/api)", held, requested)
	}

	if _, _, ok := overlapPair([]string{"src"}, []string{"docs"}); ok {
		t.Error("src and docs should not overlap")
	}
}

func TestPIDAlive(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Error("own pid should be alive")
	}
	if PIDAlive(0) {
		t.Error("pid 0 should not be alive")
	}
	if PIDAlive(-1) {
		t.Error("negative pid should not be alive")
	}

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to run probe process: %v", err)
	}
	if PIDAlive(cmd.Process.Pid) {
		t.Error("exited process should not be alive")
	}
}

func TestAcquireConflict(t *testing.T) {
	m := NewManager(t.TempDir())

	if err := m.Acquire("loop-a", []string{"src/"}); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	err := m.Acquire("loop-b", []string{"src/api/"})
	if err == nil {
		t.Fatal("expected conflict for nested scope")
	}

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %T: %v", err, err)
	}
	if conflict.LoopName != "loop-a" {
		t.Errorf("conflict holder = %q, want loop-a", conflict.LoopName)
	}
	if conflict.HeldScope != "src" {
		t.Errorf("conflict held scope = %q, want src", conflict.HeldScope)
	}
}

func TestAcquireDisjointScopes(t *testing.T) {
	m := NewManager(t.TempDir())

	if err := m.Acquire("loop-a", []string{"src"}); err != nil {
		t.Fatalf("acquire loop-a failed: %v", err)
	}
	if err := m.Acquire("loop-b", []string{"docs"}); err != nil {
		t.Errorf("disjoint scopes should coexist: %v", err)
	}

	locks, err := m.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(locks) != 2 {
		t.Errorf("expected 2 live locks, got %d", len(locks))
	}
}

func TestAcquireSameNameTwice(t *testing.T) {
	m := NewManager(t.TempDir())

	if err := m.Acquire("nightly", []string{"src"}); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := m.Acquire("nightly", []string{"docs"}); err == nil {
		t.Error("second acquire under the same name should fail")
	}
}

func TestEmptyScopeIsProjectWide(t *testing.T) {
	m := NewManager(t.TempDir())

	if err := m.Acquire("loop-a", nil); err != nil {
		t.Fatalf("acquire with empty scope failed: %v", err)
	}
	if err := m.Acquire("loop-b", []string{"docs"}); err == nil {
		t.Error("project-wide lock should conflict with any scope")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	m := NewManager(t.TempDir())

	if err := m.Acquire("loop-a", []string{"src"}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := m.Release("loop-a"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := m.Release("loop-a"); err != nil {
		t.Errorf("releasing an absent lock should succeed: %v", err)
	}
	if err := m.Acquire("loop-b", []string{"src"}); err != nil {
		t.Errorf("scope should be free after release: %v", err)
	}
}

func TestDeadHolderReaped(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to run probe process: %v", err)
	}

	stale := Lock{
		LoopName:  "crashed",
		Scope:     []string{"src"},
		PID:       cmd.Process.Pid,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(stale)
	if err != nil {
		t.Fatalf("failed to encode stale lock: %v", err)
	}
	stalePath := filepath.Join(dir, "crashed.lock")
	if err := os.WriteFile(stalePath, data, 0644); err != nil {
		t.Fatalf("failed to write stale lock: %v", err)
	}

	if err := m.Acquire("loop-a", []string{"src"}); err != nil {
		t.Errorf("dead holder should be reaped, got: %v", err)
	}
	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Error("stale lock file should be removed during scan")
	}
}

func TestMalformedLockSkipped(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	garbagePath := filepath.Join(dir, "broken.lock")
	if err := os.WriteFile(garbagePath, []byte("not json{"), 0644); err != nil {
		t.Fatalf("failed to write garbage lock: %v", err)
	}

	if err := m.Acquire("loop-a", []string{"src"}); err != nil {
		t.Errorf("malformed lock should be skipped, got: %v", err)
	}
	if _, err := os.Stat(garbagePath); err != nil {
		t.Error("malformed lock file should be left in place")
	}
}

func TestFindConflict(t *testing.T) {
	m := NewManager(t.TempDir())

	conflict, err := m.FindConflict([]string{"src"})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if conflict != nil {
		t.Fatalf("expected no conflict in empty directory, got %v", conflict)
	}

	if err := m.Acquire("loop-a", []string{"src"}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	conflict, err = m.FindConflict([]string{"src/api"})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if conflict == nil || conflict.LoopName != "loop-a" {
		t.Errorf("expected conflict with loop-a, got %v", conflict)
	}
}

func TestWaitForScope(t *testing.T) {
	t.Run("ImmediatelyFree", func(t *testing.T) {
		m := NewManager(t.TempDir())
		if !m.WaitForScope(context.Background(), []string{"src"}, time.Second) {
			t.Error("free scope should return immediately")
		}
	})

	t.Run("TimesOutWhileHeld", func(t *testing.T) {
		m := NewManager(t.TempDir())
		if err := m.Acquire("holder", []string{"src"}); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}

		start := time.Now()
		if m.WaitForScope(context.Background(), []string{"src/api"}, 300*time.Millisecond) {
			t.Error("held scope should time out")
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("wait took %v, expected to give up near the timeout", elapsed)
		}
	})

	t.Run("UnblocksOnRelease", func(t *testing.T) {
		m := NewManager(t.TempDir())
		if err := m.Acquire("holder", []string{"src"}); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}

		go func() {
			time.Sleep(150 * time.Millisecond)
			_ = m.Release("holder")
		}()

		if !m.WaitForScope(context.Background(), []string{"src/api"}, 5*time.Second) {
			t.Error("wait should succeed once the holder releases")
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		m := NewManager(t.TempDir())
		if err := m.Acquire("holder", []string{"src"}); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if m.WaitForScope(ctx, []string{"src"}, 0) {
			t.Error("cancelled context should abort the wait")
		}
	})
}
