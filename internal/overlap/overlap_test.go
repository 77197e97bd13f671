package overlap

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/alekspetrov/llp/internal/issues"
)

var testExtensions = []string{".go", ".md", ".ts"}

func writeIssue(t *testing.T, id, body string, meta map[string]string) *issues.Issue {
	t.Helper()
	path := filepath.Join(t.TempDir(), id+".md")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return &issues.Issue{ID: id, Path: path, Meta: meta}
}

func TestExtractHints(t *testing.T) {
	d := NewDetector(testExtensions)
	issue := writeIssue(t, "BUG-001", `# BUG-001: Fix pool

The bug lives in internal/worker/pool.go and touches src/utils/ heavily.
Ignore binary/blob.exe and the bare name main.go entirely.
`, map[string]string{"scope": "Workers, queue"})

	h := d.ExtractHints(issue)
	if !h.Files["internal/worker/pool.go"] {
		t.Errorf("file hint missing: %v", h.Files)
	}
	if !h.Dirs["internal/worker"] {
		t.Errorf("parent dir of file hint missing: %v", h.Dirs)
	}
	if !h.Dirs["src/utils"] {
		t.Errorf("bare directory reference missing: %v", h.Dirs)
	}
	if h.Files["binary/blob.exe"] {
		t.Error("extension outside the whitelist must be ignored")
	}
	if h.Files["main.go"] {
		t.Error("bare filename without a directory must be ignored")
	}
	if !h.Scopes["workers"] || !h.Scopes["queue"] {
		t.Errorf("scope tags not normalized: %v", h.Scopes)
	}
}

func TestExtractHintsUnreadableIsEmpty(t *testing.T) {
	d := NewDetector(testExtensions)
	h := d.ExtractHints(&issues.Issue{ID: "BUG-404", Path: "/does/not/exist.md"})
	if !h.Empty() {
		t.Errorf("unreadable issue should produce empty hints: %+v", h)
	}
}

func TestCheckOverlapByFile(t *testing.T) {
	d := NewDetector(testExtensions)
	a := writeIssue(t, "BUG-001", "Touch internal/worker/pool.go here.\n", nil)
	b := writeIssue(t, "BUG-002", "Also edits internal/worker/pool.go directly.\n", nil)

	d.Register(a)
	if got := d.Check(b); !reflect.DeepEqual(got, []string{"BUG-001"}) {
		t.Errorf("Check = %v, want [BUG-001]", got)
	}
}

func TestCheckOverlapByDirContainment(t *testing.T) {
	d := NewDetector(testExtensions)
	a := writeIssue(t, "FEAT-001", "Restructure internal/worker/ entirely.\n", nil)
	b := writeIssue(t, "FEAT-002", "Small fix in internal/worker/deep/nested.go only.\n", nil)

	d.Register(a)
	if got := d.Check(b); !reflect.DeepEqual(got, []string{"FEAT-001"}) {
		t.Errorf("ancestor containment should overlap, got %v", got)
	}
}

func TestCheckOverlapByScope(t *testing.T) {
	d := NewDetector(testExtensions)
	a := writeIssue(t, "ENH-001", "No paths here.\n", map[string]string{"scope": "api"})
	b := writeIssue(t, "ENH-002", "None here either.\n", map[string]string{"scopes": "API, storage"})

	d.Register(a)
	if got := d.Check(b); !reflect.DeepEqual(got, []string{"ENH-001"}) {
		t.Errorf("shared scope tag should overlap, got %v", got)
	}
}

func TestCheckDisjointIssues(t *testing.T) {
	d := NewDetector(testExtensions)
	a := writeIssue(t, "BUG-001", "Only internal/merge/merge.go.\n", nil)
	b := writeIssue(t, "BUG-002", "Only internal/queue/queue.go.\n", nil)

	d.Register(a)
	if got := d.Check(b); got != nil {
		t.Errorf("disjoint issues must not overlap, got %v", got)
	}
}

func TestEmptyHintsNeverOverlap(t *testing.T) {
	d := NewDetector(testExtensions)
	blank := writeIssue(t, "BUG-001", "No file references at all.\n", nil)
	other := writeIssue(t, "BUG-002", "Edits internal/worker/pool.go.\n", nil)

	d.Register(blank)
	if got := d.Check(other); got != nil {
		t.Errorf("registered empty hints must never match, got %v", got)
	}

	d.Register(other)
	if got := d.Check(blank); got != nil {
		t.Errorf("empty candidate must never match, got %v", got)
	}
}

func TestCheckSkipsSelfAndSorts(t *testing.T) {
	d := NewDetector(testExtensions)
	body := "Edits internal/worker/pool.go.\n"
	a := writeIssue(t, "BUG-002", body, nil)
	b := writeIssue(t, "BUG-001", body, nil)
	c := writeIssue(t, "BUG-003", body, nil)

	d.Register(a)
	d.Register(b)
	d.Register(c)

	if got := d.Check(c); !reflect.DeepEqual(got, []string{"BUG-001", "BUG-002"}) {
		t.Errorf("Check = %v, want sorted ids without self", got)
	}
}

func TestUnregister(t *testing.T) {
	d := NewDetector(testExtensions)
	a := writeIssue(t, "BUG-001", "Edits internal/worker/pool.go.\n", nil)
	b := writeIssue(t, "BUG-002", "Edits internal/worker/pool.go too.\n", nil)

	d.Register(a)
	if d.Active() != 1 {
		t.Fatalf("Active = %d, want 1", d.Active())
	}
	d.Unregister("BUG-001")
	if d.Active() != 0 {
		t.Fatalf("Active = %d, want 0", d.Active())
	}
	if got := d.Check(b); got != nil {
		t.Errorf("unregistered issue must not overlap, got %v", got)
	}
}

func TestDirsOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"internal/worker", "internal/worker", true},
		{"internal", "internal/worker", true},
		{"internal/worker/deep", "internal/worker", true},
		{"internal/worker", "internal/merge", false},
		{"internal/work", "internal/worker", false},
	}
	for _, tt := range tests {
		if got := dirsOverlap(tt.a, tt.b); got != tt.want {
			t.Errorf("dirsOverlap(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
