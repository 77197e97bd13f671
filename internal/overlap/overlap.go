// Package overlap guesses which issues would touch the same files,
// using textual hints extracted from issue bodies. The heuristic is
// approximate on purpose: false negatives are accepted, and an issue
// with no extractable hints never overlaps anything.
package overlap

import (
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/alekspetrov/llp/internal/issues"
)

// dirOnlyRe matches bare directory references like "internal/merge/".
var dirOnlyRe = regexp.MustCompile(`\b((?:[\w\-.]+/)+[\w\-.]+/)(?:\s|$|[),;:"'])`)

// Hints is the extracted footprint of one issue.
type Hints struct {
	Files  map[string]bool
	Dirs   map[string]bool
	Scopes map[string]bool
}

// Empty reports whether nothing could be extracted.
func (h Hints) Empty() bool {
	return len(h.Files) == 0 && len(h.Dirs) == 0 && len(h.Scopes) == 0
}

// Detector tracks the hint sets of in-flight issues.
type Detector struct {
	fileRe *regexp.Regexp

	mu     sync.Mutex
	active map[string]Hints
}

// NewDetector creates a detector whose file extraction accepts the
// given extension whitelist (with or without leading dots).
func NewDetector(extensions []string) *Detector {
	return &Detector{
		fileRe: buildFileRe(extensions),
		active: make(map[string]Hints),
	}
}

// buildFileRe compiles the path matcher. Paths must contain at least
// one directory segment; a bare "main.go" in prose is too weak a
// signal to defer an issue over.
func buildFileRe(extensions []string) *regexp.Regexp {
	exts := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext != "" {
			exts = append(exts, regexp.QuoteMeta(ext))
		}
	}
	if len(exts) == 0 {
		exts = []string{"go", "md"}
	}
	return regexp.MustCompile(`\b((?:[\w\-.]+/)+[\w\-.]+\.(?:` + strings.Join(exts, "|") + `))\b`)
}

// ExtractHints builds the hint set for an issue from its body and its
// declared scope tags. Unreadable bodies yield empty hints.
func (d *Detector) ExtractHints(issue *issues.Issue) Hints {
	h := Hints{
		Files:  make(map[string]bool),
		Dirs:   make(map[string]bool),
		Scopes: make(map[string]bool),
	}

	if content, err := os.ReadFile(issue.Path); err == nil {
		text := string(content)
		for _, m := range d.fileRe.FindAllStringSubmatch(text, -1) {
			path := m[1]
			h.Files[path] = true
			if i := strings.LastIndex(path, "/"); i > 0 {
				h.Dirs[path[:i]] = true
			}
		}
		for _, m := range dirOnlyRe.FindAllStringSubmatch(text, -1) {
			if dir := strings.TrimRight(m[1], "/"); dir != "" {
				h.Dirs[dir] = true
			}
		}
	}

	for _, key := range []string{"scope", "scopes"} {
		raw, ok := issue.Meta[key]
		if !ok {
			continue
		}
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" {
				h.Scopes[tag] = true
			}
		}
	}
	return h
}

// Register adds an issue's hints to the in-flight set.
func (d *Detector) Register(issue *issues.Issue) {
	h := d.ExtractHints(issue)
	d.mu.Lock()
	d.active[issue.ID] = h
	d.mu.Unlock()
}

// Unregister drops an issue from the in-flight set.
func (d *Detector) Unregister(id string) {
	d.mu.Lock()
	delete(d.active, id)
	d.mu.Unlock()
}

// Active returns the number of registered issues.
func (d *Detector) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Check returns the sorted ids of registered issues whose hints
// overlap the candidate's. The candidate's own id is skipped.
func (d *Detector) Check(issue *issues.Issue) []string {
	h := d.ExtractHints(issue)
	if h.Empty() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var ids []string
	for id, other := range d.active {
		if id == issue.ID {
			continue
		}
		if hintsOverlap(h, other) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// hintsOverlap reports whether two hint sets share a file, a scope
// tag, or a directory under ancestor containment.
func hintsOverlap(a, b Hints) bool {
	for f := range a.Files {
		if b.Files[f] {
			return true
		}
	}
	for s := range a.Scopes {
		if b.Scopes[s] {
			return true
		}
	}
	for da := range a.Dirs {
		for db := range b.Dirs {
			if dirsOverlap(da, db) {
				return true
			}
		}
	}
	return false
}

// dirsOverlap is true for equal directories and for ancestor
// containment in either direction.
func dirsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
