// Package issues parses the on-disk issue tracker layout.
//
// Issues live under a category layout like
// .issues/{bugs,features,enhancements}/P<n>-<TYPE>-<num>-<slug>.md.
// The filename is authoritative for priority, type prefix, and id;
// the body contributes the title and the dependency sections.
package issues

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// IDPattern matches issue-id tokens like BUG-123 or FEAT-7.
var IDPattern = regexp.MustCompile(`[A-Z]+-\d+`)

var (
	filenameRe = regexp.MustCompile(`^P(\d+)-([A-Z]+)-(\d+)-(.+)\.md$`)
	headingRe  = regexp.MustCompile(`^##\s+(.+?)\s*$`)
	listItemRe = regexp.MustCompile(`^(?:[-*+]|\d+\.)\s+(.*)$`)
)

// Issue is an immutable record parsed from one issue file.
type Issue struct {
	Path      string
	Type      string // category directory: bugs, features, enhancements
	Priority  int    // tier 0..5, lower is more urgent
	ID        string // e.g. "BUG-123"
	Number    int
	Slug      string
	Title     string
	BlockedBy []string
	Blocks    []string
	Meta      map[string]string
}

// PriorityLabel returns the P-form priority, e.g. "P1".
func (i *Issue) PriorityLabel() string {
	return fmt.Sprintf("P%d", i.Priority)
}

// RelPath returns the issue path relative to root, or Path unchanged
// when it is not under root.
func (i *Issue) RelPath(root string) string {
	rel, err := filepath.Rel(root, i.Path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return i.Path
	}
	return rel
}

// ParseFile reads and parses a single issue file.
func ParseFile(path string) (*Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read issue: %w", err)
	}

	issue, err := ParseFilename(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	issue.Path = path
	issue.Type = filepath.Base(filepath.Dir(path))

	meta, body := splitFrontmatter(string(data))
	issue.Meta = meta

	issue.Title = parseTitle(body, issue.ID)
	if issue.Title == "" {
		issue.Title = humanizeSlug(issue.Slug)
	}

	issue.BlockedBy, issue.Blocks = parseDependencySections(body)

	return issue, nil
}

// ParseFilename parses the authoritative filename fields. The returned
// issue carries no path or body-derived fields.
func ParseFilename(name string) (*Issue, error) {
	match := filenameRe.FindStringSubmatch(name)
	if match == nil {
		return nil, fmt.Errorf("not an issue filename: %s", name)
	}

	priority, _ := strconv.Atoi(match[1])
	if priority > 5 {
		priority = 5 // unknown tiers collapse to the lowest
	}
	number, _ := strconv.Atoi(match[3])

	return &Issue{
		Priority: priority,
		ID:       match[2] + "-" + match[3],
		Number:   number,
		Slug:     match[4],
	}, nil
}

// splitFrontmatter strips a leading YAML frontmatter block, returning its
// scalar fields and the remaining body. Malformed frontmatter is skipped.
func splitFrontmatter(content string) (map[string]string, string) {
	if !strings.HasPrefix(content, "---\n") {
		return nil, content
	}

	end := strings.Index(content[4:], "\n---")
	if end == -1 {
		return nil, content
	}
	block := content[4 : 4+end]
	rest := content[4+end+4:]
	if idx := strings.Index(rest, "\n"); idx != -1 {
		rest = rest[idx+1:]
	} else {
		rest = ""
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal([]byte(block), &raw); err != nil {
		return nil, content
	}

	meta := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			meta[k] = val
		case int, int64, float64, bool:
			meta[k] = fmt.Sprintf("%v", val)
		}
	}
	return meta, rest
}

// parseTitle extracts the text after "# <ID>: " on the first matching heading.
func parseTitle(body, id string) string {
	titleRe := regexp.MustCompile(`(?m)^#\s*` + regexp.QuoteMeta(id) + `\s*:\s*(.+)$`)
	if match := titleRe.FindStringSubmatch(body); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}
	return ""
}

// parseDependencySections collects issue-id tokens from the "Blocked By"
// and "Blocks" list sections. Headings match case-insensitively; content
// inside fenced code blocks is ignored; a literal "None" item yields
// nothing. Bolded entries like "**BUG-1**: note" are accepted because
// tokens are matched anywhere in the item text.
func parseDependencySections(body string) (blockedBy, blocks []string) {
	const (
		sectionNone = iota
		sectionBlockedBy
		sectionBlocks
	)

	section := sectionNone
	inFence := false
	seen := map[string]bool{}

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}

		if match := headingRe.FindStringSubmatch(trimmed); match != nil {
			switch strings.ToLower(match[1]) {
			case "blocked by":
				section = sectionBlockedBy
			case "blocks":
				section = sectionBlocks
			default:
				section = sectionNone
			}
			seen = map[string]bool{}
			continue
		}

		if section == sectionNone {
			continue
		}
		item := listItemRe.FindStringSubmatch(trimmed)
		if item == nil {
			continue
		}
		for _, id := range IDPattern.FindAllString(item[1], -1) {
			if seen[id] {
				continue
			}
			seen[id] = true
			switch section {
			case sectionBlockedBy:
				blockedBy = append(blockedBy, id)
			case sectionBlocks:
				blocks = append(blocks, id)
			}
		}
	}

	return blockedBy, blocks
}

// humanizeSlug turns "fix-login-bug" into "Fix login bug".
func humanizeSlug(slug string) string {
	words := strings.ReplaceAll(slug, "-", " ")
	if words == "" {
		return words
	}
	return strings.ToUpper(words[:1]) + words[1:]
}

// Sort orders issues by priority tier, then id.
func Sort(list []*Issue) {
	sort.Slice(list, func(a, b int) bool {
		if list[a].Priority != list[b].Priority {
			return list[a].Priority < list[b].Priority
		}
		return list[a].ID < list[b].ID
	})
}
