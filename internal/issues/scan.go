package issues

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alekspetrov/llp/internal/logging"
)

// LoadCategory parses every issue file in one category directory,
// sorted by priority then id. A missing directory yields no issues.
func LoadCategory(root, category string) ([]*Issue, error) {
	dir := filepath.Join(root, category)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read issue directory: %w", err)
	}

	log := logging.WithComponent("issues")

	var list []*Issue
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		issue, err := ParseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warn("Skipping unparseable issue file",
				slog.String("file", entry.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		list = append(list, issue)
	}

	Sort(list)
	return list, nil
}

// LoadActive parses all issues across the given categories.
func LoadActive(root string, categories []string) ([]*Issue, error) {
	var all []*Issue
	for _, category := range categories {
		list, err := LoadCategory(root, category)
		if err != nil {
			return nil, err
		}
		all = append(all, list...)
	}
	Sort(all)
	return all, nil
}

// CompletedIDs returns the ids of issues in the completed directory,
// derived from filenames alone. A missing directory yields an empty set.
func CompletedIDs(root, completedDir string) (map[string]bool, error) {
	dir := filepath.Join(root, completedDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("failed to read completed directory: %w", err)
	}

	ids := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		issue, err := ParseFilename(entry.Name())
		if err != nil {
			continue
		}
		ids[issue.ID] = true
	}
	return ids, nil
}

// MoveToCompleted relocates an issue file into the completed
// directory, creating it as needed. A missing source is not an error:
// another process may have moved the issue already.
func MoveToCompleted(issue *Issue, root, completedDir string) (string, error) {
	dir := filepath.Join(root, completedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create completed directory: %w", err)
	}
	dest := filepath.Join(dir, filepath.Base(issue.Path))
	if err := os.Rename(issue.Path, dest); err != nil {
		if os.IsNotExist(err) {
			return dest, nil
		}
		return "", fmt.Errorf("failed to move issue to completed: %w", err)
	}
	return dest, nil
}

// NextIssueNumber scans every category and the completed directory and
// returns max(existing numbers)+1. Numbers are globally unique across
// types, so a BUG and a FEAT never share a numeric suffix. Returns 1
// when no issue files exist.
func NextIssueNumber(root string, categories []string, completedDir string) (int, error) {
	dirs := make([]string, 0, len(categories)+1)
	for _, category := range categories {
		dirs = append(dirs, filepath.Join(root, category))
	}
	dirs = append(dirs, filepath.Join(root, completedDir))

	max := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("failed to scan %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			issue, err := ParseFilename(entry.Name())
			if err != nil {
				continue
			}
			if issue.Number > max {
				max = issue.Number
			}
		}
	}

	return max + 1, nil
}
