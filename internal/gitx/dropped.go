package gitx

import (
	"regexp"
	"strings"
)

// DroppedCommit is one commit a rebase skipped because its changes were
// already present upstream.
type DroppedCommit struct {
	SHA     string
	Subject string
}

var droppingRe = regexp.MustCompile(`(?m)^dropping ([0-9a-f]{7,40}) (.+)$`)

// DroppedCommits extracts "dropping <sha> <subject>" lines from rebase
// output.
func DroppedCommits(output string) []DroppedCommit {
	matches := droppingRe.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil
	}
	commits := make([]DroppedCommit, 0, len(matches))
	for _, m := range matches {
		subject := strings.TrimSuffix(m[2], " -- patch contents already upstream")
		commits = append(commits, DroppedCommit{SHA: m[1], Subject: strings.TrimSpace(subject)})
	}
	return commits
}
