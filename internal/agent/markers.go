package agent

import (
	"bufio"
	"regexp"
	"strings"
)

// Verdict classifies an agent's conclusion about its task.
type Verdict string

const (
	VerdictReady     Verdict = "READY"
	VerdictNotReady  Verdict = "NOT_READY"
	VerdictCompleted Verdict = "COMPLETED"
	VerdictFailed    Verdict = "FAILED"
	VerdictUnknown   Verdict = ""
)

// Correction is one category-tagged adjustment the agent reported,
// e.g. [line_drift] or [file_moved].
type Correction struct {
	Category string
	Text     string
}

func (c Correction) String() string {
	return "[" + c.Category + "] " + c.Text
}

// Markers holds the structured fields extracted from agent output.
type Markers struct {
	Verdict       Verdict
	ValidatedFile string
	Corrections   []Correction
}

var (
	verdictHeadingRe   = regexp.MustCompile(`^##\s*VERDICT\b[:\s]*(\S*)\s*$`)
	validatedHeadingRe = regexp.MustCompile(`^##\s*VALIDATED_FILE\b[:\s]*(.*)$`)
	correctionsRe      = regexp.MustCompile(`^##\s*CORRECTIONS_MADE\b`)
	correctionItemRe   = regexp.MustCompile(`^(?:[-*+]\s*)?\[([A-Za-z0-9_]+)\]\s*(.+)$`)
	otherHeadingRe     = regexp.MustCompile(`^##\s`)
)

type markerSection int

const (
	sectionNone markerSection = iota
	sectionVerdict
	sectionValidated
	sectionCorrections
)

// ParseMarkers scans agent output for the structured sections. Values
// may follow the heading inline or on the next non-empty line. When a
// marker appears more than once the last occurrence wins.
func ParseMarkers(output string) *Markers {
	m := &Markers{}
	section := sectionNone

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if match := verdictHeadingRe.FindStringSubmatch(line); match != nil {
			if match[1] != "" {
				m.Verdict = normalizeVerdict(match[1])
				section = sectionNone
			} else {
				section = sectionVerdict
			}
			continue
		}
		if match := validatedHeadingRe.FindStringSubmatch(line); match != nil {
			if value := cleanPath(match[1]); value != "" {
				m.ValidatedFile = value
				section = sectionNone
			} else {
				section = sectionValidated
			}
			continue
		}
		if correctionsRe.MatchString(line) {
			section = sectionCorrections
			continue
		}
		if otherHeadingRe.MatchString(line) {
			section = sectionNone
			continue
		}

		if line == "" {
			continue
		}

		switch section {
		case sectionVerdict:
			m.Verdict = normalizeVerdict(strings.Fields(line)[0])
			section = sectionNone
		case sectionValidated:
			m.ValidatedFile = cleanPath(line)
			section = sectionNone
		case sectionCorrections:
			if match := correctionItemRe.FindStringSubmatch(line); match != nil {
				m.Corrections = append(m.Corrections, Correction{
					Category: match[1],
					Text:     strings.TrimSpace(match[2]),
				})
			} else {
				section = sectionNone
			}
		}
	}

	return m
}

func normalizeVerdict(raw string) Verdict {
	switch Verdict(strings.ToUpper(raw)) {
	case VerdictReady:
		return VerdictReady
	case VerdictNotReady:
		return VerdictNotReady
	case VerdictCompleted:
		return VerdictCompleted
	case VerdictFailed:
		return VerdictFailed
	}
	return VerdictUnknown
}

func cleanPath(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), "`\"'")
}
