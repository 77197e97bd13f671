package worker

import (
	"time"

	"github.com/alekspetrov/llp/internal/agent"
	"github.com/alekspetrov/llp/internal/issues"
)

// stderrDigestLimit bounds how much agent stderr a result carries.
const stderrDigestLimit = 500

// Result is what a finished pipeline hands to the completion callback.
// Success means the branch is ready for the merge coordinator; the
// worker never merges it.
type Result struct {
	Issue        *issues.Issue
	Branch       string
	WorktreePath string
	Success      bool
	Interrupted  bool
	ChangedFiles []string
	StderrDigest string
	StageAtExit  Stage
	ResolvedPath string
	ViaFallback  bool
	Corrections  []agent.Correction
	Err          error
	StartedAt    time.Time
	Duration     time.Duration
}

// FinalStage maps the result to the stage recorded by the completion
// callback.
func (r *Result) FinalStage() Stage {
	switch {
	case r.Success:
		return StageCompleted
	case r.Interrupted:
		return StageInterrupted
	default:
		return StageFailed
	}
}

func digest(s string) string {
	if len(s) <= stderrDigestLimit {
		return s
	}
	return s[len(s)-stderrDigestLimit:]
}
