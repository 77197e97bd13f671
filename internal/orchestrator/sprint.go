package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alekspetrov/llp/internal/issues"
)

// RunSprint processes dependency waves sequentially. Each wave is a
// contained Run; the next wave starts only once every issue of the
// prior wave is in the completed set. A wave that finishes with
// unmerged issues halts the sprint, since later waves were planned on
// top of them.
func (o *Orchestrator) RunSprint(ctx context.Context, waves [][]*issues.Issue) error {
	defer func() {
		o.waveLabel = ""
	}()

	for n, wave := range waves {
		o.waveLabel = fmt.Sprintf("wave %d/%d", n+1, len(waves))
		ids := make([]string, len(wave))
		for i, issue := range wave {
			ids[i] = issue.ID
		}
		o.log.Info("Starting wave",
			slog.String("wave", o.waveLabel),
			slog.String("issues", strings.Join(ids, ", ")),
		)

		o.Enqueue(wave)
		if err := o.Run(ctx); err != nil {
			return err
		}

		completed := o.state.CompletedSet()
		var unfinished []string
		for _, id := range ids {
			if !completed[id] {
				unfinished = append(unfinished, id)
			}
		}
		if len(unfinished) > 0 {
			return fmt.Errorf("wave %d incomplete, halting sprint: %s",
				n+1, strings.Join(unfinished, ", "))
		}
	}
	return nil
}
