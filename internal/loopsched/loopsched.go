// Package loopsched fires configured loops on cron schedules. A firing
// is skipped, not queued, when the loop's scope is already held; the
// next cron slot tries again.
package loopsched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/llp/internal/config"
	"github.com/alekspetrov/llp/internal/logging"
	"github.com/alekspetrov/llp/internal/loop"
	"github.com/alekspetrov/llp/internal/scopelock"
)

// RunFunc executes one loop run when its schedule fires.
type RunFunc func(ctx context.Context, name string) error

// Entry describes one scheduled loop.
type Entry struct {
	Loop    string
	Cron    string
	NextRun time.Time
	LastRun time.Time
}

// Scheduler owns the cron table built from loops.schedules config.
type Scheduler struct {
	loopsDir  string
	schedules []*config.ScheduleConfig
	locks     *scopelock.Manager
	run       RunFunc

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	entries map[cron.EntryID]*config.ScheduleConfig
	log     *slog.Logger
}

// New creates a scheduler over the configured schedule table.
func New(cfg *config.LoopsConfig, locks *scopelock.Manager, run RunFunc) *Scheduler {
	return &Scheduler{
		loopsDir:  cfg.Dir,
		schedules: cfg.Schedules,
		locks:     locks,
		run:       run,
		cron:      cron.New(),
		entries:   make(map[cron.EntryID]*config.ScheduleConfig),
		log:       logging.WithComponent("loopsched"),
	}
}

// Start registers every schedule and starts the cron runner. An
// invalid cron expression fails the whole start rather than silently
// dropping the entry.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if len(s.schedules) == 0 {
		return fmt.Errorf("no loop schedules configured")
	}

	for _, sched := range s.schedules {
		id, err := s.cron.AddFunc(sched.Cron, func() {
			s.fire(ctx, sched.Loop)
		})
		if err != nil {
			return fmt.Errorf("invalid cron %q for loop %s: %w", sched.Cron, sched.Loop, err)
		}
		s.entries[id] = sched
	}

	s.cron.Start()
	s.running = true

	for id, sched := range s.entries {
		s.log.Info("Loop scheduled",
			slog.String("loop", sched.Loop),
			slog.String("cron", sched.Cron),
			slog.Time("next_run", s.cron.Entry(id).Next),
		)
	}
	return nil
}

// Stop halts the cron runner and waits for an in-flight firing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info("Loop scheduler stopped")
}

// Entries returns the schedule table with next and last run times.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for id, sched := range s.entries {
		e := Entry{Loop: sched.Loop, Cron: sched.Cron}
		if s.running {
			ce := s.cron.Entry(id)
			e.NextRun = ce.Next
			e.LastRun = ce.Prev
		}
		out = append(out, e)
	}
	return out
}

// fire runs one scheduled loop unless its scope is held.
func (s *Scheduler) fire(ctx context.Context, name string) {
	def, err := loop.Find(s.loopsDir, name)
	if err != nil {
		s.log.Error("Scheduled loop not loadable",
			slog.String("loop", name),
			slog.String("error", err.Error()),
		)
		return
	}

	if conflict, err := s.locks.FindConflict(def.Scope); err != nil {
		s.log.Error("Scope check failed",
			slog.String("loop", name),
			slog.String("error", err.Error()),
		)
		return
	} else if conflict != nil {
		s.log.Info("Skipping scheduled firing, scope held",
			slog.String("loop", name),
			slog.String("holder", conflict.LoopName),
			slog.Int("holder_pid", conflict.PID),
		)
		return
	}

	s.log.Info("Firing scheduled loop", slog.String("loop", name))
	if err := s.run(ctx, name); err != nil {
		s.log.Error("Scheduled loop run failed",
			slog.String("loop", name),
			slog.String("error", err.Error()),
		)
	}
}
