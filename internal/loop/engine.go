package loop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/llp/internal/logging"
)

// HandoffFunc launches a detached continuation process for a handoff
// prompt and returns its pid. The engine emits the pid and forgets the
// child; it is never tracked or waited on.
type HandoffFunc func(prompt string) (int, error)

// Engine steps one compiled loop to termination. Every event goes
// through the recorder; every state transition snapshots the run
// state, so a killed engine resumes where the last snapshot left it.
type Engine struct {
	def   *Definition
	table *Table
	exec  ActionExecutor
	rec   *Recorder
	spawn HandoffFunc
	log   *slog.Logger
}

// NewEngine wires a compiled table to an action executor and recorder.
// spawn may be nil for loops without handoff routes.
func NewEngine(def *Definition, table *Table, exec ActionExecutor, rec *Recorder, spawn HandoffFunc) *Engine {
	return &Engine{
		def:   def,
		table: table,
		exec:  exec,
		rec:   rec,
		spawn: spawn,
		log:   logging.WithLoop(def.Name),
	}
}

// Run starts a fresh run at the table's initial state.
func (e *Engine) Run(ctx context.Context) (*RunState, error) {
	st := &RunState{
		LoopName:     e.def.Name,
		RunID:        uuid.NewString(),
		Status:       StatusPending,
		CurrentState: e.table.Initial,
		StartedAt:    time.Now(),
	}
	return e.run(ctx, st)
}

// Resume continues an interrupted run from its persisted snapshot,
// preserving the current state and iteration count.
func (e *Engine) Resume(ctx context.Context, prior *RunState) (*RunState, error) {
	if prior.Terminated() {
		return nil, fmt.Errorf("loop %q already terminated with status %s", prior.LoopName, prior.Status)
	}
	st := *prior
	if st.CurrentState == "" {
		st.CurrentState = e.table.Initial
	}
	if st.RunID == "" {
		st.RunID = uuid.NewString()
	}
	e.log.Info("Resuming loop",
		slog.String("state", st.CurrentState),
		slog.Int("iteration", st.Iteration),
	)
	return e.run(ctx, &st)
}

func (e *Engine) run(ctx context.Context, st *RunState) (*RunState, error) {
	st.Status = StatusRunning
	e.emit(st, Event{Type: EventLoopStart, State: st.CurrentState})
	e.snapshot(st)

	maxIterations := e.def.MaxIterationsOrDefault()
	for {
		if ctx.Err() != nil {
			return e.finish(st, TerminatedByCancelled), nil
		}

		cs := e.table.States[st.CurrentState]
		if cs == nil {
			return nil, fmt.Errorf("loop %q: unknown state %q", e.def.Name, st.CurrentState)
		}
		if cs.Terminal {
			return e.finish(st, TerminatedByTerminal), nil
		}
		if st.Iteration >= maxIterations {
			e.log.Warn("Iteration limit reached", slog.Int("max_iterations", maxIterations))
			return e.finish(st, TerminatedByMaxIterations), nil
		}

		e.emit(st, Event{Type: EventStateEnter, State: cs.Name})

		e.emit(st, Event{Type: EventActionStart, State: cs.Name})
		res := e.exec.Execute(ctx, Action{Text: cs.Action, Type: cs.ActionType, Timeout: cs.Timeout})
		complete := Event{
			Type:       EventActionComplete,
			State:      cs.Name,
			ExitCode:   res.ExitCode,
			DurationMS: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			complete.Error = res.Err.Error()
		}
		e.emit(st, complete)

		verdict := VerdictError
		if res.Err == nil {
			verdict = cs.Evaluator.Evaluate(ctx, res)
		}
		st.LastVerdict = string(verdict)
		e.emit(st, Event{Type: EventEvaluate, State: cs.Name, Verdict: string(verdict)})

		if prompt, ok := cs.Handoffs[verdict]; ok && prompt != "" {
			e.handoff(st, cs.Name, prompt)
		}

		next, ok := cs.Routes[verdict]
		if !ok {
			next = cs.Default
		}
		if next == "" {
			e.log.Error("No route for verdict",
				slog.String("state", cs.Name),
				slog.String("verdict", string(verdict)),
			)
			return e.finish(st, TerminatedByError), nil
		}
		e.emit(st, Event{Type: EventRoute, State: cs.Name, Verdict: string(verdict), Next: next})

		st.CurrentState = next
		st.Iteration++
		e.snapshot(st)
		e.emit(st, Event{Type: EventIterationComplete})
	}
}

func (e *Engine) handoff(st *RunState, state, prompt string) {
	if e.spawn == nil {
		e.log.Warn("Handoff declared but no spawner configured", slog.String("state", state))
		return
	}
	pid, err := e.spawn(prompt)
	if err != nil {
		e.log.Warn("Failed to spawn handoff",
			slog.String("state", state),
			slog.String("error", err.Error()),
		)
		return
	}
	e.emit(st, Event{Type: EventHandoffSpawned, State: state, PID: pid})
}

func (e *Engine) finish(st *RunState, by Termination) *RunState {
	st.TerminatedBy = string(by)
	switch by {
	case TerminatedByTerminal:
		st.Status = StatusCompleted
		if cs := e.table.States[st.CurrentState]; cs != nil && cs.Failure {
			st.Status = StatusFailed
		}
	case TerminatedByCancelled:
		st.Status = StatusCancelled
	default:
		st.Status = StatusFailed
	}

	e.emit(st, Event{
		Type:         EventLoopComplete,
		State:        st.CurrentState,
		Verdict:      st.LastVerdict,
		TerminatedBy: st.TerminatedBy,
	})
	e.snapshot(st)

	e.log.Info("Loop finished",
		slog.String("status", string(st.Status)),
		slog.String("terminated_by", st.TerminatedBy),
		slog.Int("iterations", st.Iteration),
	)
	return st
}

// emit appends one event, stamping the shared fields. Persistence
// failures degrade to log warnings; the run itself keeps going.
func (e *Engine) emit(st *RunState, ev Event) {
	ev.Timestamp = time.Now()
	ev.Loop = st.LoopName
	ev.RunID = st.RunID
	ev.Iteration = st.Iteration
	if err := e.rec.Append(ev); err != nil {
		e.log.Warn("Failed to record event",
			slog.String("event", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) snapshot(st *RunState) {
	if err := e.rec.Snapshot(st); err != nil {
		e.log.Warn("Failed to write run state", slog.String("error", err.Error()))
	}
}
