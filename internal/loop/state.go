package loop

import "time"

// RunStatus is the lifecycle of one loop run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Termination says why a run stopped.
type Termination string

const (
	TerminatedByTerminal      Termination = "terminal"
	TerminatedByMaxIterations Termination = "max_iterations"
	TerminatedByCancelled     Termination = "cancelled"
	TerminatedByError         Termination = "error"
)

// RunState is the snapshot persisted after every state transition.
// An interrupted run resumes from exactly these fields.
type RunState struct {
	LoopName     string    `json:"loop_name"`
	RunID        string    `json:"run_id"`
	Status       RunStatus `json:"status"`
	CurrentState string    `json:"current_state"`
	Iteration    int       `json:"iteration"`
	LastVerdict  string    `json:"last_verdict,omitempty"`
	TerminatedBy string    `json:"terminated_by,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Terminated reports whether the run reached any final status.
func (s *RunState) Terminated() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Event types, in the order the engine emits them.
const (
	EventLoopStart         = "loop_start"
	EventStateEnter        = "state_enter"
	EventActionStart       = "action_start"
	EventActionComplete    = "action_complete"
	EventEvaluate          = "evaluate"
	EventRoute             = "route"
	EventIterationComplete = "iteration_complete"
	EventLoopComplete      = "loop_complete"
	EventHandoffSpawned    = "handoff_spawned"
)

// Event is one record in the append-only JSONL event log. Unused
// fields stay absent so the log reads cleanly with jq.
type Event struct {
	Type         string    `json:"event"`
	Timestamp    time.Time `json:"ts"`
	Loop         string    `json:"loop"`
	RunID        string    `json:"run_id,omitempty"`
	Iteration    int       `json:"iteration"`
	State        string    `json:"state,omitempty"`
	Verdict      string    `json:"verdict,omitempty"`
	Next         string    `json:"next,omitempty"`
	ExitCode     int       `json:"exit_code,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	PID          int       `json:"pid,omitempty"`
	TerminatedBy string    `json:"terminated_by,omitempty"`
	Error        string    `json:"error,omitempty"`
}
