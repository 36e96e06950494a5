// Package types defines the core domain types shared across the engine:
// procedure identity, the procedure state machine, executable script
// variants, captured arguments, and procedure history/summaries.
package types

import "time"

// ProcedureID identifies a single prepared script execution. IDs are
// assigned by ProcessManager.Create and are never reused.
type ProcedureID int64

// ProcedureState is a node in the procedure lifecycle state machine.
type ProcedureState string

const (
	StateCreating ProcedureState = "CREATING"
	StateLoading  ProcedureState = "LOADING"
	StateIdle     ProcedureState = "IDLE"
	StateReady    ProcedureState = "READY"
	StateRunning  ProcedureState = "RUNNING"
	StateComplete ProcedureState = "COMPLETE"
	StateFailed   ProcedureState = "FAILED"
	StateStopped  ProcedureState = "STOPPED"
	StateUnknown  ProcedureState = "UNKNOWN"
)

// terminalStates are states from which no further transition is possible
// except into UNKNOWN (which is itself terminal and absorbing).
var terminalStates = map[ProcedureState]bool{
	StateComplete: true,
	StateFailed:   true,
	StateStopped:  true,
	StateUnknown:  true,
}

// IsTerminal reports whether s is a terminal (sink) state.
func (s ProcedureState) IsTerminal() bool {
	return terminalStates[s]
}

// DeletableStates are the states a procedure must be in for history
// eviction to remove its record (HISTORY_MAX eviction, spec §4.4).
var DeletableStates = map[ProcedureState]bool{
	StateComplete: true,
	StateFailed:   true,
	StateStopped:  true,
	StateUnknown:  true,
}

// validTransitions enumerates the allowed edges of the procedure lifecycle
// state machine. UNKNOWN is reachable from every non-terminal state (it is
// the sink for "the engine lost track of this procedure") but is not
// included as an explicit source here since nothing transitions out of it.
var validTransitions = map[ProcedureState]map[ProcedureState]bool{
	StateCreating: {StateLoading: true, StateStopped: true, StateUnknown: true},
	StateLoading:  {StateIdle: true, StateFailed: true, StateStopped: true, StateUnknown: true},
	StateIdle:     {StateReady: true, StateFailed: true, StateStopped: true, StateUnknown: true},
	StateReady:    {StateRunning: true, StateFailed: true, StateStopped: true, StateUnknown: true},
	StateRunning:  {StateComplete: true, StateFailed: true, StateStopped: true, StateUnknown: true},
}

// CanTransition reports whether moving from s to next is a legal edge of
// the procedure lifecycle state machine.
func CanTransition(s, next ProcedureState) bool {
	if s.IsTerminal() {
		return false
	}
	edges, ok := validTransitions[s]
	if !ok {
		return false
	}
	return edges[next]
}

// StateTransition records one edge taken by a procedure, with the instant
// it occurred.
type StateTransition struct {
	State ProcedureState `json:"state"`
	At    time.Time      `json:"at"`
}

// ProcedureHistory accumulates every state transition a procedure has made
// plus, if it failed, the captured stack trace.
type ProcedureHistory struct {
	ProcessStates []StateTransition `json:"process_states"`
	Stacktrace    *string           `json:"stacktrace,omitempty"`
}

// Append records a new transition. Callers must hold whatever lock
// guards the owning ProcedureRecord.
func (h *ProcedureHistory) Append(state ProcedureState, at time.Time) {
	h.ProcessStates = append(h.ProcessStates, StateTransition{State: state, At: at})
}

// Clone returns a deep copy safe to hand to callers outside the lock that
// protects the original.
func (h ProcedureHistory) Clone() ProcedureHistory {
	out := ProcedureHistory{ProcessStates: make([]StateTransition, len(h.ProcessStates))}
	copy(out.ProcessStates, h.ProcessStates)
	if h.Stacktrace != nil {
		st := *h.Stacktrace
		out.Stacktrace = &st
	}
	return out
}

// ArgCapture records one call made into a procedure's script (init or a
// later run), for audit and for two-phase-abort subarray ID extraction.
type ArgCapture struct {
	Fn    string          `json:"fn"`
	Args  ProcedureInput  `json:"args"`
	Stamp time.Time       `json:"time"`
}

// ProcedureRecord is the engine's internal, mutable view of one prepared
// procedure. ProcessManager and ScriptExecutionService own this; callers
// outside the engine only ever see ProcedureSummary value copies.
type ProcedureRecord struct {
	ID      ProcedureID
	Script  ExecutableScript
	State   ProcedureState
	History ProcedureHistory
	Args    []ArgCapture
}

// Summarise builds the value-copy snapshot handed out across the
// RequestBridge/REST boundary. Per spec invariant, this is always a copy,
// never a shared reference into engine state.
func (r *ProcedureRecord) Summarise() ProcedureSummary {
	args := make([]ArgCapture, len(r.Args))
	copy(args, r.Args)
	return ProcedureSummary{
		ID:      r.ID,
		Script:  r.Script,
		State:   r.State,
		History: r.History.Clone(),
		Args:    args,
	}
}

// ProcedureSummary is the immutable, externally visible snapshot of a
// procedure at a point in time.
type ProcedureSummary struct {
	ID      ProcedureID      `json:"id"`
	Script  ExecutableScript `json:"script"`
	State   ProcedureState   `json:"state"`
	History ProcedureHistory `json:"history"`
	Args    []ArgCapture     `json:"args"`
}
