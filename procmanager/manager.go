// Package procmanager implements ProcessManager: creation, startup,
// cooperative/forced stop, and state-machine bookkeeping for every
// prepared procedure's child script-worker process. It is the
// authoritative owner of procedure state — ScriptExecutionService is a
// thin orchestration layer over this package, not a second store of
// truth (the original engine kept a parallel states/history/script_args
// dict set in ScriptExecutionService; collapsing that into
// ProcessManager's own ProcedureRecord avoids two copies of the same
// bookkeeping drifting apart).
package procmanager

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ska-telescope/ska-oso-oet-go/environment"
	"github.com/ska-telescope/ska-oso-oet-go/errs"
	"github.com/ska-telescope/ska-oso-oet-go/ipc"
	"github.com/ska-telescope/ska-oso-oet-go/oetlog"
	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// HistoryMax bounds how many procedure records the manager keeps at
// once; the oldest deletable (terminal) records are evicted once the
// count exceeds it. Mirrors the original engine's HISTORY_MAX_LENGTH.
const HistoryMax = 10

// StopGracePeriod bounds how long Stop waits for a child to exit
// cooperatively before it is force-killed.
const StopGracePeriod = 3 * time.Second

// StateCallback is invoked on every accepted state transition.
type StateCallback func(id types.ProcedureID, previous, current types.ProcedureState, at time.Time)

// StacktraceCallback is invoked whenever a procedure's child reports a
// captured stack trace.
type StacktraceCallback func(id types.ProcedureID, stacktrace string)

type procedureState struct {
	mu     sync.Mutex
	record *types.ProcedureRecord
	child  *childProcess
}

// Manager is ProcessManager: it owns every procedure's lifecycle.
type Manager struct {
	mu         sync.Mutex
	procedures map[types.ProcedureID]*procedureState
	order      []types.ProcedureID
	nextID     int64

	workerPath string
	env        *environment.Manager
	logger     *oetlog.Logger

	onTransition []StateCallback
	onStacktrace []StacktraceCallback
}

// NewManager creates a ProcessManager that spawns workerPath (the
// oet-scriptworker binary, or any binary speaking the same protocol) for
// each procedure. env prepares the sandbox for git-sourced scripts; it
// may be nil if the engine is configured never to accept git-sourced
// scripts, in which case a git-sourced Create spawns successfully but
// its child transitions straight to UNKNOWN once resolveScriptSource
// rejects it.
func NewManager(workerPath string, env *environment.Manager, logger *oetlog.Logger) *Manager {
	return &Manager{
		procedures: make(map[types.ProcedureID]*procedureState),
		workerPath: workerPath,
		env:        env,
		logger:     logger.With(map[string]any{"component": "process_manager"}),
	}
}

// OnTransition registers a callback invoked after every accepted state
// transition, in registration order.
func (m *Manager) OnTransition(cb StateCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = append(m.onTransition, cb)
}

// OnStacktrace registers a callback invoked whenever a stack trace is
// captured for a procedure.
func (m *Manager) OnStacktrace(cb StacktraceCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStacktrace = append(m.onStacktrace, cb)
}

// Create allocates a new procedure in CREATING state and asynchronously
// spawns its child process. The returned ID is valid immediately; the
// child's own progress (LOADING/IDLE/READY) arrives later via the
// registered StateCallbacks.
func (m *Manager) Create(script types.ExecutableScript, initArgs types.ProcedureInput) (types.ProcedureID, error) {
	if !script.IsSupported() {
		return 0, errs.New(errs.UnsupportedScriptType, fmt.Sprintf("script type %q is not supported", script.Type))
	}

	m.mu.Lock()
	m.nextID++
	id := types.ProcedureID(m.nextID)
	record := &types.ProcedureRecord{ID: id, Script: script, State: types.StateCreating}
	record.History.Append(types.StateCreating, time.Now())
	record.Args = append(record.Args, types.ArgCapture{Fn: "init", Args: initArgs, Stamp: time.Now()})
	m.procedures[id] = &procedureState{record: record}
	m.order = append(m.order, id)
	m.pruneLocked()
	m.mu.Unlock()

	go m.spawn(id, initArgs)
	return id, nil
}

// Run sends a call to the named function on the procedure's script. The
// procedure must be READY; RUNNING and every terminal state are always a
// conflict, and forceStart relaxes neither guard (see SPEC_FULL.md §4
// Open Question 1).
func (m *Manager) Run(id types.ProcedureID, fnName string, runArgs types.ProcedureInput, forceStart bool) (types.ProcedureSummary, error) {
	st, err := m.get(id)
	if err != nil {
		return types.ProcedureSummary{}, err
	}

	st.mu.Lock()
	state := st.record.State
	switch {
	case state.IsTerminal():
		st.mu.Unlock()
		return types.ProcedureSummary{}, errs.New(errs.StateConflict, fmt.Sprintf("procedure %d is already terminal (%s)", id, state))
	case state == types.StateRunning:
		st.mu.Unlock()
		return types.ProcedureSummary{}, errs.New(errs.StateConflict, fmt.Sprintf("procedure %d is already running", id))
	case state != types.StateReady:
		st.mu.Unlock()
		return types.ProcedureSummary{}, errs.New(errs.StateConflict, fmt.Sprintf("procedure %d is not ready to start (state %s)", id, state))
	}
	child := st.child
	st.record.Args = append(st.record.Args, types.ArgCapture{Fn: fnName, Args: runArgs, Stamp: time.Now()})
	summary := st.record.Summarise()
	st.mu.Unlock()

	if child == nil {
		return types.ProcedureSummary{}, errs.New(errs.StartupFailure, fmt.Sprintf("procedure %d has no running child process", id))
	}
	if err := ipc.WriteFrame(child.stdin, ipc.CallFrame{Type: ipc.CallType, FnName: fnName, RunArgs: runArgs}); err != nil {
		return types.ProcedureSummary{}, errs.Wrap(errs.StartupFailure, "writing call frame", err)
	}
	return summary, nil
}

// Stop asks a procedure's child process to stop. It is idempotent on an
// already-terminal procedure (returns its current summary unchanged, no
// state change, no error) per spec's testable properties; otherwise it
// records STOPPED and then requests cooperative shutdown, force-killing
// after StopGracePeriod.
func (m *Manager) Stop(id types.ProcedureID) (types.ProcedureSummary, error) {
	st, err := m.get(id)
	if err != nil {
		return types.ProcedureSummary{}, err
	}

	st.mu.Lock()
	if st.record.State.IsTerminal() {
		summary := st.record.Summarise()
		st.mu.Unlock()
		return summary, nil
	}
	child := st.child
	st.mu.Unlock()

	m.transition(id, types.StateStopped)
	if child != nil {
		child.requestStop(StopGracePeriod)
	}

	st.mu.Lock()
	summary := st.record.Summarise()
	st.mu.Unlock()
	return summary, nil
}

// Summarise returns value-copy snapshots for the given ids, or every
// known procedure (in creation order) when ids is empty.
func (m *Manager) Summarise(ids []types.ProcedureID) ([]types.ProcedureSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(ids) == 0 {
		keys := make([]types.ProcedureID, 0, len(m.procedures))
		for id := range m.procedures {
			keys = append(keys, id)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		out := make([]types.ProcedureSummary, 0, len(keys))
		for _, id := range keys {
			st := m.procedures[id]
			st.mu.Lock()
			out = append(out, st.record.Summarise())
			st.mu.Unlock()
		}
		return out, nil
	}

	out := make([]types.ProcedureSummary, 0, len(ids))
	for _, id := range ids {
		st, ok := m.procedures[id]
		if !ok {
			return nil, errs.New(errs.ResourceNotFound, fmt.Sprintf("no procedure with id %d", id))
		}
		st.mu.Lock()
		out = append(out, st.record.Summarise())
		st.mu.Unlock()
	}
	return out, nil
}

// Shutdown force-stops every non-terminal procedure's child process.
// Used when the engine itself is shutting down.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]types.ProcedureID, 0, len(m.procedures))
	for id := range m.procedures {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_, _ = m.Stop(id)
	}
}

func (m *Manager) get(id types.ProcedureID) (*procedureState, error) {
	m.mu.Lock()
	st, ok := m.procedures[id]
	m.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.ResourceNotFound, fmt.Sprintf("no procedure with id %d", id))
	}
	return st, nil
}

// pruneLocked evicts the oldest deletable (terminal) records once the
// procedure count exceeds HistoryMax. Callers must hold m.mu. Mirrors
// the original engine's eviction rule exactly: only the oldest
// (len(order)-HistoryMax) records are even considered, and only those
// that are currently in a deletable state are actually removed — a
// still-running old procedure is left in place and the total can
// temporarily exceed HistoryMax.
func (m *Manager) pruneLocked() {
	if len(m.order) <= HistoryMax {
		return
	}
	lowerBound := len(m.order) - HistoryMax
	newOrder := make([]types.ProcedureID, 0, len(m.order))
	for i, id := range m.order {
		if i < lowerBound {
			st := m.procedures[id]
			st.mu.Lock()
			deletable := types.DeletableStates[st.record.State]
			st.mu.Unlock()
			if deletable {
				delete(m.procedures, id)
				continue
			}
		}
		newOrder = append(newOrder, id)
	}
	m.order = newOrder
}

// resolveScriptSource turns an ExecutableScript into the on-disk
// file:// URI the child should load and, for a git-sourced script with
// CreateEnv set, the sandbox's import search path the child should add
// to its own. A git-sourced script is always cloned first (that is the
// only way to obtain its bytes at all, per spec.md §4.7); whether the
// resulting sandbox becomes the script's import search path is gated by
// CreateEnv, per spec.md §4.1's "for createEnv=true, the ScriptWorker
// starts using that sandbox's import search path" — createEnv=false
// still needs the clone but runs without swapping the import path.
func (m *Manager) resolveScriptSource(script types.ExecutableScript) (scriptURI, sitePackages string, err error) {
	if script.Type != types.ScriptTypeGit {
		return script.URI, "", nil
	}
	if m.env == nil {
		return "", "", errs.New(errs.EnvPreparationFailure, "git-sourced scripts are not supported: no environment manager configured")
	}

	record, err := m.env.Prepare(context.Background(), *script.Git)
	if err != nil {
		return "", "", err
	}

	scriptURI = "file://" + filepath.Join(record.Location, script.URI)
	if script.Git.CreateEnv {
		sitePackages = record.SitePackages
	}
	return scriptURI, sitePackages, nil
}

// spawn resolves the script's source (preparing a sandbox first for a
// git-sourced script), starts the child process, sends its InitFrame,
// and runs the frame-reading loop until the child exits.
func (m *Manager) spawn(id types.ProcedureID, initArgs types.ProcedureInput) {
	st, err := m.get(id)
	if err != nil {
		return
	}

	st.mu.Lock()
	script := st.record.Script
	st.mu.Unlock()

	scriptURI, sitePackages, err := m.resolveScriptSource(script)
	if err != nil {
		m.logger.Error("resolving script source", map[string]any{"id": id, "error": err.Error()})
		m.transition(id, types.StateUnknown)
		return
	}

	cmd := exec.Command(m.workerPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		m.logger.Error("creating stdin pipe", map[string]any{"id": id, "error": err.Error()})
		m.transition(id, types.StateUnknown)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.logger.Error("creating stdout pipe", map[string]any{"id": id, "error": err.Error()})
		m.transition(id, types.StateUnknown)
		return
	}
	if err := cmd.Start(); err != nil {
		m.logger.Error("starting script worker", map[string]any{"id": id, "error": err.Error()})
		m.transition(id, types.StateUnknown)
		return
	}

	child := &childProcess{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	st.mu.Lock()
	st.child = child
	st.mu.Unlock()

	if err := ipc.WriteFrame(stdin, ipc.InitFrame{
		Type:         ipc.InitType,
		ProcID:       int64(id),
		ScriptURI:    scriptURI,
		SitePackages: sitePackages,
		InitArgs:     initArgs,
	}); err != nil {
		m.logger.Error("writing init frame", map[string]any{"id": id, "error": err.Error()})
		m.transition(id, types.StateUnknown)
		_ = cmd.Process.Kill()
	}

	m.readLoop(id, stdout)
	_ = cmd.Wait()
	close(child.done)
	m.finalizeIfNotTerminal(id)
}

func (m *Manager) readLoop(id types.ProcedureID, stdout io.Reader) {
	dec := ipc.NewFrameDecoder(stdout)
	for {
		payload, err := dec.ReadFrame()
		if err != nil {
			return
		}
		frame, err := ipc.DecodeFrame(payload)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", map[string]any{"id": id, "error": err.Error()})
			continue
		}
		switch f := frame.(type) {
		case ipc.LifecycleFrame:
			m.transition(id, types.ProcedureState(f.State))
		case ipc.StacktraceFrame:
			m.recordStacktrace(id, f.Stacktrace)
		case ipc.ResultFrame:
			// Lifecycle frames already carry COMPLETE/FAILED; the
			// result frame's error text is folded into the stack
			// trace the child sends alongside it, so there is
			// nothing further to apply here.
		}
	}
}

func (m *Manager) transition(id types.ProcedureID, next types.ProcedureState) {
	st, err := m.get(id)
	if err != nil {
		return
	}

	st.mu.Lock()
	previous := st.record.State
	if previous == next {
		st.mu.Unlock()
		return
	}
	if !types.CanTransition(previous, next) {
		m.logger.Warn("rejecting unexpected transition, forcing UNKNOWN", map[string]any{
			"id": id, "from": previous, "to": next,
		})
		next = types.StateUnknown
		if previous == next {
			st.mu.Unlock()
			return
		}
	}
	st.record.State = next
	now := time.Now()
	st.record.History.Append(next, now)
	st.mu.Unlock()

	m.mu.Lock()
	cbs := make([]StateCallback, len(m.onTransition))
	copy(cbs, m.onTransition)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(id, previous, next, now)
	}
}

func (m *Manager) recordStacktrace(id types.ProcedureID, trace string) {
	st, err := m.get(id)
	if err != nil {
		return
	}
	st.mu.Lock()
	st.record.History.Stacktrace = &trace
	st.mu.Unlock()

	m.mu.Lock()
	cbs := make([]StacktraceCallback, len(m.onStacktrace))
	copy(cbs, m.onStacktrace)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(id, trace)
	}
}

func (m *Manager) finalizeIfNotTerminal(id types.ProcedureID) {
	st, err := m.get(id)
	if err != nil {
		return
	}
	st.mu.Lock()
	terminal := st.record.State.IsTerminal()
	st.mu.Unlock()
	if !terminal {
		m.transition(id, types.StateUnknown)
	}
}
