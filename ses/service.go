// Package ses implements ScriptExecutionService: the thin orchestration
// layer over procmanager.Manager that translates prepare/start/stop
// commands into ProcessManager calls, republishes lifecycle events onto
// the local bus (including the legacy state-topic table and the
// LOADING→IDLE→created special case), and implements two-phase abort.
package ses

import (
	"fmt"
	"sync"
	"time"

	"github.com/ska-telescope/ska-oso-oet-go/errs"
	"github.com/ska-telescope/ska-oso-oet-go/eventbus"
	"github.com/ska-telescope/ska-oso-oet-go/oetlog"
	"github.com/ska-telescope/ska-oso-oet-go/procmanager"
	"github.com/ska-telescope/ska-oso-oet-go/topics"
	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// ReadyWaitTimeout bounds how long Stop's abort path waits for the
// canned abort procedure to reach READY before giving up.
const ReadyWaitTimeout = 5 * time.Second

// Service is ScriptExecutionService.
type Service struct {
	mgr            *procmanager.Manager
	bus            *eventbus.LocalBus
	logger         *oetlog.Logger
	abortScriptURI string

	mu        sync.Mutex
	requestID map[types.ProcedureID]int64

	waitMu  sync.Mutex
	waiters map[types.ProcedureID]chan struct{}
}

// New wires a Service on top of mgr, registering the state-update and
// stacktrace callbacks that drive lifecycle event publication.
func New(mgr *procmanager.Manager, bus *eventbus.LocalBus, abortScriptURI string, logger *oetlog.Logger) *Service {
	s := &Service{
		mgr:            mgr,
		bus:            bus,
		logger:         logger.With(map[string]any{"component": "script_execution_service"}),
		abortScriptURI: abortScriptURI,
		requestID:      make(map[types.ProcedureID]int64),
		waiters:        make(map[types.ProcedureID]chan struct{}),
	}
	mgr.OnTransition(s.onTransition)
	mgr.OnStacktrace(s.onStacktrace)
	return s
}

// Prepare creates a new procedure, per spec.md §4.4 prepare().
func (s *Service) Prepare(requestID int64, script types.ExecutableScript, initArgs types.ProcedureInput) (types.ProcedureSummary, error) {
	id, err := s.mgr.Create(script, initArgs)
	if err != nil {
		return types.ProcedureSummary{}, err
	}
	s.rememberRequestID(id, requestID)

	summaries, err := s.mgr.Summarise([]types.ProcedureID{id})
	if err != nil {
		return types.ProcedureSummary{}, err
	}
	return summaries[0], nil
}

// Start dispatches fn on an already-prepared procedure, per spec.md §4.4
// start().
func (s *Service) Start(requestID int64, id types.ProcedureID, fn string, runArgs types.ProcedureInput, forceStart bool) (types.ProcedureSummary, error) {
	s.rememberRequestID(id, requestID)
	return s.mgr.Run(id, fn, runArgs, forceStart)
}

// Stop stops the target procedure and, if runAbort is requested,
// prepares and runs the canned abort script against the same
// subarray_id, per spec.md §4.4 stop() and §8 scenario 3. A procedure
// that is already terminal is left as it is: the result is an empty list
// and no abort script is run.
func (s *Service) Stop(requestID int64, id types.ProcedureID, runAbort bool) ([]types.ProcedureSummary, error) {
	current, err := s.mgr.Summarise([]types.ProcedureID{id})
	if err != nil {
		return nil, err
	}
	if current[0].State.IsTerminal() {
		return []types.ProcedureSummary{}, nil
	}

	s.rememberRequestID(id, requestID)

	stopped, err := s.mgr.Stop(id)
	if err != nil {
		return nil, err
	}
	out := []types.ProcedureSummary{stopped}

	if !runAbort {
		return out, nil
	}

	subarrayID, err := subarrayIDFromCaptures(stopped.Args)
	if err != nil {
		return nil, err
	}

	abortSummary, err := s.runAbort(requestID, subarrayID)
	if err != nil {
		return nil, err
	}
	out = append(out, abortSummary)
	return out, nil
}

// Summarise returns a snapshot of the named procedures, or all of them
// when ids is empty.
func (s *Service) Summarise(ids []types.ProcedureID) ([]types.ProcedureSummary, error) {
	return s.mgr.Summarise(ids)
}

// Shutdown forwards to ProcessManager, per spec.md §4.4 shutdown().
func (s *Service) Shutdown() {
	s.mgr.Shutdown()
}

// runAbort prepares the canned abort script targeting subarrayID, waits
// event-driven for it to reach READY (subscribing once rather than
// busy-waiting, per the §9 redesign flag), then runs its main callable.
//
// The §9 design note names the wait signal as the `created` topic, but
// `created` fires at LOADING→IDLE — before `init` has even run — which
// races against the READY transition a RUN actually requires. This
// waits on the READY transition itself instead: the same event-driven
// replacement for busy-waiting the note calls for, without the race.
func (s *Service) runAbort(requestID int64, subarrayID int64) (types.ProcedureSummary, error) {
	script := types.NewFilesystemScript(s.abortScriptURI)
	initArgs := types.NewProcedureInput(nil, map[string]any{"subarray_id": subarrayID})

	waitCh := make(chan struct{}, 1)

	id, err := s.mgr.Create(script, initArgs)
	if err != nil {
		return types.ProcedureSummary{}, errs.Wrap(errs.StartupFailure, "preparing abort procedure", err)
	}
	s.registerReadyWaiter(id, waitCh)
	defer s.forgetReadyWaiter(id)
	s.rememberRequestID(id, requestID)

	select {
	case <-waitCh:
	case <-time.After(ReadyWaitTimeout):
		return types.ProcedureSummary{}, errs.New(errs.StartupFailure, "abort procedure did not reach READY in time")
	}

	return s.mgr.Run(id, "main", types.ProcedureInput{}, false)
}

func (s *Service) registerReadyWaiter(id types.ProcedureID, ch chan struct{}) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waiters[id] = ch
}

func (s *Service) forgetReadyWaiter(id types.ProcedureID) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	delete(s.waiters, id)
}

func (s *Service) notifyReadyWaiter(id types.ProcedureID) {
	s.waitMu.Lock()
	ch, ok := s.waiters[id]
	s.waitMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Service) rememberRequestID(id types.ProcedureID, requestID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestID[id] = requestID
}

func (s *Service) requestIDFor(id types.ProcedureID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestID[id]
}

// onTransition is the state-updater callback of spec.md §4.4, installed
// into ProcessManager: publishes the unconditional statechange event on
// every transition, the special LOADING→IDLE→created republish, and the
// legacy per-state milestone topic whenever the new state has one
// (RUNNING, COMPLETE, FAILED, STOPPED).
func (s *Service) onTransition(id types.ProcedureID, previous, current types.ProcedureState, at time.Time) {
	requestID := s.requestIDFor(id)

	s.bus.Publish(topics.ProcedureLifecycleStateChange, requestID, map[string]any{
		"procedure_id": id,
		"state":        string(current),
	})

	if previous == types.StateLoading && current == types.StateIdle {
		s.publishSummary(topics.ProcedureLifecycleCreated, requestID, id)
	}

	if current == types.StateReady {
		s.notifyReadyWaiter(id)
	}

	if topic, ok := topics.LegacyTopicFor(string(current)); ok {
		s.publishSummary(topic, requestID, id)
	}
}

func (s *Service) onStacktrace(id types.ProcedureID, stacktrace string) {
	s.bus.Publish(topics.ProcedureLifecycleStacktrace, s.requestIDFor(id), map[string]any{
		"procedure_id": id,
		"stacktrace":   stacktrace,
	})
}

func (s *Service) publishSummary(topic string, requestID int64, id types.ProcedureID) {
	summaries, err := s.mgr.Summarise([]types.ProcedureID{id})
	if err != nil {
		s.logger.Warn("summarising procedure for event publish", map[string]any{"id": id, "error": err.Error()})
		return
	}
	s.bus.Publish(topic, requestID, map[string]any{"result": summaries[0]})
}

// subarrayIDFromCaptures extracts the subarray_id kwarg recorded across
// every ArgCapture of a procedure's history (not just init), per the
// original engine's abort mechanics (SPEC_FULL.md §3). Zero or multiple
// distinct values is an error.
func subarrayIDFromCaptures(args []types.ArgCapture) (int64, error) {
	seen := map[int64]bool{}
	for _, capture := range args {
		v, ok := capture.Args.Kwarg("subarray_id")
		if !ok {
			continue
		}
		id, ok := toInt64(v)
		if !ok {
			continue
		}
		seen[id] = true
	}
	if len(seen) == 0 {
		return 0, errs.New(errs.ConflictingArgs, "no subarray_id found in procedure's captured arguments")
	}
	if len(seen) > 1 {
		return 0, errs.New(errs.ConflictingArgs, fmt.Sprintf("ambiguous subarray_id across captured arguments: %d distinct values", len(seen)))
	}
	for id := range seen {
		return id, nil
	}
	panic("unreachable")
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}
