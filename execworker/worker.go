// Package execworker implements ExecutionWorker: the goroutine-supervised
// component that owns the one ses.Service instance and is the only thing
// that ever calls into it. Every other component — in particular
// apiworker.ApiWorker — reaches the service purely through request.*/
// response topic publishes on the shared bus, the same decoupling the
// original engine got from running ScriptExecutionService in its own OS
// process and talking to it only via pypubsub.
package execworker

import (
	"context"

	"github.com/ska-telescope/ska-oso-oet-go/errs"
	"github.com/ska-telescope/ska-oso-oet-go/eventbus"
	"github.com/ska-telescope/ska-oso-oet-go/oetlog"
	"github.com/ska-telescope/ska-oso-oet-go/ses"
	"github.com/ska-telescope/ska-oso-oet-go/topics"
	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// Worker is ExecutionWorker.
type Worker struct {
	name   string
	svc    *ses.Service
	bus    *eventbus.LocalBus
	logger *oetlog.Logger
}

// New wires a Worker around svc, publishing/subscribing on bus under name.
func New(name string, svc *ses.Service, bus *eventbus.LocalBus, logger *oetlog.Logger) *Worker {
	return &Worker{name: name, svc: svc, bus: bus, logger: logger.With(map[string]any{"component": name})}
}

func (w *Worker) Name() string { return w.name }

// Startup subscribes the request.* handlers. Responses for create/start
// are NOT published here — those only resolve once the procedure's state
// machine actually reaches the milestone being waited on (IDLE/RUNNING),
// which ses.Service's own onTransition callback publishes. Startup only
// publishes an immediate response when the call fails synchronously,
// since no later transition will ever arrive to carry that failure.
func (w *Worker) Startup(ctx context.Context) error {
	w.bus.Subscribe(topics.RequestProcedureCreate, w.onCreate)
	w.bus.Subscribe(topics.RequestProcedureStart, w.onStart)
	w.bus.Subscribe(topics.RequestProcedureStop, w.onStop)
	w.bus.Subscribe(topics.RequestProcedureList, w.onList)
	return nil
}

func (w *Worker) MainLoop(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (w *Worker) Shutdown(ctx context.Context) error {
	w.svc.Shutdown()
	return nil
}

func (w *Worker) onCreate(msg types.EventMessage) {
	script, _ := msg.Payload["script"].(types.ExecutableScript)
	initArgs, _ := msg.Payload["init_args"].(types.ProcedureInput)

	if _, err := w.svc.Prepare(msg.RequestID, script, initArgs); err != nil {
		w.publishError(topics.ProcedureLifecycleCreated, msg.RequestID, err)
	}
}

func (w *Worker) onStart(msg types.EventMessage) {
	id, _ := msg.Payload["procedure_id"].(types.ProcedureID)
	fn, _ := msg.Payload["fn"].(string)
	runArgs, _ := msg.Payload["run_args"].(types.ProcedureInput)
	forceStart, _ := msg.Payload["force_start"].(bool)

	if _, err := w.svc.Start(msg.RequestID, id, fn, runArgs, forceStart); err != nil {
		w.publishError(topics.ProcedureLifecycleStarted, msg.RequestID, err)
	}
}

func (w *Worker) onStop(msg types.EventMessage) {
	id, _ := msg.Payload["procedure_id"].(types.ProcedureID)
	runAbort, _ := msg.Payload["run_abort"].(bool)

	summaries, err := w.svc.Stop(msg.RequestID, id, runAbort)
	if err != nil {
		w.publishError(topics.ProcedureLifecycleStopped, msg.RequestID, err)
		return
	}
	w.bus.Publish(topics.ProcedureLifecycleStopped, msg.RequestID, map[string]any{"result": summaries})
}

func (w *Worker) onList(msg types.EventMessage) {
	var ids []types.ProcedureID
	if raw, ok := msg.Payload["pids"].([]types.ProcedureID); ok {
		ids = raw
	}

	summaries, err := w.svc.Summarise(ids)
	if err != nil {
		w.publishError(topics.ProcedurePoolList, msg.RequestID, err)
		return
	}
	w.bus.Publish(topics.ProcedurePoolList, msg.RequestID, map[string]any{"result": summaries})
}

func (w *Worker) publishError(topic string, requestID int64, err error) {
	kind := errs.KindOf(err)
	w.bus.Publish(topic, requestID, map[string]any{
		"error_kind":   string(kind),
		"error_detail": err.Error(),
	})
}
