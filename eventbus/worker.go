package eventbus

import (
	"context"

	"github.com/ska-telescope/ska-oso-oet-go/mpqueue"
	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// Worker is the EventBusWorker bridge of spec.md §4.5: it owns one
// worker's LocalBus, republishing every locally originated publish onto
// the shared outbound event queue, and re-emitting every inbound queue
// item as a local publish, with the loop guard that drops a message
// whose msg_src equals this worker's own name.
type Worker struct {
	name       string
	bus        *LocalBus
	inbox      *mpqueue.Queue[types.EventMessage]
	eventQueue *mpqueue.Queue[types.EventMessage]
}

// NewWorker wires bus to the named worker's inbox/outbound event queue.
func NewWorker(name string, bus *LocalBus, inbox, eventQueue *mpqueue.Queue[types.EventMessage]) *Worker {
	return &Worker{name: name, bus: bus, inbox: inbox, eventQueue: eventQueue}
}

// Name satisfies procworker.WorkerBody.
func (w *Worker) Name() string { return w.name }

// Startup subscribes to every local publish for outbound republishing.
func (w *Worker) Startup(ctx context.Context) error {
	w.bus.SubscribeAll(w.onLocalPublish)
	return nil
}

// MainLoop drains the inbox, re-emitting each PUBSUB item as a local
// publish, until ctx is cancelled.
func (w *Worker) MainLoop(ctx context.Context) error {
	for {
		msg, ok := w.inbox.GetContext(ctx)
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		w.onInbound(msg)
	}
}

// Shutdown has nothing to release: the bus subscription is harmless once
// nothing drains the inbox any further.
func (w *Worker) Shutdown(ctx context.Context) error { return nil }

// onLocalPublish implements the "republish outbound" half: any publish
// whose Src is absent (empty — originated by this worker's own
// component) is wrapped and enqueued for the rest of the engine.
func (w *Worker) onLocalPublish(msg types.EventMessage) {
	if msg.Src != "" {
		return
	}
	outbound := types.EventMessage{
		ID:        msg.ID,
		Src:       w.name,
		Kind:      types.EventKindPubSub,
		Topic:     msg.Topic,
		RequestID: msg.RequestID,
		Payload:   msg.Payload,
		At:        msg.At,
	}
	w.eventQueue.Put(outbound)
}

// onInbound implements the "republish inbound" half plus the loop
// guard: never rebroadcast a message this worker itself originated.
func (w *Worker) onInbound(msg types.EventMessage) {
	if msg.Kind != types.EventKindPubSub {
		return
	}
	if msg.Src == w.name {
		return
	}
	w.bus.PublishWithSrc(msg.Topic, msg.Src, msg.RequestID, msg.Payload)
}
