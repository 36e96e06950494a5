package procworker

import (
	"context"
	"sync"
	"time"

	"github.com/ska-telescope/ska-oso-oet-go/mpqueue"
	"github.com/ska-telescope/ska-oso-oet-go/oetlog"
	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// InboxCapacity bounds every per-worker inbox created through MainContext.
const InboxCapacity = 256

// MainContext owns the supervised worker set, each worker's inbound
// inbox, and the shared outbound event queue workers publish
// locally-originated bus events onto. It is the Go translation of the
// original engine's MainContext: where that type owned multiprocessing
// Procs and Queues, this one owns goroutine Workers and mpqueue.Queues.
type MainContext struct {
	logger *oetlog.Logger

	mu      sync.Mutex
	workers map[string]*Worker
	inboxes map[string]*mpqueue.Queue[types.EventMessage]

	eventQueue *mpqueue.Queue[types.EventMessage]
}

// New creates an empty MainContext.
func New(logger *oetlog.Logger) *MainContext {
	return &MainContext{
		logger:     logger.With(map[string]any{"component": "main_context"}),
		workers:    make(map[string]*Worker),
		inboxes:    make(map[string]*mpqueue.Queue[types.EventMessage]),
		eventQueue: mpqueue.New[types.EventMessage](InboxCapacity),
	}
}

// EventQueue returns the shared queue every EventBusWorker publishes
// locally-originated PUBSUB envelopes onto.
func (m *MainContext) EventQueue() *mpqueue.Queue[types.EventMessage] {
	return m.eventQueue
}

// Inbox returns (creating if necessary) the named worker's inbound
// queue — the channel MainContext's dispatch loop fans published events
// into.
func (m *MainContext) Inbox(name string) *mpqueue.Queue[types.EventMessage] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.inboxes[name]; ok {
		return q
	}
	q := mpqueue.New[types.EventMessage](InboxCapacity)
	m.inboxes[name] = q
	return q
}

// Spawn starts body under supervision, registering it by name so
// StopAll can tear it down later.
func (m *MainContext) Spawn(ctx context.Context, body WorkerBody, startupWait time.Duration) error {
	w := NewWorker(body, m.logger)
	if err := w.Start(ctx, startupWait); err != nil {
		return err
	}
	m.mu.Lock()
	m.workers[body.Name()] = w
	m.mu.Unlock()
	return nil
}

// Run executes the dispatch loop: pull from the shared event queue and
// fan PUBSUB envelopes out to every registered worker inbox (mirroring
// the original's main_loop fan-out over event_bus_queues), until ctx is
// cancelled or an END control message arrives.
func (m *MainContext) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, ok := m.eventQueue.GetContext(ctx)
		if !ok {
			continue
		}
		switch msg.Kind {
		case types.EventKindPubSub:
			m.fanOut(msg)
		case types.EventKindFatal:
			m.logger.Error("worker reported fatal", map[string]any{"src": msg.Src, "detail": msg.Detail})
		case types.EventKindEnd:
			return
		}
	}
}

func (m *MainContext) fanOut(msg types.EventMessage) {
	m.mu.Lock()
	inboxes := make([]*mpqueue.Queue[types.EventMessage], 0, len(m.inboxes))
	for _, q := range m.inboxes {
		inboxes = append(inboxes, q)
	}
	m.mu.Unlock()

	for _, q := range inboxes {
		q.PutBlocking(msg)
	}
}

// StopAll cancels every supervised worker and waits up to totalWait in
// aggregate for all of them to exit, mirroring stop_procs' time-budgeted
// join loop. Returns how many stopped cleanly vs. how many did not exit
// within the budget.
func (m *MainContext) StopAll(totalWait time.Duration) (stopped, notStopped int) {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	if len(workers) == 0 {
		return 0, 0
	}
	perWorker := totalWait / time.Duration(len(workers))
	if perWorker <= 0 {
		perWorker = time.Millisecond
	}
	for _, w := range workers {
		if w.Stop(perWorker) {
			stopped++
		} else {
			notStopped++
		}
	}
	return stopped, notStopped
}
