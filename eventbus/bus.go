// Package eventbus implements the two-layer event bus of SPEC_FULL.md
// §0/spec.md §4.5: a per-worker in-process topic pub/sub registry
// (LocalBus) and the EventBusWorker bridge that republishes locally
// originated publishes onto the shared inter-process event queue, and
// inbound queue items back as local publishes — with the loop guard
// that keeps a worker from rebroadcasting its own echoed messages.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ska-telescope/ska-oso-oet-go/topics"
	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// Subscriber receives a synchronous callback on the publishing
// goroutine, mirroring the original engine's synchronous dispatch.
type Subscriber func(msg types.EventMessage)

// LocalBus is one worker's local publish/subscribe registry. Topics are
// validated against the closed set in package topics; publishing to an
// unknown topic is a programming error, not a runtime one to recover
// from, so it panics (mirrors spec.md §6.1: "publishing to any topic not
// in this tree is a fatal error").
type LocalBus struct {
	mu     sync.RWMutex
	exact  map[string][]subscription
	all    []subscription
	seq    int64
	subSeq int64
}

type subscription struct {
	id int64
	cb Subscriber
}

// New creates an empty LocalBus.
func New() *LocalBus {
	return &LocalBus{exact: make(map[string][]subscription)}
}

// Subscribe registers cb to be called for every publish to topic,
// returning an id that Unsubscribe accepts to remove it again —
// RequestBridge's response-topic callbacks are temporary, per
// spec.md §4.6, and must not accumulate for the life of the process.
func (b *LocalBus) Subscribe(topic string, cb Subscriber) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subSeq++
	id := b.subSeq
	b.exact[topic] = append(b.exact[topic], subscription{id: id, cb: cb})
	return id
}

// Unsubscribe removes the subscription previously returned by Subscribe
// for topic. A no-op if id is not currently subscribed.
func (b *LocalBus) Unsubscribe(topic string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.exact[topic]
	for i, s := range subs {
		if s.id == id {
			b.exact[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// SubscribeAll registers cb to be called for every publish regardless of
// topic, returning an id UnsubscribeAll accepts to remove it again —
// used by EventBusWorker (for the life of the worker) and by the SSE
// stream handler (for the life of one client connection, which must not
// leak a subscriber on every reconnect).
func (b *LocalBus) SubscribeAll(cb Subscriber) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subSeq++
	id := b.subSeq
	b.all = append(b.all, subscription{id: id, cb: cb})
	return id
}

// UnsubscribeAll removes the subscription previously returned by
// SubscribeAll. A no-op if id is not currently subscribed.
func (b *LocalBus) UnsubscribeAll(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.all {
		if s.id == id {
			b.all = append(b.all[:i:i], b.all[i+1:]...)
			return
		}
	}
}

// Publish delivers a locally originated message (Src left empty, "absent"
// per spec.md §4.5) to every matching subscriber. Panics if topic is not
// a member of the closed topic tree.
func (b *LocalBus) Publish(topic string, requestID int64, payload map[string]any) types.EventMessage {
	return b.dispatch(topic, "", requestID, payload)
}

// PublishWithSrc delivers a message that originated elsewhere (msg_src
// preserved), used by EventBusWorker to re-emit an inbound queue item as
// a local publish.
func (b *LocalBus) PublishWithSrc(topic, src string, requestID int64, payload map[string]any) types.EventMessage {
	return b.dispatch(topic, src, requestID, payload)
}

func (b *LocalBus) dispatch(topic, src string, requestID int64, payload map[string]any) types.EventMessage {
	if !topics.IsValid(topic) {
		panic("eventbus: publish to unknown topic " + topic)
	}
	msg := types.EventMessage{
		ID:        atomic.AddInt64(&b.seq, 1),
		Src:       src,
		Kind:      types.EventKindPubSub,
		Topic:     topic,
		RequestID: requestID,
		Payload:   payload,
		At:        time.Now(),
	}

	b.mu.RLock()
	exact := append([]subscription(nil), b.exact[topic]...)
	all := append([]subscription(nil), b.all...)
	b.mu.RUnlock()

	for _, sub := range exact {
		sub.cb(msg)
	}
	for _, sub := range all {
		sub.cb(msg)
	}
	return msg
}
