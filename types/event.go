package types

import "time"

// EventMessage is the unit of traffic on the internal event bus, carried
// between EventBusWorker instances over each worker's bounded inbox and
// dispatched locally by eventbus.LocalBus. It mirrors the shape of the
// original engine's EventMessage(id, msg_src, msg_type, msg) tuple.
type EventMessage struct {
	// ID is a monotonically increasing sequence number assigned at
	// publish time, used only for ordering/debugging.
	ID int64
	// Src identifies the worker that originated this message. The bus
	// loop guard compares this against a worker's own name to decide
	// whether to re-publish (outbound) or re-broadcast (inbound).
	Src string
	// Kind discriminates PUBSUB (a topic publish to redeliver) from the
	// control kinds SHUTDOWN/FATAL/END used by the supervisor.
	Kind EventMessageKind
	// Topic is populated for Kind == PubSub.
	Topic string
	// RequestID correlates a request.* publish with its response, when
	// present; zero means "not a correlated request".
	RequestID int64
	// Payload is the PUBSUB message body (a decoded keyword-argument
	// style map), or a human-readable detail string for FATAL/SHUTDOWN.
	Payload map[string]any
	Detail  string
	At      time.Time
}

// EventMessageKind is the closed set of control envelopes carried on a
// worker inbox, distinct from the application-level Topic values carried
// inside a PUBSUB envelope's Payload.
type EventMessageKind string

const (
	EventKindPubSub   EventMessageKind = "PUBSUB"
	EventKindShutdown EventMessageKind = "SHUTDOWN"
	EventKindFatal    EventMessageKind = "FATAL"
	EventKindEnd      EventMessageKind = "END"
)
