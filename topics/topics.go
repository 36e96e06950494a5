// Package topics declares the closed set of pub/sub topics the engine
// publishes and subscribes to. No topic outside this set is ever
// published or matched; there is no wildcard subscription support because
// the set is closed and fully enumerated here.
package topics

const (
	RequestProcedureCreate = "request.procedure.create"
	RequestProcedureStart  = "request.procedure.start"
	RequestProcedureStop   = "request.procedure.stop"
	RequestProcedureList   = "request.procedure.list"

	RequestActivityRun  = "request.activity.run"
	RequestActivityList = "request.activity.list"

	ProcedureLifecycleCreated     = "procedure.lifecycle.created"
	ProcedureLifecycleStarted     = "procedure.lifecycle.started"
	ProcedureLifecycleComplete    = "procedure.lifecycle.complete"
	ProcedureLifecycleFailed      = "procedure.lifecycle.failed"
	ProcedureLifecycleStopped     = "procedure.lifecycle.stopped"
	ProcedureLifecycleStateChange = "procedure.lifecycle.statechange"
	ProcedureLifecycleStacktrace  = "procedure.lifecycle.stacktrace"

	ProcedurePoolList = "procedure.pool.list"

	ActivityLifecycleRunning = "activity.lifecycle.running"
	ActivityPoolList         = "activity.pool.list"

	SBLifecycleStarted          = "sb.lifecycle.started"
	SBLifecycleFinishedSucceeded = "sb.lifecycle.finished.succeeded"
	SBLifecycleFinishedFailed    = "sb.lifecycle.finished.failed"

	UserScriptAnnounce = "user.script.announce"
)

// all is the closed set, used by IsValid.
var all = map[string]bool{
	RequestProcedureCreate: true,
	RequestProcedureStart:  true,
	RequestProcedureStop:   true,
	RequestProcedureList:   true,

	RequestActivityRun:  true,
	RequestActivityList: true,

	ProcedureLifecycleCreated:     true,
	ProcedureLifecycleStarted:     true,
	ProcedureLifecycleComplete:    true,
	ProcedureLifecycleFailed:      true,
	ProcedureLifecycleStopped:     true,
	ProcedureLifecycleStateChange: true,
	ProcedureLifecycleStacktrace:  true,

	ProcedurePoolList: true,

	ActivityLifecycleRunning: true,
	ActivityPoolList:         true,

	SBLifecycleStarted:           true,
	SBLifecycleFinishedSucceeded: true,
	SBLifecycleFinishedFailed:    true,

	UserScriptAnnounce: true,
}

// IsValid reports whether topic is a member of the closed topic set.
func IsValid(topic string) bool {
	return all[topic]
}

// legacyStateTopic is the small state->topic republish table carried from
// the original engine (SPEC_FULL.md §3): in addition to the unconditional
// statechange event every transition emits, these states also get a
// named, simpler topic for external consumers that only care about a
// handful of milestones.
var legacyStateTopic = map[string]string{
	"RUNNING":  ProcedureLifecycleStarted,
	"COMPLETE": ProcedureLifecycleComplete,
	"FAILED":   ProcedureLifecycleFailed,
	"STOPPED":  ProcedureLifecycleStopped,
}

// LegacyTopicFor returns the named milestone topic for state, if any.
func LegacyTopicFor(state string) (string, bool) {
	t, ok := legacyStateTopic[state]
	return t, ok
}
