package domain

// LifecycleState is the state of a listener manager.
type LifecycleState int

const (
	LifecycleStopped LifecycleState = iota
	LifecycleRunning
)

var lifecycleStrings = map[LifecycleState]string{
	LifecycleStopped: "stopped",
	LifecycleRunning: "running",
}

// String returns the string representation.
func (s LifecycleState) String() string {
	if str, ok := lifecycleStrings[s]; ok {
		return str
	}
	return "unknown"
}

// AcceptState is the state of an acceptance task.
//
// A task starts Idle, moves to Accepting as soon as it is spawned and
// alternates between Accepting and Delivered for every connection it hands
// off. It ends in Closed, Failed or, when an accept limit is configured,
// Delivered.
type AcceptState int32

const (
	AcceptIdle AcceptState = iota
	AcceptAccepting
	AcceptDelivered
	AcceptClosed
	AcceptFailed
)

var acceptStrings = map[AcceptState]string{
	AcceptIdle:      "idle",
	AcceptAccepting: "accepting",
	AcceptDelivered: "delivered",
	AcceptClosed:    "closed",
	AcceptFailed:    "failed",
}

// String returns the string representation.
func (s AcceptState) String() string {
	if str, ok := acceptStrings[s]; ok {
		return str
	}
	return "unknown"
}

// IsTerminal reports whether a task in this state has exited.
// Delivered is only terminal once the task has stopped, so it is not listed.
func (s AcceptState) IsTerminal() bool {
	return s == AcceptClosed || s == AcceptFailed
}

// CanTransitionTo reports whether the acceptance task may move from s to next.
// Transient accept errors keep the task in Accepting without a transition.
func (s AcceptState) CanTransitionTo(next AcceptState) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case AcceptIdle:
		return next == AcceptAccepting
	case AcceptAccepting:
		return next == AcceptDelivered || next == AcceptClosed || next == AcceptFailed
	case AcceptDelivered:
		return next == AcceptAccepting
	default:
		return false
	}
}
