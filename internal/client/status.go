package client

// ============================================================================
// Client lifecycle states
//
//	Idle --> Connecting --> Waiting --> ResourceGranted --> Preparing --> Executing
//	              |            ^                                             |
//	              |            +------------- Resetting <-------------------+
//	              |            ^                  ^
//	              |            +---- (from any state, on reset)
//	              +-----------------> ShuttingDown (terminal, from any state)
//
// Executing collapses back to Waiting on a matching execute-ack; Resetting is
// transient and always collapses to Waiting. ShuttingDown is terminal.
// ============================================================================

// Status is one state of the worker-side protocol state machine.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusWaiting    Status = "waiting"
	StatusResource   Status = "resource_granted"
	StatusPreparing  Status = "preparing"
	StatusExecuting  Status = "executing"
	StatusResetting  Status = "resetting"
	StatusShutdown   Status = "shutting_down"
)

// Terminal reports whether the state machine can never leave s.
func (s Status) Terminal() bool { return s == StatusShutdown }

// ValidTransition reports whether moving from one status to another is part
// of the protocol. Resetting and ShuttingDown are reachable from everywhere;
// everything else follows the session lifecycle.
func ValidTransition(from, to Status) bool {
	switch to {
	case StatusConnecting:
		return from == StatusIdle
	case StatusWaiting:
		return from == StatusConnecting || from == StatusExecuting || from == StatusResetting
	case StatusResource:
		return from == StatusWaiting
	case StatusPreparing:
		return from == StatusResource
	case StatusExecuting:
		return from == StatusPreparing
	case StatusResetting, StatusShutdown:
		return from != StatusShutdown
	default:
		return false
	}
}
