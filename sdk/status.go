package sdk

// Status is the lifecycle state of a pipeline or one of its execution runs.
type Status string

var (
	StatusPlanned   Status = "PLANNED"
	StatusBuilding  Status = "BUILDING"
	StatusTesting   Status = "TESTING"
	StatusDeploying Status = "DEPLOYING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition reports whether a run may move from one status to another.
// Terminal states admit no transitions; a non-terminal run may move directly
// to any other state, including a terminal one, without passing through the
// intermediate states.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return from != to
}

// TriggerKind describes what caused an execution run to be created.
type TriggerKind string

var (
	TriggerManual    TriggerKind = "manual"
	TriggerWebhook   TriggerKind = "webhook"
	TriggerScheduled TriggerKind = "scheduled"
)

// remoteStates maps the state strings reported by the remote CI backend to
// the internal status enum. Kept as a single table so the translation is
// testable data rather than comparisons scattered through the poll loop.
var remoteStates = map[string]Status{
	"PENDING":     StatusBuilding,
	"IN_PROGRESS": StatusBuilding,
	"BUILDING":    StatusBuilding,
	"TESTING":     StatusTesting,
	"DEPLOYING":   StatusDeploying,
	"COMPLETED":   StatusSuccess,
	"SUCCESSFUL":  StatusSuccess,
	"FAILED":      StatusFailed,
	"STOPPED":     StatusFailed,
	"ERROR":       StatusFailed,
}

// terminalRemoteStates is the closed set of remote states after which the
// backend reports no further progress. SUCCESSFUL is the collapsed form of a
// completed run whose result is known.
var terminalRemoteStates = map[string]bool{
	"COMPLETED":  true,
	"SUCCESSFUL": true,
	"FAILED":     true,
	"STOPPED":    true,
	"ERROR":      true,
}

// FromRemoteState translates a remote state string into the internal status.
// Unknown states are treated as still building rather than failed, so a new
// backend state never terminates a run by accident.
func FromRemoteState(state string) Status {
	if s, ok := remoteStates[state]; ok {
		return s
	}
	return StatusBuilding
}

// RemoteStateTerminal reports whether the remote state ends the poll loop.
func RemoteStateTerminal(state string) bool {
	return terminalRemoteStates[state]
}
