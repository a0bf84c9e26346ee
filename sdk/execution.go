package sdk

import "time"

// ExecutionRun is one historical attempt to execute a pipeline, either a
// local dry run or a remote trigger. A run is immutable once terminal;
// rollback is a new run referencing the one it supersedes, never a mutation
// of the old record.
type ExecutionRun struct {
	ID         string
	PipelineID int64
	Status     Status
	Trigger    TriggerKind

	// Identifiers of the remote run, set when the run was triggered
	// against the remote CI backend.
	BuildNumber int
	RemoteUUID  string
	CommitHash  string

	Logs         string
	ErrorMessage string

	RolledBack     bool
	RollbackReason string
	PreviousRunID  string

	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds int
}

// Remote reports whether the run tracks a remote execution that can be
// polled for status.
func (r *ExecutionRun) Remote() bool {
	return r.RemoteUUID != ""
}
