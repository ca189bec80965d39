package task

// Status is the board column a task lives in.
type Status string

const (
	StatusInbox      Status = "inbox"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// Valid reports whether s is a known board status.
func (s Status) Valid() bool {
	switch s {
	case StatusInbox, StatusAssigned, StatusInProgress, StatusReview, StatusDone:
		return true
	}
	return false
}

// AIStatus is the execution state owned by the orchestration core.
//
// Transitions: assigned -> running (dispatch or heartbeat claim);
// running -> completed | failed; running -> running (retry re-dispatch);
// failed|blocked -> running (user retry). Terminal states are resumable,
// not absorbing.
type AIStatus string

const (
	AINone      AIStatus = "none"
	AIAssigned  AIStatus = "assigned"
	AIRunning   AIStatus = "running"
	AICompleted AIStatus = "completed"
	AIFailed    AIStatus = "failed"
	AIBlocked   AIStatus = "blocked"
)

// Valid reports whether s is a known execution state.
func (s AIStatus) Valid() bool {
	switch s {
	case AINone, AIAssigned, AIRunning, AICompleted, AIFailed, AIBlocked:
		return true
	}
	return false
}

// Terminal reports whether s ends an execution attempt. Terminal states can
// still be resumed by a user retry.
func (s AIStatus) Terminal() bool {
	return s == AICompleted || s == AIFailed || s == AIBlocked
}

// Retryable reports whether a user retry may move s back to running.
func (s AIStatus) Retryable() bool {
	return s == AIFailed || s == AIBlocked
}

// RunStatus is the state of a single AgentRun record.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)
