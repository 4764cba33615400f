package schema

// ExecutionStatus is the lifecycle state of one execution instance.
type ExecutionStatus string

const (
	StatusNew           ExecutionStatus = "NEW"
	StatusQueued        ExecutionStatus = "QUEUED"
	StatusStarting      ExecutionStatus = "STARTING"
	StatusRunning       ExecutionStatus = "RUNNING"
	StatusPaused        ExecutionStatus = "PAUSED"
	StatusWaiting       ExecutionStatus = "WAITING"
	StatusDiscontinuing ExecutionStatus = "DISCONTINUING"
	StatusSuccess       ExecutionStatus = "SUCCESS"
	StatusFailed        ExecutionStatus = "FAILED"
	StatusError         ExecutionStatus = "ERROR"
	StatusAborted       ExecutionStatus = "ABORTED"
	StatusExpired       ExecutionStatus = "EXPIRED"
	StatusSkipped       ExecutionStatus = "SKIPPED"
)

// ActiveStatuses are the non-terminal statuses an instance can hold.
var ActiveStatuses = []ExecutionStatus{
	StatusNew, StatusQueued, StatusStarting, StatusRunning,
	StatusPaused, StatusWaiting, StatusDiscontinuing,
}

// FinalStatuses are the absorbing statuses.
var FinalStatuses = []ExecutionStatus{
	StatusSuccess, StatusFailed, StatusError, StatusAborted, StatusExpired, StatusSkipped,
}

// IsFinal reports whether the status is absorbing.
func (s ExecutionStatus) IsFinal() bool {
	return ContainsStatus(FinalStatuses, s)
}

// IsPositive reports whether the status counts as a successful outcome.
func (s ExecutionStatus) IsPositive() bool {
	return s == StatusSuccess || s == StatusSkipped
}

// IsBroken reports whether the status counts as a failed outcome.
func (s ExecutionStatus) IsBroken() bool {
	return s == StatusFailed || s == StatusError
}

// IsDiscontinue reports whether the status ends an instance by abort or expiry.
func (s ExecutionStatus) IsDiscontinue() bool {
	return s == StatusAborted || s == StatusExpired
}

// ContainsStatus reports whether s is in list.
func ContainsStatus(list []ExecutionStatus, s ExecutionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ErrorStrategy decides what happens when a failure has no FAILURE edge to follow.
type ErrorStrategy string

const (
	ErrorStrategyFail  ErrorStrategy = "FAIL"
	ErrorStrategyPause ErrorStrategy = "PAUSE"
)
