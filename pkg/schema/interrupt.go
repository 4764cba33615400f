package schema

// InterruptType enumerates out-of-band control signals and advice outcomes.
type InterruptType string

const (
	InterruptAbort                 InterruptType = "ABORT"
	InterruptAbortAll              InterruptType = "ABORT_ALL"
	InterruptPause                 InterruptType = "PAUSE"
	InterruptPauseAll              InterruptType = "PAUSE_ALL"
	InterruptResume                InterruptType = "RESUME"
	InterruptResumeAll             InterruptType = "RESUME_ALL"
	InterruptRetry                 InterruptType = "RETRY"
	InterruptIgnore                InterruptType = "IGNORE"
	InterruptMarkFailed            InterruptType = "MARK_FAILED"
	InterruptMarkSuccess           InterruptType = "MARK_SUCCESS"
	InterruptMarkExpired           InterruptType = "MARK_EXPIRED"
	InterruptEndExecution          InterruptType = "END_EXECUTION"
	InterruptRollback              InterruptType = "ROLLBACK"
	InterruptRollbackDone          InterruptType = "ROLLBACK_DONE"
	InterruptRollbackAfterPhases   InterruptType = "ROLLBACK_PROVISIONER_AFTER_PHASES"
	InterruptNextStep              InterruptType = "NEXT_STEP"
	InterruptWaitingForManual      InterruptType = "WAITING_FOR_MANUAL_INTERVENTION"
	InterruptPauseForInputs        InterruptType = "PAUSE_FOR_INPUTS"
	InterruptContinueWithDefaults  InterruptType = "CONTINUE_WITH_DEFAULTS"
	InterruptContinuePipelineStage InterruptType = "CONTINUE_PIPELINE_STAGE"
)

// InterruptSourceStatuses lists, for instance-scoped interrupts, the statuses
// the target instance must be in for the interrupt to be accepted.
var InterruptSourceStatuses = map[InterruptType][]ExecutionStatus{
	InterruptResume:               {StatusPaused, StatusWaiting},
	InterruptIgnore:               {StatusPaused, StatusWaiting},
	InterruptRetry:                {StatusWaiting, StatusFailed, StatusError},
	InterruptAbort:                {StatusNew, StatusQueued, StatusStarting, StatusRunning, StatusPaused, StatusWaiting, StatusDiscontinuing},
	InterruptMarkExpired:          {StatusNew, StatusQueued, StatusStarting, StatusRunning, StatusPaused, StatusWaiting, StatusDiscontinuing},
	InterruptPause:                {StatusNew, StatusQueued, StatusStarting, StatusRunning},
	InterruptMarkFailed:           {StatusPaused, StatusWaiting},
	InterruptMarkSuccess:          {StatusPaused, StatusWaiting},
	InterruptContinueWithDefaults: {StatusPaused},
}

// IsInstanceScoped reports whether the interrupt targets a single instance.
func (t InterruptType) IsInstanceScoped() bool {
	_, ok := InterruptSourceStatuses[t]
	return ok
}

// TransitionKind labels a graph edge.
type TransitionKind string

const (
	TransitionSuccess     TransitionKind = "SUCCESS"
	TransitionFailure     TransitionKind = "FAILURE"
	TransitionFork        TransitionKind = "FORK"
	TransitionRepeat      TransitionKind = "REPEAT"
	TransitionConditional TransitionKind = "CONDITIONAL"
)

// FailureKind classifies why an advisor is being consulted after a failure.
type FailureKind string

const (
	FailureApplication   FailureKind = "APPLICATION_ERROR"
	FailureExpired       FailureKind = "EXPIRED"
	FailureAuthorization FailureKind = "AUTHORIZATION_ERROR"
	FailureConnectivity  FailureKind = "CONNECTIVITY"
	FailureVerification  FailureKind = "VERIFICATION_FAILURE"
)
