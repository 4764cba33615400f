package schema

// Event types published on the status update stream.
const (
	EventInstanceStatusUpdated = "instance.status_updated"
	EventInstanceCreated       = "instance.created"
	EventExecutionEnded        = "execution.ended"
	EventInterruptRegistered   = "interrupt.registered"
	EventInterruptSeized       = "interrupt.seized"
	EventAlertOpened           = "alert.opened"
)
