package events

// NATS subject constants for the orchestrator's lifecycle notifications.
// Format: orchestrator.<domain>.<action>

const (
	// Session lifecycle events, published for an out-of-scope push-notify
	// edge service to fan out; the orchestrator never subscribes to these.
	SubjectSessionReady        = "orchestrator.session.ready"
	SubjectSessionTerminated   = "orchestrator.session.terminated"
	SubjectSessionIdleWarning  = "orchestrator.session.idle_warning"
	SubjectSessionProvisioning = "orchestrator.session.provisioning"

	// Reconciler events
	SubjectReconcilerCycleComplete = "orchestrator.reconciler.cycle_complete"

	// Dead letter queue prefix
	SubjectDLQPrefix = "orchestrator.dlq"
)

// DLQSubject returns the dead letter queue subject for a given subject.
func DLQSubject(subject string) string {
	return SubjectDLQPrefix + "." + subject
}
