package ports

// Accept error kinds reported to MetricsReporter.RecordAcceptError.
const (
	AcceptErrorExpectedClose = "expected_close"
	AcceptErrorTransient     = "transient"
	AcceptErrorFatal         = "fatal"
)

// MetricsReporter receives listener lifecycle events.
type MetricsReporter interface {
	ListenerStarted(port int)
	ListenerStopped(port int)
	RecordBindFailure()
	RecordAccepted()
	RecordAcceptError(kind string)
	RecordHandlerPanic()
	RecordRejected()
	HandoffStarted()
	HandoffFinished()
}

// NoOpMetrics implements MetricsReporter with no-op methods for when metrics are disabled
type NoOpMetrics struct{}

func (NoOpMetrics) ListenerStarted(int)      {}
func (NoOpMetrics) ListenerStopped(int)      {}
func (NoOpMetrics) RecordBindFailure()       {}
func (NoOpMetrics) RecordAccepted()          {}
func (NoOpMetrics) RecordAcceptError(string) {}
func (NoOpMetrics) RecordHandlerPanic()      {}
func (NoOpMetrics) RecordRejected()          {}
func (NoOpMetrics) HandoffStarted()          {}
func (NoOpMetrics) HandoffFinished()         {}
