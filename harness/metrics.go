package harness

// Outcome labels shared by the metrics.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultTimeout  = "timeout"
	ResultError    = "error"
	ResultCanceled = "canceled"
)

// Metrics collects harness measurements. Implementations must be safe for
// concurrent use.
type Metrics interface {
	// PollAttempt counts one condition evaluation.
	PollAttempt()
	// PollResult records how a wait ended and how long it took.
	PollResult(result string, seconds float64)

	// HandshakeResult records a mininode handshake outcome.
	HandshakeResult(result string)
	// HandshakeDuration records the time from connect to Completed.
	HandshakeDuration(seconds float64)
	// MessageReceived counts inbound mininode messages by name.
	MessageReceived(msg string)

	// ConnectResult records a node to node connect outcome.
	ConnectResult(result string)
	// ConnectDuration records how long a connect took to be observed.
	ConnectDuration(seconds float64)

	// ScenarioResult records a scenario outcome.
	ScenarioResult(name, result string)
}

// NopMetrics discards everything. It is the default.
type NopMetrics struct{}

func (NopMetrics) PollAttempt()                  {}
func (NopMetrics) PollResult(string, float64)    {}
func (NopMetrics) HandshakeResult(string)        {}
func (NopMetrics) HandshakeDuration(float64)     {}
func (NopMetrics) MessageReceived(string)        {}
func (NopMetrics) ConnectResult(string)          {}
func (NopMetrics) ConnectDuration(float64)       {}
func (NopMetrics) ScenarioResult(string, string) {}

var _ Metrics = NopMetrics{}

// ResultOf maps err to an outcome label.
func ResultOf(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case isTimeout(err):
		return ResultTimeout
	default:
		return ResultFailure
	}
}
