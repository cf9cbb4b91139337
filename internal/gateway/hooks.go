package gateway

import "time"

// MetricsCollector receives operational events from the gateway. The
// Prometheus implementation lives in internal/metrics.
type MetricsCollector interface {
	// ConnectionOpened is called once a connection is registered.
	ConnectionOpened(connID string, userID string)

	// ConnectionClosed is called on teardown with the connection's lifetime.
	ConnectionClosed(connID string, duration time.Duration)

	// ConnectionRejected is called when a handshake is refused.
	ConnectionRejected(reason string)

	FrameReceived(frameType string, size int)
	FrameSent(size int)

	// FrameDropped counts frames discarded from a full send buffer.
	FrameDropped(reason string)

	// MessageBroadcast reports how many local connections received an event.
	MessageBroadcast(scope string, frameType string, recipients int)

	HandlerDuration(frameType string, duration time.Duration)

	Error(component string, err error)
}

type noopMetrics struct{}

func (n *noopMetrics) ConnectionOpened(connID string, userID string) {}

func (n *noopMetrics) ConnectionClosed(connID string, duration time.Duration) {}

func (n *noopMetrics) ConnectionRejected(reason string) {}

func (n *noopMetrics) FrameReceived(frameType string, size int) {}

func (n *noopMetrics) FrameSent(size int) {}

func (n *noopMetrics) FrameDropped(reason string) {}

func (n *noopMetrics) MessageBroadcast(scope string, frameType string, recipients int) {}

func (n *noopMetrics) HandlerDuration(frameType string, duration time.Duration) {}

func (n *noopMetrics) Error(component string, err error) {}

// NoopMetrics returns a collector that discards everything.
func NoopMetrics() MetricsCollector {
	return &noopMetrics{}
}
