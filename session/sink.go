// Package session holds per-connection state: the layered configuration
// stack, the installed pipelines, and the attachment to a hardware source.
// Sessions are created on successful admission, never shared across
// connections, and torn down idempotently.
package session

// StreamClass names a binary stream a client can start and stop. Binary
// frames carry no wrapper on the wire; the class is implicit from what the
// session has started.
type StreamClass string

const (
	StreamAudio    StreamClass = "audio"
	StreamSpectrum StreamClass = "spectrum"
)

// Sink is where a session pushes its output. The protocol layer implements
// it on top of the websocket; tests implement it in memory.
type Sink interface {
	// SendEvent sends a tagged telemetry message.
	SendEvent(name string, payload any) error

	// SendBinary sends an untagged binary frame for a started stream class.
	SendBinary(class StreamClass, frame []byte) error
}
