// Package executor runs a single attempt of an AI coding engine and exposes
// its output as a stream of parsed messages.
package executor

// MessageType classifies parsed engine output.
type MessageType string

const (
	// TypeSystemInit is the engine's session initialization message.
	TypeSystemInit MessageType = "system_init"
	// TypeAssistant is assistant text output.
	TypeAssistant MessageType = "assistant"
	// TypeUser is tool results echoed back to the engine.
	TypeUser MessageType = "user"
	// TypeResult is the final result message of a session.
	TypeResult MessageType = "result"
	// TypeStreamEvent is a low-level streaming delta. Not displayed.
	TypeStreamEvent MessageType = "stream_event"
	// TypeRaw is unrecognized output passed through verbatim.
	TypeRaw MessageType = "raw"
)

// Message is a single parsed message from engine output.
type Message struct {
	Type MessageType
	// Content is the human-readable text to display.
	Content string
	// Raw is the original output line.
	Raw string
	// SessionID is set on messages that carry the engine session
	// identifier (typically system_init).
	SessionID string
	// IsError marks error output.
	IsError bool
	// IsFinal marks the terminal result message.
	IsFinal bool
}

// Summary captures usage accounting from a completed session.
type Summary struct {
	SessionID    string
	Model        string
	TotalCost    float64
	InputTokens  int
	OutputTokens int
	DurationMS   int64
	Success      bool
	ErrorMessage string
}
