package engine

import "time"

// EventType tags an OutputEvent.
type EventType string

const (
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
	EventExit   EventType = "exit"
	EventError  EventType = "error"
)

// OutputEvent is one unit of output from a session. Events for one session
// are delivered in the order the process produced them, and an exit or error
// event is always last.
type OutputEvent struct {
	Type EventType
	Time time.Time

	// Data holds the payload for stdout/stderr events.
	Data []byte

	// ExitCode and Stopped are set on exit events. Stopped marks a
	// user-initiated kill rather than the process exiting on its own.
	ExitCode int
	Stopped  bool

	// Err holds the message for error events.
	Err string
}

// Terminal reports whether no further events can follow this one.
func (e OutputEvent) Terminal() bool {
	return e.Type == EventExit || e.Type == EventError
}

// InputKind tags an InputEvent.
type InputKind int

const (
	InputStdin InputKind = iota
	InputResize
	InputStop
)

func (k InputKind) String() string {
	switch k {
	case InputStdin:
		return "stdin"
	case InputResize:
		return "resize"
	case InputStop:
		return "stop"
	}
	return "unknown"
}

// InputEvent is an inbound command for a running session.
type InputEvent struct {
	Kind InputKind

	// Data holds stdin bytes.
	Data []byte

	// Rows and Cols are set on resize events.
	Rows uint16
	Cols uint16
}

func stdoutEvent(stream EventType, b []byte) OutputEvent {
	return OutputEvent{Type: stream, Time: time.Now().UTC(), Data: b}
}

func exitEvent(code int, stopped bool) OutputEvent {
	return OutputEvent{Type: EventExit, Time: time.Now().UTC(), ExitCode: code, Stopped: stopped}
}

func errorEvent(msg string) OutputEvent {
	return OutputEvent{Type: EventError, Time: time.Now().UTC(), Err: msg}
}
