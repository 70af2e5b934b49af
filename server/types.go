package server

import (
	"strconv"
	"time"

	"github.com/scriptbook/scriptbook/engine"
)

// commandFrame is an inbound frame (browser -> server). The first frame of a
// connection carries Code (or Attach); subsequent frames carry input, resize,
// or stop commands.
type commandFrame struct {
	Command string `json:"command,omitempty"`
	// Type is the legacy field name for Command used by older clients.
	Type string `json:"type,omitempty"`

	// Identifier optionally repeats the script identifier from the URL;
	// frames with a mismatched identifier are dropped.
	Identifier string `json:"identifier,omitempty"`

	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
	Attach   bool   `json:"attach,omitempty"`

	Content string `json:"content,omitempty"`
	Rows    uint16 `json:"rows,omitempty"`
	Cols    uint16 `json:"cols,omitempty"`
}

// command returns the effective command name, honoring the legacy Type field.
func (f commandFrame) command() string {
	if f.Command != "" {
		return f.Command
	}
	return f.Type
}

// eventFrame is an outbound frame (server -> browser).
type eventFrame struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	Content    string `json:"content"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Stopped    bool   `json:"stopped,omitempty"`
	Timestamp  string `json:"timestamp"`
}

func encodeEvent(identifier string, ev engine.OutputEvent) eventFrame {
	f := eventFrame{
		Type:       string(ev.Type),
		Identifier: identifier,
		Timestamp:  ev.Time.Format(time.RFC3339Nano),
	}
	switch ev.Type {
	case engine.EventStdout, engine.EventStderr:
		f.Content = string(ev.Data)
	case engine.EventExit:
		code := ev.ExitCode
		f.ExitCode = &code
		f.Stopped = ev.Stopped
		if ev.Stopped {
			f.Content = "stopped by user"
		} else {
			f.Content = strconv.Itoa(ev.ExitCode)
		}
	case engine.EventError:
		f.Content = ev.Err
	}
	return f
}

// RunRequest is the body of POST /scripts/:identifier/run.
type RunRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

// RunResponse is the result of a blocking run: all output buffered, returned
// in one response.
type RunResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Stopped  bool   `json:"stopped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SessionInfo describes one live session in GET /sessions.
type SessionInfo struct {
	Identifier string    `json:"identifier"`
	RunID      string    `json:"runId"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"startedAt"`
}
