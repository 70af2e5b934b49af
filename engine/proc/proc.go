package proc

import (
	"context"
	"errors"
	"fmt"
)

// Stream identifies which output stream a chunk came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one read from a process output stream. Chunks for one Handle are
// delivered in the order they were read from the process.
type Chunk struct {
	Stream Stream
	Bytes  []byte
}

// Status describes how a process terminated.
type Status struct {
	// ExitCode is the process exit code, or -1 if the process was killed by
	// a signal before exiting.
	ExitCode int
	// Signaled is true if the process was terminated by a signal rather than
	// exiting on its own.
	Signaled bool
	// TimeMS is the wall time between spawn and exit.
	TimeMS int64
}

// ErrStdinClosed is returned by WriteStdin once the process has exited or its
// stdin pipe has been closed. Late writes are expected during teardown, so
// callers should log and continue rather than fail.
var ErrStdinClosed = errors.New("stdin is closed")

// SpawnError indicates the process could not be started at all: the
// interpreter is missing, the working directory is invalid, and so on.
// It is always surfaced to the user, never swallowed.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawning process: %s", e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// Spec describes the process to spawn.
type Spec struct {
	Command string
	Args    []string
	WD      string
	Env     []string

	// TTY allocates a pseudo-terminal for the process. With a TTY there is a
	// single output stream (reported as Stdout) and Resize takes effect.
	TTY bool
}

// Handle is one spawned child process.
//
// WriteStdin is safe for concurrent use; writes are serialized internally so
// concurrent callers cannot interleave bytes mid-write.
type Handle interface {
	// WriteStdin writes bytes to the process stdin. Returns ErrStdinClosed
	// if the process has exited.
	WriteStdin(b []byte) error

	// CloseStdin closes the write side of stdin, signaling EOF to the
	// process. Idempotent.
	CloseStdin() error

	// Output returns the stream of stdout/stderr chunks. The channel is
	// closed when both streams reach end-of-stream. The same channel is
	// returned on every call.
	Output() <-chan Chunk

	// Resize sets the terminal size. Best-effort: a no-op on handles without
	// a controllable terminal, and never fatal to the caller.
	Resize(rows, cols uint16) error

	// Kill terminates the process. Idempotent; killing an exited process is
	// a no-op.
	Kill() error

	// Wait blocks until the process terminates and returns its status. It
	// may be called multiple times and from multiple goroutines.
	Wait(ctx context.Context) (Status, error)
}

// Spawner starts processes. Implementations decide the isolation mechanism.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}
