/*
Package proc abstracts a single spawned child process behind a Handle: write stdin, read an ordered stream of stdout/stderr chunks, resize the terminal if there is one, kill, and wait for exit.

A Handle is single-use. Its output stream is finite and terminates when both stdout and stderr reach end-of-stream; re-running a block requires spawning a new Handle. Spawners produce Handles: the local spawner runs the interpreter directly (with or without a PTY), and the dockerproc subpackage runs it inside a container. The engine consumes only the interfaces here, so it never knows which isolation mechanism is behind a Handle.

Kill is idempotent and killing an already-exited process is a no-op. Writes to stdin after exit fail with ErrStdinClosed, which callers are expected to treat as a warning rather than a fault.
*/
package proc
