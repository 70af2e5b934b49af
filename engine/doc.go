/*
Package engine executes script blocks as child processes and streams their output.

The Registry maps a stable script identifier to at most one live Session. A Session owns exactly one proc.Handle for one execution: it drains the handle's output into ordered OutputEvents, forwards InputEvents to the process, and emits exactly one terminal event (exit or error) when the process is done. Each Session runs on its own goroutine, so sessions for different identifiers never serialize behind one another.

Consumers receive events through subscriptions. A subscription first replays the session's recent output from a bounded ring buffer, then tails live events until the terminal event, after which its channel is closed. This lets a reconnecting client re-attach to a still-running script without restarting it.
*/
package engine
