/*
Package server is the transport boundary of the execution engine: an HTTP server exposing one WebSocket endpoint per script block plus a small REST surface, and a Go client for both.

The WebSocket protocol on GET /scripts/:identifier/execute:

 1. The browser opens the connection; the script identifier is in the path.
 2. The first frame either starts a run ({"code": "...", "language": "bash"}) or re-attaches to a live run ({"attach": true}). Starting an identifier that is already running kills the old process first; attaching replays buffered output and then tails live.
 3. While the process runs, the browser sends input frames ({"command": "input", "content": "..."} — a trailing newline is appended, since each frame is one line typed by the user), resize frames ({"command": "resize", "rows": R, "cols": C}), or a stop frame ({"command": "stop"}). The legacy {"type": "input"} shape is also accepted.
 4. The server streams event frames {"type": "stdout"|"stderr"|"exit"|"error", "identifier", "content", "timestamp"} in the exact order the engine produced them. Exactly one exit or error frame ends the stream, after which the server closes the connection.
 5. Disconnecting the connection that started the run is treated as a stop: the process is killed and the session torn down. Attach-only connections just detach.

The adapter translates frames one-to-one; it never buffers or reorders.
*/
package server
