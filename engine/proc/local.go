package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

const readBufSize = 32 * 1024

// LocalSpawner runs processes directly on the host.
type LocalSpawner struct {
	log *zap.SugaredLogger
}

func NewLocalSpawner(log *zap.SugaredLogger) *LocalSpawner {
	return &LocalSpawner{log: log.Named("local_spawner")}
}

func (s *LocalSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if spec.WD != "" {
		info, err := os.Stat(spec.WD)
		if err != nil {
			return nil, &SpawnError{Err: fmt.Errorf("working directory %q: %w", spec.WD, err)}
		}
		if !info.IsDir() {
			return nil, &SpawnError{Err: fmt.Errorf("working directory %q is not a directory", spec.WD)}
		}
	}
	if _, err := exec.LookPath(spec.Command); err != nil {
		return nil, &SpawnError{Err: err}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WD
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	if spec.TTY {
		return s.spawnPTY(cmd)
	}
	return s.spawnPipes(cmd)
}

func (s *LocalSpawner) spawnPipes(cmd *exec.Cmd) (Handle, error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	// The child gets its own process group so Kill reaches background
	// children that share the output pipes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Err: err}
	}

	h := &localHandle{
		log:   s.log.Named("handle"),
		cmd:   cmd,
		out:   make(chan Chunk),
		stdin: &stdinWriter{w: stdinPipe},
		done:  make(chan struct{}),
	}
	h.pumps.Add(2)
	go h.pump(stdoutPipe, Stdout)
	go h.pump(stderrPipe, Stderr)
	go h.waitAndClose(start)
	return h, nil
}

func (s *LocalSpawner) spawnPTY(cmd *exec.Cmd) (Handle, error) {
	start := time.Now()
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, &SpawnError{Err: err}
	}

	h := &localHandle{
		log:   s.log.Named("pty_handle"),
		cmd:   cmd,
		out:   make(chan Chunk),
		stdin: &stdinWriter{w: ptmx, leaveOpen: true},
		ptmx:  ptmx,
		done:  make(chan struct{}),
	}
	h.pumps.Add(1)
	go h.pump(ptmx, Stdout)
	go h.waitAndClose(start)
	return h, nil
}

type localHandle struct {
	log   *zap.SugaredLogger
	cmd   *exec.Cmd
	out   chan Chunk
	stdin *stdinWriter
	ptmx  *os.File // nil unless the process has a PTY

	pumps sync.WaitGroup

	status Status
	done   chan struct{}
}

func (h *localHandle) pump(r io.Reader, stream Stream) {
	defer h.pumps.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			h.out <- Chunk{Stream: stream, Bytes: b}
		}
		if err != nil {
			// A PTY master returns EIO once the child exits; either way the
			// stream is over.
			if err != io.EOF {
				h.log.Debugf("%s read ended: %s", stream, err)
			}
			return
		}
	}
}

// waitAndClose closes the output channel once both streams hit EOF, then
// reaps the process and publishes its status.
func (h *localHandle) waitAndClose(start time.Time) {
	h.pumps.Wait()
	close(h.out)

	err := h.cmd.Wait()
	h.status = statusFromWait(err, time.Since(start))
	h.stdin.markClosed()
	if h.ptmx != nil {
		h.ptmx.Close()
	}
	close(h.done)
}

func statusFromWait(err error, elapsed time.Duration) Status {
	st := Status{TimeMS: elapsed.Milliseconds()}
	if err == nil {
		return st
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		st.ExitCode = -1
		return st
	}
	st.ExitCode = exitErr.ExitCode()
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signaled = true
	}
	return st
}

func (h *localHandle) WriteStdin(b []byte) error { return h.stdin.Write(b) }

func (h *localHandle) CloseStdin() error { return h.stdin.Close() }

func (h *localHandle) Output() <-chan Chunk { return h.out }

func (h *localHandle) Resize(rows, cols uint16) error {
	if h.ptmx == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	default:
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (h *localHandle) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if h.cmd.Process == nil {
		return nil
	}
	// Signal the whole process group, not just the direct child: a
	// background child would otherwise hold the output pipes open and the
	// stream would never terminate. The PTY path starts the child with
	// setsid, so its group id is its pid as well.
	err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %d: %w", h.cmd.Process.Pid, err)
	}
	return nil
}

func (h *localHandle) Wait(ctx context.Context) (Status, error) {
	select {
	case <-h.done:
		return h.status, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// stdinWriter serializes writes to the process stdin and converts writes
// after close into ErrStdinClosed.
type stdinWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool

	// leaveOpen is set for PTY handles: the master fd is shared with the
	// output pump, so Close must not close the underlying file.
	leaveOpen bool
}

func (w *stdinWriter) Write(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrStdinClosed
	}
	_, err := w.w.Write(b)
	if err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrStdinClosed
		}
		return fmt.Errorf("writing stdin: %w", err)
	}
	return nil
}

func (w *stdinWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.leaveOpen {
		return nil
	}
	if closer, ok := w.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// markClosed marks stdin closed without closing the underlying writer, used
// once the process has exited and the fd is already gone.
func (w *stdinWriter) markClosed() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
