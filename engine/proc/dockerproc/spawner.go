// Package dockerproc runs script blocks inside Docker containers. It
// implements the same Handle contract as the local spawner, so the engine is
// unaware of the isolation mechanism.
package dockerproc

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/scriptbook/scriptbook/engine/proc"
)

// Spawner creates one container per spawned process, attached over the
// Docker API's hijacked stream. Containers are removed once reaped.
type Spawner struct {
	log          *zap.SugaredLogger
	dockerClient *client.Client
	image        string
}

func NewSpawner(log *zap.SugaredLogger, image string) (*Spawner, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("building docker client: %w", err)
	}
	return &Spawner{
		log:          log.Named("docker_spawner"),
		dockerClient: dockerClient,
		image:        image,
	}, nil
}

// PullImage fetches the configured image, reading the pull progress to
// completion. Call once at startup so spawns don't pay the pull cost.
func (s *Spawner) PullImage(ctx context.Context) error {
	out, err := s.dockerClient.ImagePull(ctx, s.image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %q: %w", s.image, err)
	}
	defer out.Close()
	if _, err := io.Copy(io.Discard, out); err != nil {
		return fmt.Errorf("reading image pull response: %w", err)
	}
	return nil
}

func (s *Spawner) Spawn(ctx context.Context, spec proc.Spec) (proc.Handle, error) {
	cmd := append([]string{spec.Command}, spec.Args...)
	createResp, err := s.dockerClient.ContainerCreate(
		ctx,
		&container.Config{
			Image:        s.image,
			Cmd:          cmd,
			WorkingDir:   spec.WD,
			Env:          spec.Env,
			Tty:          spec.TTY,
			OpenStdin:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{},
		nil,
		nil,
		"",
	)
	if err != nil {
		return nil, &proc.SpawnError{Err: fmt.Errorf("creating container: %w", err)}
	}
	containerID := createResp.ID

	attach, err := s.dockerClient.ContainerAttach(ctx, containerID, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		s.removeContainer(containerID)
		return nil, &proc.SpawnError{Err: fmt.Errorf("attaching to container: %w", err)}
	}

	start := time.Now()
	if err := s.dockerClient.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		attach.Close()
		s.removeContainer(containerID)
		return nil, &proc.SpawnError{Err: fmt.Errorf("starting container: %w", err)}
	}

	h := &dockerHandle{
		log:         s.log.Named("handle").With("container_id", containerID[:12]),
		spawner:     s,
		containerID: containerID,
		attach:      attach,
		tty:         spec.TTY,
		out:         make(chan proc.Chunk),
		pumpDone:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	go h.pumpOutput()
	go h.waitAndClose(start)
	return h, nil
}

func (s *Spawner) removeContainer(containerID string) {
	err := s.dockerClient.ContainerRemove(context.Background(), containerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		s.log.Debugf("error removing container %s: %s", containerID[:12], err)
	}
}

type dockerHandle struct {
	log         *zap.SugaredLogger
	spawner     *Spawner
	containerID string
	attach      types.HijackedResponse
	tty         bool

	out      chan proc.Chunk
	pumpDone chan struct{}

	stdinMu     sync.Mutex
	stdinClosed bool

	status proc.Status
	done   chan struct{}
}

// pumpOutput drains the hijacked stream until the container exits. With a
// TTY the stream is raw; without one it is multiplexed and demuxed by
// stdcopy.
func (h *dockerHandle) pumpOutput() {
	defer close(h.pumpDone)
	defer close(h.out)

	if h.tty {
		buf := make([]byte, 32*1024)
		for {
			n, err := h.attach.Reader.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				h.out <- proc.Chunk{Stream: proc.Stdout, Bytes: b}
			}
			if err != nil {
				return
			}
		}
	}

	_, err := stdcopy.StdCopy(
		&chunkWriter{stream: proc.Stdout, out: h.out},
		&chunkWriter{stream: proc.Stderr, out: h.out},
		h.attach.Reader,
	)
	if err != nil {
		h.log.Debugf("output demux ended: %s", err)
	}
}

func (h *dockerHandle) waitAndClose(start time.Time) {
	waitCh, errCh := h.spawner.dockerClient.ContainerWait(context.Background(), h.containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case res := <-waitCh:
		exitCode = int(res.StatusCode)
	case err := <-errCh:
		h.log.Debugf("container wait error: %s", err)
		exitCode = -1
	}

	// the attach stream ends at container exit; wait for the demux to flush
	<-h.pumpDone

	h.status = proc.Status{ExitCode: exitCode, TimeMS: time.Since(start).Milliseconds()}
	h.stdinMu.Lock()
	h.stdinClosed = true
	h.stdinMu.Unlock()
	h.attach.Close()
	h.spawner.removeContainer(h.containerID)
	close(h.done)
}

func (h *dockerHandle) WriteStdin(b []byte) error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.stdinClosed {
		return proc.ErrStdinClosed
	}
	if _, err := h.attach.Conn.Write(b); err != nil {
		if strings.Contains(err.Error(), "closed") {
			return proc.ErrStdinClosed
		}
		return fmt.Errorf("writing container stdin: %w", err)
	}
	return nil
}

func (h *dockerHandle) CloseStdin() error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.stdinClosed {
		return nil
	}
	h.stdinClosed = true
	return h.attach.CloseWrite()
}

func (h *dockerHandle) Output() <-chan proc.Chunk { return h.out }

func (h *dockerHandle) Resize(rows, cols uint16) error {
	if !h.tty {
		return nil
	}
	select {
	case <-h.done:
		return nil
	default:
	}
	return h.spawner.dockerClient.ContainerResize(context.Background(), h.containerID, types.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (h *dockerHandle) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	err := h.spawner.dockerClient.ContainerKill(context.Background(), h.containerID, "KILL")
	if err != nil && !strings.Contains(err.Error(), "is not running") {
		return fmt.Errorf("killing container %s: %w", h.containerID[:12], err)
	}
	return nil
}

func (h *dockerHandle) Wait(ctx context.Context) (proc.Status, error) {
	select {
	case <-h.done:
		return h.status, nil
	case <-ctx.Done():
		return proc.Status{}, ctx.Err()
	}
}

// chunkWriter adapts stdcopy's writer interface to the chunk channel,
// copying each buffer since stdcopy reuses its scratch space.
type chunkWriter struct {
	stream proc.Stream
	out    chan proc.Chunk
}

func (w *chunkWriter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	w.out <- proc.Chunk{Stream: w.stream, Bytes: c}
	return len(b), nil
}
